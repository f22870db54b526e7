// Package monitor keeps a bounded history of refresh runs and builds the
// read-only monitoring summary.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunKind identifies what a run did.
type RunKind string

// Run kinds.
const (
	KindSweep   RunKind = "sweep"
	KindWorker  RunKind = "worker"
	KindEnqueue RunKind = "enqueue"
	KindCleanup RunKind = "cleanup"
)

// Run states.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Outcome classifies one item handled by a run.
type Outcome string

// Item outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

const recentErrorsLimit = 20

// Run is one invocation of a sweep page, worker pass or enqueue page.
type Run struct {
	ID           string     `json:"id"`
	Kind         RunKind    `json:"kind"`
	TriggeredBy  string     `json:"triggeredBy,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Processed    int        `json:"processed"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	LastError    string     `json:"lastError,omitempty"`
	RecentErrors []string   `json:"recentErrors,omitempty"`
	NextCursor   string     `json:"nextCursor,omitempty"`
	HasMore      bool       `json:"hasMore"`
}

// Mirror shares finished runs between instances.
type Mirror interface {
	Publish(ctx context.Context, run Run) error
	Recent(ctx context.Context, limit int) ([]Run, error)
}

// RunLog is an in-memory run history with a TTL for finished runs and a cap
// on how many are kept. Running entries are never evicted.
type RunLog struct {
	mu              sync.Mutex
	runs            map[string]*Run
	order           []string
	ttl             time.Duration
	maxRuns         int
	maxRecentErrors int
	nextID          uint64
	now             func() time.Time
	mirror          Mirror
}

// NewRunLog builds an empty log.
func NewRunLog(ttl time.Duration, maxRuns int) *RunLog {
	return &RunLog{
		runs:            make(map[string]*Run),
		order:           make([]string, 0),
		ttl:             ttl,
		maxRuns:         maxRuns,
		maxRecentErrors: recentErrorsLimit,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SetMirror publishes every finished run to m.
func (l *RunLog) SetMirror(m Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
}

// Mirror returns the configured mirror, if any.
func (l *RunLog) Mirror() Mirror {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mirror
}

// Start opens a running entry.
func (l *RunLog) Start(kind RunKind, triggeredBy string) Run {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.nextID++
	run := &Run{
		ID:          fmt.Sprintf("%s-%d-%d", kind, now.UnixNano(), l.nextID),
		Kind:        kind,
		TriggeredBy: strings.TrimSpace(triggeredBy),
		Status:      StatusRunning,
		StartedAt:   now,
	}
	l.runs[run.ID] = run
	l.order = append(l.order, run.ID)
	l.cleanupExpiredLocked(now)
	l.enforceMaxRunsLocked()
	return cloneRun(run)
}

// Get returns a copy of one run.
func (l *RunLog) Get(id string) (Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok {
		return Run{}, false
	}
	return cloneRun(run), true
}

// Record counts one item outcome on a running entry.
func (l *RunLog) Record(id string, outcome Outcome, errMsg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[id]
	if !ok || run.FinishedAt != nil {
		return false
	}
	switch outcome {
	case OutcomeSuccess:
		run.Succeeded++
	case OutcomeFailed:
		run.Failed++
	case OutcomeSkipped:
		run.Skipped++
	default:
		return false
	}
	run.Processed++
	l.appendErrorLocked(run, errMsg)
	return true
}

// Note attaches an error that is not tied to one item, such as a failed page query.
func (l *RunLog) Note(id string, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok && run.FinishedAt == nil {
		l.appendErrorLocked(run, errMsg)
	}
}

func (l *RunLog) appendErrorLocked(run *Run, errMsg string) {
	errMsg = strings.TrimSpace(errMsg)
	if errMsg == "" {
		return
	}
	run.LastError = errMsg
	run.RecentErrors = append(run.RecentErrors, errMsg)
	if len(run.RecentErrors) > l.maxRecentErrors {
		start := len(run.RecentErrors) - l.maxRecentErrors
		trimmed := make([]string, l.maxRecentErrors)
		copy(trimmed, run.RecentErrors[start:])
		run.RecentErrors = trimmed
	}
}

// Finish closes a run. A run with failures or a noted error ends failed.
func (l *RunLog) Finish(ctx context.Context, id, nextCursor string, hasMore bool) (Run, bool) {
	l.mu.Lock()
	run, ok := l.runs[id]
	if !ok || run.FinishedAt != nil {
		l.mu.Unlock()
		return Run{}, false
	}
	finishedAt := l.now()
	run.FinishedAt = &finishedAt
	run.NextCursor = nextCursor
	run.HasMore = hasMore
	if run.Failed > 0 || run.LastError != "" {
		run.Status = StatusFailed
	} else {
		run.Status = StatusSuccess
	}
	out := cloneRun(run)
	mirror := l.mirror
	l.cleanupExpiredLocked(finishedAt)
	l.enforceMaxRunsLocked()
	l.mu.Unlock()

	if mirror != nil {
		if errPublish := mirror.Publish(ctx, out); errPublish != nil {
			log.WithError(errPublish).WithField("run_id", out.ID).Warn("run log: mirror publish failed")
		}
	}
	return out, true
}

// Recent returns up to limit runs, newest first.
func (l *RunLog) Recent(limit int) []Run {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupExpiredLocked(l.now())
	out := make([]Run, 0, min(limit, len(l.order)))
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		if run, ok := l.runs[l.order[i]]; ok {
			out = append(out, cloneRun(run))
		}
	}
	return out
}

// LastFinished returns the most recently started finished run of kind.
func (l *RunLog) LastFinished(kind RunKind) (Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.order) - 1; i >= 0; i-- {
		run, ok := l.runs[l.order[i]]
		if ok && run.Kind == kind && run.FinishedAt != nil {
			return cloneRun(run), true
		}
	}
	return Run{}, false
}

// CleanupExpired drops finished runs older than the TTL.
func (l *RunLog) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupExpiredLocked(l.now())
	l.enforceMaxRunsLocked()
}

func (l *RunLog) cleanupExpiredLocked(now time.Time) {
	if l.ttl <= 0 || len(l.order) == 0 {
		return
	}
	kept := make([]string, 0, len(l.order))
	for _, id := range l.order {
		run, ok := l.runs[id]
		if !ok {
			continue
		}
		if run.FinishedAt != nil && now.Sub(*run.FinishedAt) >= l.ttl {
			delete(l.runs, id)
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}

func (l *RunLog) enforceMaxRunsLocked() {
	if l.maxRuns <= 0 {
		return
	}
	for len(l.runs) > l.maxRuns {
		index := -1
		for i, id := range l.order {
			if run, ok := l.runs[id]; ok && run.FinishedAt != nil {
				index = i
				break
			}
		}
		if index < 0 {
			return
		}
		delete(l.runs, l.order[index])
		l.order = append(l.order[:index], l.order[index+1:]...)
	}
}

func cloneRun(src *Run) Run {
	if src == nil {
		return Run{}
	}
	cloned := *src
	if src.FinishedAt != nil {
		finishedAt := *src.FinishedAt
		cloned.FinishedAt = &finishedAt
	}
	if len(src.RecentErrors) > 0 {
		cloned.RecentErrors = append([]string(nil), src.RecentErrors...)
	}
	return cloned
}
