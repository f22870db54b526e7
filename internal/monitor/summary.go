package monitor

import (
	"context"
	"math"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	summaryCacheKey     = "summary"
	recentActivityLimit = 10
	recentErrorLimit    = 10
	recentRunsLimit     = 10
)

// JobStats is the read side of the job store used for monitoring.
type JobStats interface {
	CountJobsByStatus(ctx context.Context) (map[credits.JobStatus]int64, error)
	RecentJobs(ctx context.Context, limit int, statuses ...credits.JobStatus) ([]credits.RefreshJob, error)
}

// JobError is a failed or retrying job as shown on the monitor.
type JobError struct {
	JobID     string            `json:"jobId"`
	UserID    string            `json:"userId"`
	Status    credits.JobStatus `json:"status"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// BreakerStatus reports the shared storage breaker.
type BreakerStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Summary is the monitoring view of the refresh pipeline.
type Summary struct {
	GeneratedAt      time.Time            `json:"generatedAt"`
	JobCounts        map[string]int64     `json:"jobCounts"`
	TotalJobs        int64                `json:"totalJobs"`
	SuccessRate      float64              `json:"successRate"`
	RecentActivity   []credits.RefreshJob `json:"recentActivity"`
	RecentErrors     []JobError           `json:"recentErrors"`
	RecentRuns       []Run                `json:"recentRuns"`
	LastSweep        *Run                 `json:"lastSweep,omitempty"`
	CurrentCycle     string               `json:"currentCycle"`
	NextScheduledRun time.Time            `json:"nextScheduledRun"`
	Breaker          *BreakerStatus       `json:"breaker,omitempty"`
}

// ServiceOptions configures the monitor.
type ServiceOptions struct {
	Clock    credits.Clock
	Location *time.Location
	Breaker  *resilience.CircuitBreaker
	// CacheTTL bounds how stale a summary may be. Zero disables caching.
	CacheTTL time.Duration
}

// Service assembles summaries.
type Service struct {
	jobs    JobStats
	runs    *RunLog
	clock   credits.Clock
	loc     *time.Location
	breaker *resilience.CircuitBreaker
	cache   *cache.Cache
}

// NewService builds a monitor service.
func NewService(jobs JobStats, runs *RunLog, opts ServiceOptions) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = credits.SystemClock{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{jobs: jobs, runs: runs, clock: clock, loc: loc, breaker: opts.Breaker}
	if opts.CacheTTL > 0 {
		s.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s
}

// Summary returns the current monitoring view.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	if s.cache != nil {
		if cached, found := s.cache.Get(summaryCacheKey); found {
			if summary, ok := cached.(Summary); ok {
				return summary, nil
			}
		}
	}

	summary, err := s.build(ctx)
	if err != nil {
		return Summary{}, err
	}
	if s.cache != nil {
		s.cache.Set(summaryCacheKey, summary, cache.DefaultExpiration)
	}
	return summary, nil
}

// Invalidate drops the cached summary.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.Delete(summaryCacheKey)
	}
}

func (s *Service) build(ctx context.Context) (Summary, error) {
	now := s.clock.Now()
	counts, errCount := s.jobs.CountJobsByStatus(ctx)
	if errCount != nil {
		return Summary{}, errCount
	}

	summary := Summary{
		GeneratedAt:      now,
		JobCounts:        make(map[string]int64, 4),
		CurrentCycle:     credits.CycleKey(now, s.loc),
		NextScheduledRun: credits.NextDayStart(now, s.loc),
	}
	for _, status := range []credits.JobStatus{credits.JobPending, credits.JobProcessing, credits.JobCompleted, credits.JobFailed} {
		summary.JobCounts[string(status)] = counts[status]
		summary.TotalJobs += counts[status]
	}
	summary.SuccessRate = successRate(counts[credits.JobCompleted], counts[credits.JobFailed])

	activity, errActivity := s.jobs.RecentJobs(ctx, recentActivityLimit)
	if errActivity != nil {
		return Summary{}, errActivity
	}
	summary.RecentActivity = activity

	troubled, errTroubled := s.jobs.RecentJobs(ctx, 2*recentErrorLimit, credits.JobFailed, credits.JobPending)
	if errTroubled != nil {
		return Summary{}, errTroubled
	}
	summary.RecentErrors = make([]JobError, 0, recentErrorLimit)
	for _, job := range troubled {
		if job.Error == "" || len(summary.RecentErrors) >= recentErrorLimit {
			continue
		}
		summary.RecentErrors = append(summary.RecentErrors, JobError{
			JobID:     job.ID,
			UserID:    job.UserID,
			Status:    job.Status,
			Attempts:  job.Attempts,
			Error:     job.Error,
			UpdatedAt: job.UpdatedAt,
		})
	}

	summary.RecentRuns = s.recentRuns(ctx)
	for i := range summary.RecentRuns {
		if summary.RecentRuns[i].Kind == KindSweep && summary.RecentRuns[i].FinishedAt != nil {
			last := summary.RecentRuns[i]
			summary.LastSweep = &last
			break
		}
	}

	if s.breaker != nil {
		summary.Breaker = &BreakerStatus{
			State:               s.breaker.State(),
			ConsecutiveFailures: s.breaker.ConsecutiveFailures(),
		}
	}
	return summary, nil
}

func (s *Service) recentRuns(ctx context.Context) []Run {
	if s.runs == nil {
		return nil
	}
	if mirror := s.runs.Mirror(); mirror != nil {
		shared, errShared := mirror.Recent(ctx, recentRunsLimit)
		if errShared == nil {
			return shared
		}
		log.WithError(errShared).Warn("monitor: shared run history unavailable, using local runs")
	}
	return s.runs.Recent(recentRunsLimit)
}

// successRate is the percentage of finished jobs that completed, rounded to
// two decimals.
func successRate(completed, failed int64) float64 {
	finished := completed + failed
	if finished == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(finished)*10000) / 100
}
