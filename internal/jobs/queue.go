// Package jobs persists per-user refresh work and drains it in bounded
// worker passes.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/altarplan/creditledger/internal/settings"
	"github.com/altarplan/creditledger/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidTransition is returned for any job state change outside
// pending→processing→{completed, pending, failed}.
var ErrInvalidTransition = credits.ErrInvalidTransition

const (
	defaultBaseBackoff = time.Minute
	defaultMaxBackoff  = time.Hour
	defaultBatchSize   = 50
	maxBatchSize       = 500
	maxReportedErrors  = 25
	defaultLease       = 10 * time.Minute
	staleScanLimit     = 100
	leaseExpiredError  = "processing lease expired"
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	Clock    credits.Clock
	Location *time.Location
	// MaxAttempts applies to newly enqueued jobs. Zero reads the settings
	// snapshot.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease is how long a claimed job may stay processing before it is
	// treated as a failed attempt. It must exceed the longest worker pass.
	Lease time.Duration
	Guard *resilience.Guard
}

// Queue owns the refresh job lifecycle.
type Queue struct {
	jobs        store.JobStore
	ledgers     store.LedgerStore
	clock       credits.Clock
	loc         *time.Location
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	lease       time.Duration
	guard       *resilience.Guard
}

// NewQueue builds a Queue. ledgers may be nil when EnqueueBatch is unused.
func NewQueue(jobs store.JobStore, ledgers store.LedgerStore, opts QueueOptions) *Queue {
	q := &Queue{
		jobs:        jobs,
		ledgers:     ledgers,
		clock:       opts.Clock,
		loc:         opts.Location,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		lease:       opts.Lease,
		guard:       opts.Guard,
	}
	if q.clock == nil {
		q.clock = credits.SystemClock{}
	}
	if q.loc == nil {
		q.loc = time.UTC
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = defaultBaseBackoff
	}
	if q.maxBackoff <= 0 {
		q.maxBackoff = defaultMaxBackoff
	}
	if q.lease <= 0 {
		q.lease = defaultLease
	}
	return q
}

func (q *Queue) attemptsCeiling() int {
	if q.maxAttempts > 0 {
		return q.maxAttempts
	}
	return settings.IntValue(settings.JobMaxAttemptsKey, settings.DefaultJobMaxAttempts, 1)
}

// EnqueueUser creates the job for userID in the current cycle, or returns
// the existing one.
func (q *Queue) EnqueueUser(ctx context.Context, userID string) (credits.RefreshJob, bool, error) {
	if userID == "" {
		return credits.RefreshJob{}, false, credits.Validationf("user id is required")
	}
	now := q.clock.Now()
	job := credits.RefreshJob{
		ID:           uuid.NewString(),
		UserID:       userID,
		Cycle:        credits.CycleKey(now, q.loc),
		Status:       credits.JobPending,
		MaxAttempts:  q.attemptsCeiling(),
		ScheduledFor: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var created bool
	stored, err := resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		out, ok, errCreate := q.jobs.CreateJob(ctx, job)
		created = ok
		return out, errCreate
	})
	if err != nil {
		return credits.RefreshJob{}, false, err
	}
	return stored, created, nil
}

// EnqueueResult reports one page of enqueueing.
type EnqueueResult struct {
	Enqueued   int                 `json:"enqueued"`
	Existing   int                 `json:"existing"`
	Failed     int                 `json:"failed"`
	Errors     []credits.UserError `json:"errors"`
	HasMore    bool                `json:"hasMore"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// EnqueueBatch pages ledgers after cursor and enqueues one job per user for
// the current cycle. Failures are per user and never stop the page.
func (q *Queue) EnqueueBatch(ctx context.Context, cursor string, batchSize int) (EnqueueResult, error) {
	result := EnqueueResult{Errors: make([]credits.UserError, 0)}
	if q.ledgers == nil {
		return result, errors.New("jobs: enqueue batch requires a ledger store")
	}
	batchSize = clampBatchSize(batchSize)

	page, err := resilience.Call(ctx, q.guard, func(ctx context.Context) ([]credits.UserCredits, error) {
		return q.ledgers.Query(ctx, cursor, batchSize)
	})
	if err != nil {
		return result, err
	}
	for _, ledger := range page {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		_, created, errEnqueue := q.EnqueueUser(ctx, ledger.UserID)
		switch {
		case errEnqueue != nil:
			result.Failed++
			if len(result.Errors) < maxReportedErrors {
				result.Errors = append(result.Errors, credits.UserError{UserID: ledger.UserID, Error: errEnqueue.Error()})
			}
			log.WithError(errEnqueue).WithField("user_id", ledger.UserID).Warn("jobs: enqueue failed")
		case created:
			result.Enqueued++
		default:
			result.Existing++
		}
	}
	if len(page) > 0 {
		result.NextCursor = page[len(page)-1].UserID
	}
	result.HasMore = len(page) == batchSize
	return result, nil
}

// Claim moves the oldest due pending job to processing.
func (q *Queue) Claim(ctx context.Context) (credits.RefreshJob, bool, error) {
	now := q.clock.Now()
	var found bool
	job, err := resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		out, ok, errClaim := q.jobs.ClaimDueJob(ctx, now)
		found = ok
		return out, errClaim
	})
	if err != nil {
		return credits.RefreshJob{}, false, err
	}
	return job, found, nil
}

// Complete records a successful refresh.
func (q *Queue) Complete(ctx context.Context, job credits.RefreshJob, result credits.JobResult) (credits.RefreshJob, error) {
	now := q.clock.Now()
	return resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		return q.jobs.CompleteJob(ctx, job.ID, result, now)
	})
}

// Fail records a failed attempt. The job goes back to pending with a
// pushed-out schedule while attempts remain, otherwise it fails for good.
func (q *Queue) Fail(ctx context.Context, job credits.RefreshJob, cause error) (credits.RefreshJob, error) {
	now := q.clock.Now()
	errMsg := "unknown error"
	if cause != nil {
		errMsg = cause.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		return resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
			return q.jobs.FailJob(ctx, job.ID, errMsg, now)
		})
	}
	next := q.nextSchedule(job, now)
	return resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		return q.jobs.RescheduleJob(ctx, job.ID, errMsg, next, now)
	})
}

// RecoverStale returns processing jobs whose lease expired to the queue.
// Each counts as a failed attempt: back to pending with backoff while
// attempts remain, failed otherwise. A job finished or reclaimed
// concurrently is left alone.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	now := q.clock.Now()
	cutoff := now.Add(-q.lease)
	stale, err := resilience.Call(ctx, q.guard, func(ctx context.Context) ([]credits.RefreshJob, error) {
		return q.jobs.ListStaleJobs(ctx, cutoff, staleScanLimit)
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stale {
		status, next := credits.JobPending, q.nextSchedule(job, now)
		if job.Attempts >= job.MaxAttempts {
			status, next = credits.JobFailed, job.ScheduledFor
		}
		_, released, errRelease := q.releaseStale(ctx, job.ID, cutoff, status, next, now)
		if errRelease != nil {
			return recovered, errRelease
		}
		if !released {
			continue
		}
		recovered++
		log.WithFields(log.Fields{
			"job_id":   job.ID,
			"user_id":  job.UserID,
			"attempts": job.Attempts,
			"status":   status,
		}).Warn("jobs: recovered job with expired processing lease")
	}
	return recovered, nil
}

func (q *Queue) releaseStale(ctx context.Context, id string, cutoff time.Time, status credits.JobStatus, next, now time.Time) (credits.RefreshJob, bool, error) {
	var released bool
	job, err := resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		out, ok, errRelease := q.jobs.ReleaseStaleJob(ctx, id, cutoff, status, leaseExpiredError, next, now)
		released = ok
		return out, errRelease
	})
	return job, released, err
}

// nextSchedule is now + base*2^(attempts-1), capped, and never earlier than
// the job's current schedule.
func (q *Queue) nextSchedule(job credits.RefreshJob, now time.Time) time.Time {
	delay := q.baseBackoff
	for i := 1; i < job.Attempts; i++ {
		delay *= 2
		if delay >= q.maxBackoff {
			delay = q.maxBackoff
			break
		}
	}
	if delay > q.maxBackoff {
		delay = q.maxBackoff
	}
	next := now.Add(delay)
	if next.Before(job.ScheduledFor) {
		return job.ScheduledFor
	}
	return next
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id string) (credits.RefreshJob, error) {
	return resilience.Call(ctx, q.guard, func(ctx context.Context) (credits.RefreshJob, error) {
		return q.jobs.GetJob(ctx, id)
	})
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[credits.JobStatus]int64, error) {
	return q.jobs.CountJobsByStatus(ctx)
}

// Recent lists jobs by last update, newest first.
func (q *Queue) Recent(ctx context.Context, limit int, statuses ...credits.JobStatus) ([]credits.RefreshJob, error) {
	return q.jobs.RecentJobs(ctx, limit, statuses...)
}

func clampBatchSize(n int) int {
	if n <= 0 {
		n = settings.IntValue(settings.RefreshBatchSizeKey, defaultBatchSize, 1)
	}
	if n > maxBatchSize {
		n = maxBatchSize
	}
	return n
}
