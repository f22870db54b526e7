// Package store defines the persistence contracts for credit ledgers and
// refresh jobs, plus their GORM implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
)

// ErrConflict is returned when an optimistic update keeps losing races.
// It is transient: a later attempt may succeed.
var ErrConflict = errors.New("store: concurrent update conflict")

// Mutation computes the next ledger state from the current one. Returning
// credits.ErrNoChange leaves the record untouched.
type Mutation func(current credits.UserCredits) (credits.UserCredits, error)

// LedgerStore persists per-user credit ledgers.
type LedgerStore interface {
	// Get returns credits.ErrNotFound when the user has no ledger.
	Get(ctx context.Context, userID string) (credits.UserCredits, error)
	// Create returns credits.ErrAlreadyInitialized when a ledger exists.
	Create(ctx context.Context, record credits.UserCredits) (credits.UserCredits, error)
	// Update applies mutate atomically for one user.
	Update(ctx context.Context, userID string, mutate Mutation) (credits.UserCredits, error)
	// Query returns up to limit ledgers with user id greater than cursor,
	// ordered by user id.
	Query(ctx context.Context, cursor string, limit int) ([]credits.UserCredits, error)
	Ping(ctx context.Context) error
}

// JobStore persists refresh jobs. Transition methods only move a job out of
// processing and return credits.ErrInvalidTransition otherwise.
type JobStore interface {
	// CreateJob inserts job unless one already exists for its user and cycle,
	// in which case the existing job is returned with created=false.
	CreateJob(ctx context.Context, job credits.RefreshJob) (stored credits.RefreshJob, created bool, err error)
	GetJob(ctx context.Context, id string) (credits.RefreshJob, error)
	// ClaimDueJob moves the oldest due pending job to processing and
	// increments its attempts in one conditional write.
	ClaimDueJob(ctx context.Context, now time.Time) (credits.RefreshJob, bool, error)
	CompleteJob(ctx context.Context, id string, result credits.JobResult, now time.Time) (credits.RefreshJob, error)
	RescheduleJob(ctx context.Context, id, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, error)
	FailJob(ctx context.Context, id, errMsg string, now time.Time) (credits.RefreshJob, error)
	// ListStaleJobs returns processing jobs whose last update is before cutoff.
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]credits.RefreshJob, error)
	// ReleaseStaleJob moves a job that is still processing and was last
	// updated before cutoff to pending or failed. released is false when the
	// job no longer matches.
	ReleaseStaleJob(ctx context.Context, id string, before time.Time, status credits.JobStatus, errMsg string, scheduledFor, now time.Time) (job credits.RefreshJob, released bool, err error)
	CountJobsByStatus(ctx context.Context) (map[credits.JobStatus]int64, error)
	// RecentJobs returns jobs ordered by last update, newest first.
	RecentJobs(ctx context.Context, limit int, statuses ...credits.JobStatus) ([]credits.RefreshJob, error)
	// DeleteFinishedJobs removes at most limit terminal jobs updated before cutoff.
	DeleteFinishedJobs(ctx context.Context, before time.Time, limit int) (int64, error)
}
