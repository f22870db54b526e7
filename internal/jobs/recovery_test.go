package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/store"
)

// flakyJobStore fails the next RescheduleJob calls with a transient error.
type flakyJobStore struct {
	store.JobStore
	mu                 sync.Mutex
	rescheduleFailures int
}

func (s *flakyJobStore) RescheduleJob(ctx context.Context, id, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, error) {
	s.mu.Lock()
	fail := s.rescheduleFailures > 0
	if fail {
		s.rescheduleFailures--
	}
	s.mu.Unlock()
	if fail {
		return credits.RefreshJob{}, credits.Unavailable(errors.New("connection reset"))
	}
	return s.JobStore.RescheduleJob(ctx, id, errMsg, scheduledFor, now)
}

func TestWorkerRecoversJobStrandedInProcessing(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 19, 0, 5, 0, 0, time.UTC)}
	db := setupJobsDB(t)
	jobStore := &flakyJobStore{JobStore: store.NewGormJobStore(db), rescheduleFailures: 1}
	queue := NewQueue(jobStore, store.NewGormLedgerStore(db), QueueOptions{
		Clock:       clock,
		MaxAttempts: 3,
		BaseBackoff: time.Minute,
		Lease:       10 * time.Minute,
	})
	refresher := &scriptedRefresher{err: credits.Unavailable(errors.New("ledger offline"))}
	worker := NewWorker(queue, refresher, nil, nil)
	ctx := context.Background()
	opts := RunOptions{MaxJobs: 5, Throttle: -1}

	job, _, errEnqueue := queue.EnqueueUser(ctx, "user-1")
	if errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	if _, errRun := worker.Run(ctx, opts); errRun != nil {
		t.Fatalf("first run: %v", errRun)
	}
	stuck, _ := queue.Get(ctx, job.ID)
	if stuck.Status != credits.JobProcessing || stuck.Attempts != 1 {
		t.Fatalf("expected job left processing after a lost write, got %s/%d", stuck.Status, stuck.Attempts)
	}

	refresher.mu.Lock()
	refresher.err = nil
	refresher.mu.Unlock()

	// Inside the lease the job belongs to its worker.
	clock.Advance(5 * time.Minute)
	res, errRun := worker.Run(ctx, opts)
	if errRun != nil || res.RecoveredJobs != 0 || res.ProcessedJobs != 0 {
		t.Fatalf("expected nothing to recover inside the lease: %+v err=%v", res, errRun)
	}

	clock.Advance(6 * time.Minute)
	res, errRun = worker.Run(ctx, opts)
	if errRun != nil || res.RecoveredJobs != 1 {
		t.Fatalf("expected one recovered job: %+v err=%v", res, errRun)
	}
	released, _ := queue.Get(ctx, job.ID)
	if released.Status != credits.JobPending || released.Error != leaseExpiredError {
		t.Fatalf("expected pending job after lease expiry, got %+v", released)
	}
	if want := clock.Now().Add(time.Minute); !released.ScheduledFor.Equal(want) {
		t.Fatalf("scheduledFor = %s, want %s", released.ScheduledFor, want)
	}

	clock.Advance(time.Minute)
	res, errRun = worker.Run(ctx, opts)
	if errRun != nil || res.SuccessfulJobs != 1 {
		t.Fatalf("expected recovered job to complete: %+v err=%v", res, errRun)
	}
	done, _ := queue.Get(ctx, job.ID)
	if done.Status != credits.JobCompleted || done.Attempts != 2 {
		t.Fatalf("expected completed after second attempt, got %s/%d", done.Status, done.Attempts)
	}
}

func TestRecoverStaleFailsJobWithoutAttemptsLeft(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	db := setupJobsDB(t)
	queue := NewQueue(store.NewGormJobStore(db), store.NewGormLedgerStore(db), QueueOptions{
		Clock:       clock,
		MaxAttempts: 1,
		Lease:       10 * time.Minute,
	})
	ctx := context.Background()

	job, _, errEnqueue := queue.EnqueueUser(ctx, "user-1")
	if errEnqueue != nil {
		t.Fatalf("enqueue: %v", errEnqueue)
	}
	if _, found, errClaim := queue.Claim(ctx); errClaim != nil || !found {
		t.Fatalf("claim: found=%v err=%v", found, errClaim)
	}

	clock.Advance(11 * time.Minute)
	recovered, errRecover := queue.RecoverStale(ctx)
	if errRecover != nil || recovered != 1 {
		t.Fatalf("recover: n=%d err=%v", recovered, errRecover)
	}
	failed, _ := queue.Get(ctx, job.ID)
	if failed.Status != credits.JobFailed || failed.Attempts != 1 {
		t.Fatalf("expected failed job, got %s/%d", failed.Status, failed.Attempts)
	}

	recovered, errRecover = queue.RecoverStale(ctx)
	if errRecover != nil || recovered != 0 {
		t.Fatalf("terminal job must not be recovered again: n=%d err=%v", recovered, errRecover)
	}
}
