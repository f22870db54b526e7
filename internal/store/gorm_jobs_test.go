package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/google/uuid"
)

func newJob(userID, cycle string, scheduledFor time.Time) credits.RefreshJob {
	return credits.RefreshJob{
		ID:           uuid.NewString(),
		UserID:       userID,
		Cycle:        cycle,
		Status:       credits.JobPending,
		MaxAttempts:  3,
		ScheduledFor: scheduledFor,
		CreatedAt:    scheduledFor,
		UpdatedAt:    scheduledFor,
	}
}

func TestGormJobStoreCreateJobIsIdempotentPerCycle(t *testing.T) {
	ctx := context.Background()
	s := NewGormJobStore(setupStoreDB(t))
	at := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	first, created, errCreate := s.CreateJob(ctx, newJob("u1", "2026-10-19", at))
	if errCreate != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, errCreate)
	}
	second, created, errCreate := s.CreateJob(ctx, newJob("u1", "2026-10-19", at))
	if errCreate != nil {
		t.Fatalf("second create: %v", errCreate)
	}
	if created {
		t.Fatalf("expected existing job to be reused")
	}
	if second.ID != first.ID {
		t.Fatalf("expected id %s, got %s", first.ID, second.ID)
	}
	if _, created, _ := s.CreateJob(ctx, newJob("u1", "2026-10-20", at)); !created {
		t.Fatalf("next cycle should create a new job")
	}
}

func TestGormJobStoreClaimOrdersByScheduledFor(t *testing.T) {
	ctx := context.Background()
	s := NewGormJobStore(setupStoreDB(t))
	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	for _, job := range []credits.RefreshJob{
		newJob("late", "c", base.Add(2*time.Minute)),
		newJob("early", "c", base),
		newJob("future", "c", base.Add(time.Hour)),
	} {
		if _, _, errCreate := s.CreateJob(ctx, job); errCreate != nil {
			t.Fatalf("create: %v", errCreate)
		}
	}

	now := base.Add(5 * time.Minute)
	claimed, ok, errClaim := s.ClaimDueJob(ctx, now)
	if errClaim != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, errClaim)
	}
	if claimed.UserID != "early" || claimed.Status != credits.JobProcessing || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	claimed, ok, _ = s.ClaimDueJob(ctx, now)
	if !ok || claimed.UserID != "late" {
		t.Fatalf("expected late job, got ok=%v %+v", ok, claimed)
	}

	if _, ok, _ := s.ClaimDueJob(ctx, now); ok {
		t.Fatalf("future job must not be claimed")
	}
}

func TestGormJobStoreTransitionsRequireProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewGormJobStore(setupStoreDB(t))
	at := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	job, _, errCreate := s.CreateJob(ctx, newJob("u1", "c", at))
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	if _, errComplete := s.CompleteJob(ctx, job.ID, credits.JobResult{}, at); !errors.Is(errComplete, credits.ErrInvalidTransition) {
		t.Fatalf("pending->completed should be rejected, got %v", errComplete)
	}

	if _, _, errClaim := s.ClaimDueJob(ctx, at); errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	done, errComplete := s.CompleteJob(ctx, job.ID, credits.JobResult{Refreshed: true, DailyCredits: 15, BonusCredits: 4}, at)
	if errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}
	if done.Status != credits.JobCompleted || done.Result == nil || !done.Result.Refreshed || done.Result.BonusCredits != 4 {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	if _, errFail := s.FailJob(ctx, job.ID, "boom", at); !errors.Is(errFail, credits.ErrInvalidTransition) {
		t.Fatalf("completed->failed should be rejected, got %v", errFail)
	}
	if _, errFail := s.FailJob(ctx, "missing", "boom", at); !errors.Is(errFail, credits.ErrNotFound) {
		t.Fatalf("missing job should be not found, got %v", errFail)
	}
}

func TestGormJobStoreCountsRecentAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := NewGormJobStore(setupStoreDB(t))
	old := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	for _, userID := range []string{"a", "b", "c"} {
		if _, _, errCreate := s.CreateJob(ctx, newJob(userID, "2026-09-01", old)); errCreate != nil {
			t.Fatalf("create: %v", errCreate)
		}
	}
	first, _, _ := s.ClaimDueJob(ctx, old)
	if _, errComplete := s.CompleteJob(ctx, first.ID, credits.JobResult{}, old); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}
	second, _, _ := s.ClaimDueJob(ctx, old)
	if _, errFail := s.FailJob(ctx, second.ID, "exhausted", now); errFail != nil {
		t.Fatalf("fail: %v", errFail)
	}

	counts, errCount := s.CountJobsByStatus(ctx)
	if errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if counts[credits.JobPending] != 1 || counts[credits.JobCompleted] != 1 || counts[credits.JobFailed] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	failed, errRecent := s.RecentJobs(ctx, 10, credits.JobFailed)
	if errRecent != nil {
		t.Fatalf("recent: %v", errRecent)
	}
	if len(failed) != 1 || failed[0].Error != "exhausted" {
		t.Fatalf("unexpected failed jobs: %+v", failed)
	}

	deleted, errDelete := s.DeleteFinishedJobs(ctx, now.AddDate(0, 0, -7), 100)
	if errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}
	if deleted != 1 {
		t.Fatalf("expected only the old completed job deleted, got %d", deleted)
	}
}

func TestGormJobStoreReleaseStaleJobIsGuarded(t *testing.T) {
	ctx := context.Background()
	s := NewGormJobStore(setupStoreDB(t))
	claimedAt := time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC)

	stale := newJob("u1", "2026-10-19", claimedAt.Add(-time.Hour))
	fresh := newJob("u2", "2026-10-19", claimedAt.Add(-30*time.Minute))
	for _, job := range []credits.RefreshJob{stale, fresh} {
		if _, _, errCreate := s.CreateJob(ctx, job); errCreate != nil {
			t.Fatalf("create: %v", errCreate)
		}
	}
	if _, _, errClaim := s.ClaimDueJob(ctx, claimedAt); errClaim != nil {
		t.Fatalf("claim stale: %v", errClaim)
	}
	if _, _, errClaim := s.ClaimDueJob(ctx, claimedAt.Add(20*time.Minute)); errClaim != nil {
		t.Fatalf("claim fresh: %v", errClaim)
	}

	cutoff := claimedAt.Add(10 * time.Minute)
	listed, errList := s.ListStaleJobs(ctx, cutoff, 10)
	if errList != nil || len(listed) != 1 || listed[0].ID != stale.ID {
		t.Fatalf("expected only the stale job, got %+v err=%v", listed, errList)
	}

	now := claimedAt.Add(30 * time.Minute)
	if _, _, errRelease := s.ReleaseStaleJob(ctx, fresh.ID, cutoff, credits.JobPending, "lease", now, now); errRelease != nil {
		t.Fatalf("release fresh: %v", errRelease)
	}
	current, _ := s.GetJob(ctx, fresh.ID)
	if current.Status != credits.JobProcessing {
		t.Fatalf("job inside its lease must stay processing, got %s", current.Status)
	}

	released, ok, errRelease := s.ReleaseStaleJob(ctx, stale.ID, cutoff, credits.JobPending, "lease", now.Add(time.Minute), now)
	if errRelease != nil || !ok {
		t.Fatalf("release stale: ok=%v err=%v", ok, errRelease)
	}
	if released.Status != credits.JobPending || !released.ScheduledFor.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected released job: %+v", released)
	}
	if _, ok, _ := s.ReleaseStaleJob(ctx, stale.ID, cutoff, credits.JobFailed, "lease", now, now); ok {
		t.Fatalf("a released job must not be released twice")
	}
	if _, _, errBad := s.ReleaseStaleJob(ctx, stale.ID, cutoff, credits.JobCompleted, "lease", now, now); !errors.Is(errBad, credits.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for completed target, got %v", errBad)
	}
}
