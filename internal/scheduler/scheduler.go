// Package scheduler drives the daily sweep, worker passes and job retention
// from inside the server process.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/jobs"
	"github.com/altarplan/creditledger/internal/refresh"
	"github.com/altarplan/creditledger/internal/settings"
	log "github.com/sirupsen/logrus"
)

const (
	triggeredBy            = "scheduler"
	defaultCleanupInterval = 6 * time.Hour
	maxSweepPages          = 100000
)

// Mode selects how the daily sweep is carried out.
type Mode string

const (
	// ModeSweep refreshes every ledger directly, page by page.
	ModeSweep Mode = "sweep"
	// ModeQueue enqueues one job per ledger and lets worker passes drain them.
	ModeQueue Mode = "queue"
)

// Sweeper runs one page of the sweep.
type Sweeper interface {
	RunBatch(ctx context.Context, req refresh.BatchRequest) (refresh.BatchResult, error)
}

// Enqueuer pages ledgers into the job queue.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, cursor string, batchSize int) (jobs.EnqueueResult, error)
}

// Runner drains due jobs.
type Runner interface {
	Run(ctx context.Context, opts jobs.RunOptions) (jobs.RunResult, error)
}

// Cleaner deletes expired jobs.
type Cleaner interface {
	CleanupOnce(ctx context.Context) int64
}

// Options configures a Scheduler.
type Options struct {
	Mode      Mode
	Clock     credits.Clock
	Location  *time.Location
	BatchSize int
	// WorkerInterval overrides the settings snapshot when positive.
	WorkerInterval  time.Duration
	WorkerRun       jobs.RunOptions
	CleanupInterval time.Duration
	// ReloadSettings refreshes the runtime settings snapshot before each tick.
	ReloadSettings func(ctx context.Context) error
}

// Scheduler runs the refresh pipeline on a timer loop.
type Scheduler struct {
	sweeper  Sweeper
	enqueuer Enqueuer
	worker   Runner
	cleaner  Cleaner
	opts     Options

	mu          sync.Mutex
	lastCycle   string
	lastCleanup time.Time
}

// New builds a Scheduler. Any component may be nil to disable its step.
func New(sweeper Sweeper, enqueuer Enqueuer, worker Runner, cleaner Cleaner, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = credits.SystemClock{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Mode == "" {
		opts.Mode = ModeSweep
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return &Scheduler{sweeper: sweeper, enqueuer: enqueuer, worker: worker, cleaner: cleaner, opts: opts}
}

// Start launches the scheduling loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("credit scheduler started (mode=%s location=%s)", s.opts.Mode, s.opts.Location)
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		interval := s.Tick(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// Tick runs every due step once and returns how long to wait before the next
// tick. The wait never crosses the next day boundary.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	if s.opts.ReloadSettings != nil {
		if errReload := s.opts.ReloadSettings(ctx); errReload != nil {
			log.WithError(errReload).Warn("credit scheduler: reload settings failed")
		}
	}

	now := s.opts.Clock.Now()
	cycle := credits.CycleKey(now, s.opts.Location)

	s.mu.Lock()
	due := cycle != s.lastCycle
	s.mu.Unlock()
	if due {
		if s.sweepCycle(ctx) {
			s.mu.Lock()
			s.lastCycle = cycle
			s.mu.Unlock()
		}
	}

	if s.worker != nil && ctx.Err() == nil {
		opts := s.opts.WorkerRun
		opts.TriggeredBy = triggeredBy
		if _, errRun := s.worker.Run(ctx, opts); errRun != nil {
			log.WithError(errRun).Warn("credit scheduler: worker pass failed")
		}
	}

	s.mu.Lock()
	cleanupDue := s.cleaner != nil && now.Sub(s.lastCleanup) >= s.opts.CleanupInterval
	if cleanupDue {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if cleanupDue && ctx.Err() == nil {
		s.cleaner.CleanupOnce(ctx)
	}

	return s.nextInterval(s.opts.Clock.Now())
}

// LastCycle reports the last cycle whose sweep completed.
func (s *Scheduler) LastCycle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// sweepCycle pages through every ledger once. It reports false when a page
// failed so the next tick retries the cycle from the start; refresh is
// idempotent within a day, so users already done are skipped.
func (s *Scheduler) sweepCycle(ctx context.Context) bool {
	cursor := ""
	for page := 0; page < maxSweepPages; page++ {
		if ctx.Err() != nil {
			return false
		}
		var (
			hasMore bool
			next    string
		)
		switch {
		case s.opts.Mode == ModeQueue && s.enqueuer != nil:
			res, errEnqueue := s.enqueuer.EnqueueBatch(ctx, cursor, s.opts.BatchSize)
			if errEnqueue != nil {
				log.WithError(errEnqueue).WithField("cursor", cursor).Error("credit scheduler: enqueue page failed")
				return false
			}
			hasMore, next = res.HasMore, res.NextCursor
		case s.sweeper != nil:
			res, errBatch := s.sweeper.RunBatch(ctx, refresh.BatchRequest{
				Cursor:       cursor,
				BatchSize:    s.opts.BatchSize,
				IsInitialRun: page == 0,
				TriggeredBy:  triggeredBy,
			})
			if errBatch != nil {
				log.WithError(errBatch).WithField("cursor", cursor).Error("credit scheduler: sweep page failed")
				return false
			}
			hasMore, next = res.HasMore, res.NextCursor
		default:
			return true
		}
		if !hasMore {
			return true
		}
		cursor = next
	}
	log.Warn("credit scheduler: sweep stopped at page limit")
	return true
}

func (s *Scheduler) nextInterval(now time.Time) time.Duration {
	interval := s.opts.WorkerInterval
	if interval <= 0 {
		interval = time.Duration(settings.IntValue(settings.WorkerIntervalSecondsKey, settings.DefaultWorkerIntervalSeconds, 1)) * time.Second
	}
	untilTomorrow := credits.NextDayStart(now, s.opts.Location).Sub(now)
	if untilTomorrow > 0 && untilTomorrow < interval {
		return untilTomorrow
	}
	return interval
}
