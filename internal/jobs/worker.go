package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/ledger"
	"github.com/altarplan/creditledger/internal/metrics"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/settings"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultProcessTime = 30 * time.Second
	defaultThrottle    = 100 * time.Millisecond
	maxWorkerJobs      = 1000
)

// Refresher performs the day-boundary refresh for one user.
type Refresher interface {
	RefreshQuiet(ctx context.Context, userID string) (ledger.Result, error)
}

// RunOptions bounds one worker pass.
type RunOptions struct {
	// MaxJobs caps the jobs claimed. Zero reads the settings snapshot.
	MaxJobs int
	// ProcessTime is the wall-clock budget. It is checked between jobs.
	ProcessTime time.Duration
	// Throttle is the minimum spacing between jobs. Negative disables it.
	Throttle    time.Duration
	TriggeredBy string
}

// RunResult summarizes a worker pass.
type RunResult struct {
	ProcessedJobs  int                 `json:"processedJobs"`
	SuccessfulJobs int                 `json:"successfulJobs"`
	FailedJobs     int                 `json:"failedJobs"`
	RetriedJobs    int                 `json:"retriedJobs"`
	ExhaustedJobs  int                 `json:"exhaustedJobs"`
	RecoveredJobs  int                 `json:"recoveredJobs"`
	Duration       time.Duration       `json:"duration"`
	Errors         []credits.UserError `json:"errors"`
}

// Worker drains due jobs from a Queue.
type Worker struct {
	queue     *Queue
	refresher Refresher
	runs      *monitor.RunLog
	metrics   *metrics.Metrics
}

// NewWorker builds a Worker. runs and m may be nil.
func NewWorker(queue *Queue, refresher Refresher, runs *monitor.RunLog, m *metrics.Metrics) *Worker {
	return &Worker{queue: queue, refresher: refresher, runs: runs, metrics: m}
}

// Run processes due jobs until MaxJobs is reached, the queue is empty, the
// budget is spent or ctx is done. Per-job failures are recorded on the job
// and never end the pass; only claim failures are returned.
func (w *Worker) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	result := RunResult{Errors: make([]credits.UserError, 0)}
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = settings.IntValue(settings.WorkerMaxJobsKey, settings.DefaultWorkerMaxJobs, 1)
	}
	if maxJobs > maxWorkerJobs {
		maxJobs = maxWorkerJobs
	}
	budget := opts.ProcessTime
	if budget <= 0 {
		budget = defaultProcessTime
	}
	throttle := opts.Throttle
	if throttle == 0 {
		throttle = defaultThrottle
	}
	limit := rate.Inf
	if throttle > 0 {
		limit = rate.Every(throttle)
	}
	limiter := rate.NewLimiter(limit, 1)

	clock := w.queue.clock
	started := clock.Now()
	deadline := started.Add(budget)

	var runID string
	if w.runs != nil {
		runID = w.runs.Start(monitor.KindWorker, opts.TriggeredBy).ID
	}

	recovered, errRecover := w.queue.RecoverStale(ctx)
	result.RecoveredJobs = recovered
	if errRecover != nil {
		log.WithError(errRecover).Warn("jobs worker: recover stale jobs")
		if w.runs != nil {
			w.runs.Note(runID, "recover stale jobs: "+errRecover.Error())
		}
	}

	var runErr error
	for result.ProcessedJobs < maxJobs {
		if ctx.Err() != nil {
			break
		}
		if !clock.Now().Before(deadline) {
			log.WithField("processed", result.ProcessedJobs).Info("jobs worker: process time budget spent")
			break
		}
		if errWait := limiter.Wait(ctx); errWait != nil {
			break
		}

		job, found, errClaim := w.queue.Claim(ctx)
		if errClaim != nil {
			runErr = fmt.Errorf("jobs worker: claim: %w", errClaim)
			if w.runs != nil {
				w.runs.Note(runID, runErr.Error())
			}
			break
		}
		if !found {
			break
		}

		result.ProcessedJobs++
		w.process(ctx, job, &result, runID)
	}

	result.Duration = clock.Now().Sub(started)
	if w.runs != nil {
		w.runs.Finish(ctx, runID, "", false)
	}
	log.WithFields(log.Fields{
		"processed": result.ProcessedJobs,
		"succeeded": result.SuccessfulJobs,
		"failed":    result.FailedJobs,
		"retried":   result.RetriedJobs,
		"exhausted": result.ExhaustedJobs,
		"recovered": result.RecoveredJobs,
		"duration":  result.Duration.String(),
	}).Info("jobs worker: pass finished")
	return result, runErr
}

func (w *Worker) process(ctx context.Context, job credits.RefreshJob, result *RunResult, runID string) {
	res, errRefresh := w.refresh(ctx, job.UserID)
	if errRefresh == nil {
		_, errComplete := w.queue.Complete(ctx, job, credits.JobResult{
			Refreshed:    res.Refreshed,
			DailyCredits: res.Credits.DailyCredits,
			BonusCredits: res.Credits.BonusCredits,
		})
		if errComplete == nil {
			result.SuccessfulJobs++
			w.metrics.IncJob("completed")
			if w.runs != nil {
				w.runs.Record(runID, monitor.OutcomeSuccess, "")
			}
			return
		}
		errRefresh = fmt.Errorf("complete job: %w", errComplete)
	}

	result.FailedJobs++
	msg := errRefresh.Error()
	if len(result.Errors) < maxReportedErrors {
		result.Errors = append(result.Errors, credits.UserError{UserID: job.UserID, Error: msg})
	}
	if w.runs != nil {
		w.runs.Record(runID, monitor.OutcomeFailed, fmt.Sprintf("user %s: %s", job.UserID, msg))
	}

	updated, errFail := w.queue.Fail(ctx, job, errRefresh)
	if errFail != nil {
		w.metrics.IncJob("error")
		log.WithError(errFail).WithFields(log.Fields{"job_id": job.ID, "user_id": job.UserID}).Error("jobs worker: record failure")
		return
	}
	entry := log.WithError(errRefresh).WithFields(log.Fields{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"attempts": updated.Attempts,
	})
	if updated.Status == credits.JobFailed {
		result.ExhaustedJobs++
		w.metrics.IncJob("exhausted")
		entry.Error("jobs worker: job exhausted its attempts")
		return
	}
	result.RetriedJobs++
	w.metrics.IncJob("retried")
	entry.WithField("scheduled_for", updated.ScheduledFor.Format(time.RFC3339)).Warn("jobs worker: job rescheduled")
}

// refresh runs the refresher and turns a panic into a job failure.
func (w *Worker) refresh(ctx context.Context, userID string) (res ledger.Result, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("refresh panicked: %v", recovered)
		}
	}()
	return w.refresher.RefreshQuiet(ctx, userID)
}
