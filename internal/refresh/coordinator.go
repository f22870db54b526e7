// Package refresh runs the paginated daily credit sweep.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/ledger"
	"github.com/altarplan/creditledger/internal/metrics"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/altarplan/creditledger/internal/settings"
	"github.com/altarplan/creditledger/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the page size when the request leaves it unset.
	DefaultBatchSize = 50
	// MaxBatchSize caps a single page.
	MaxBatchSize      = 500
	maxReportedErrors = 25
)

// Refresher performs the day-boundary refresh for one user.
type Refresher interface {
	RefreshQuiet(ctx context.Context, userID string) (ledger.Result, error)
}

// BatchRequest selects one page of the sweep.
type BatchRequest struct {
	Cursor    string `json:"cursor,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
	// IsInitialRun marks the first page of a sweep.
	IsInitialRun bool   `json:"isInitialRun,omitempty"`
	TriggeredBy  string `json:"-"`
}

// BatchResult reports one page of the sweep.
type BatchResult struct {
	ProcessedUsers int                 `json:"processedUsers"`
	RefreshedUsers int                 `json:"refreshedUsers"`
	SkippedUsers   int                 `json:"skippedUsers"`
	FailedUsers    int                 `json:"failedUsers"`
	Errors         []credits.UserError `json:"errors"`
	HasMore        bool                `json:"hasMore"`
	NextCursor     string              `json:"nextCursor,omitempty"`
	Duration       time.Duration       `json:"duration"`
}

// Options configures a Coordinator.
type Options struct {
	Clock credits.Clock
	Guard *resilience.Guard
	// Concurrency bounds per-page parallelism. Zero reads the settings snapshot.
	Concurrency int
	// MaxBatchSize caps requested pages below MaxBatchSize when positive.
	MaxBatchSize int
	Runs         *monitor.RunLog
	Metrics      *metrics.Metrics
}

// Coordinator refreshes one page of ledgers per call.
type Coordinator struct {
	ledgers   store.LedgerStore
	refresher Refresher
	opts      Options
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(ledgers store.LedgerStore, refresher Refresher, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = credits.SystemClock{}
	}
	return &Coordinator{ledgers: ledgers, refresher: refresher, opts: opts}
}

type userOutcome struct {
	userID    string
	refreshed bool
	err       error
}

// RunBatch refreshes up to BatchSize ledgers after Cursor. A failing user is
// recorded and never stops its siblings; only a failed page query is returned
// as an error.
func (c *Coordinator) RunBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	result := BatchResult{Errors: make([]credits.UserError, 0)}
	started := c.opts.Clock.Now()
	batchSize := c.batchSize(req.BatchSize)

	var runID string
	if c.opts.Runs != nil {
		runID = c.opts.Runs.Start(monitor.KindSweep, req.TriggeredBy).ID
	}
	entry := log.WithFields(log.Fields{
		"cursor":      req.Cursor,
		"batch_size":  batchSize,
		"initial_run": req.IsInitialRun,
	})
	if req.IsInitialRun {
		entry.Info("credit refresh: sweep started")
	}

	page, errQuery := resilience.Call(ctx, c.opts.Guard, func(ctx context.Context) ([]credits.UserCredits, error) {
		return c.ledgers.Query(ctx, req.Cursor, batchSize)
	})
	if errQuery != nil {
		if c.opts.Runs != nil {
			c.opts.Runs.Note(runID, fmt.Sprintf("query page: %v", errQuery))
			c.opts.Runs.Finish(ctx, runID, req.Cursor, true)
		}
		entry.WithError(errQuery).Error("credit refresh: page query failed")
		return result, errQuery
	}

	outcomes := c.refreshPage(ctx, page)
	for _, outcome := range outcomes {
		result.ProcessedUsers++
		switch {
		case outcome.err != nil:
			result.FailedUsers++
			if len(result.Errors) < maxReportedErrors {
				result.Errors = append(result.Errors, credits.UserError{UserID: outcome.userID, Error: outcome.err.Error()})
			}
			c.record(runID, monitor.OutcomeFailed, fmt.Sprintf("user %s: %v", outcome.userID, outcome.err))
			logUserFailure(outcome.userID, outcome.err)
		case outcome.refreshed:
			result.RefreshedUsers++
			c.record(runID, monitor.OutcomeSuccess, "")
		default:
			result.SkippedUsers++
			c.record(runID, monitor.OutcomeSkipped, "")
		}
	}

	if len(page) > 0 {
		result.NextCursor = page[len(page)-1].UserID
	}
	result.HasMore = len(page) == batchSize
	result.Duration = c.opts.Clock.Now().Sub(started)

	c.opts.Metrics.AddUsers("refreshed", result.RefreshedUsers)
	c.opts.Metrics.AddUsers("skipped", result.SkippedUsers)
	c.opts.Metrics.AddUsers("failed", result.FailedUsers)
	c.opts.Metrics.ObserveBatch(result.Duration)
	if c.opts.Runs != nil {
		c.opts.Runs.Finish(ctx, runID, result.NextCursor, result.HasMore)
	}

	entry.WithFields(log.Fields{
		"processed":   result.ProcessedUsers,
		"refreshed":   result.RefreshedUsers,
		"skipped":     result.SkippedUsers,
		"failed":      result.FailedUsers,
		"has_more":    result.HasMore,
		"next_cursor": result.NextCursor,
		"duration":    result.Duration.String(),
	}).Info("credit refresh: batch finished")
	return result, nil
}

// refreshPage refreshes every user of page with bounded parallelism and
// returns the outcomes in page order.
func (c *Coordinator) refreshPage(ctx context.Context, page []credits.UserCredits) []userOutcome {
	outcomes := make([]userOutcome, len(page))
	var group errgroup.Group
	group.SetLimit(c.concurrency())
	for i := range page {
		i := i
		userID := page[i].UserID
		group.Go(func() error {
			outcomes[i] = c.refreshUser(ctx, userID)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (c *Coordinator) refreshUser(ctx context.Context, userID string) (outcome userOutcome) {
	outcome.userID = userID
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.err = fmt.Errorf("refresh panicked: %v", recovered)
		}
	}()
	if errCtx := ctx.Err(); errCtx != nil {
		outcome.err = errCtx
		return outcome
	}
	res, err := c.refresher.RefreshQuiet(ctx, userID)
	if err != nil {
		outcome.err = err
		return outcome
	}
	outcome.refreshed = res.Refreshed
	return outcome
}

func (c *Coordinator) record(runID string, outcome monitor.Outcome, errMsg string) {
	if c.opts.Runs != nil {
		c.opts.Runs.Record(runID, outcome, errMsg)
	}
}

func (c *Coordinator) batchSize(requested int) int {
	limit := MaxBatchSize
	if c.opts.MaxBatchSize > 0 && c.opts.MaxBatchSize < limit {
		limit = c.opts.MaxBatchSize
	}
	if requested <= 0 {
		requested = settings.IntValue(settings.RefreshBatchSizeKey, DefaultBatchSize, 1)
	}
	if requested > limit {
		requested = limit
	}
	return requested
}

func (c *Coordinator) concurrency() int {
	n := c.opts.Concurrency
	if n <= 0 {
		n = settings.IntValue(settings.RefreshConcurrencyKey, settings.DefaultRefreshConcurrency, 1)
	}
	if n > settings.MaxRefreshConcurrency {
		n = settings.MaxRefreshConcurrency
	}
	return n
}

func logUserFailure(userID string, err error) {
	entry := log.WithError(err).WithField("user_id", userID)
	switch {
	case errors.Is(err, credits.ErrNotFound):
		entry.Warn("credit refresh: ledger disappeared before refresh")
	case errors.Is(err, resilience.ErrCircuitOpen):
		entry.Warn("credit refresh: storage circuit open")
	default:
		entry.Error("credit refresh: user refresh failed")
	}
}
