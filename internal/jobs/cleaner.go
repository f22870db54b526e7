package jobs

import (
	"context"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/settings"
	"github.com/altarplan/creditledger/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupBatchSize = 1000
	maxCleanupBatchesPerRun = 200
)

// Cleaner deletes finished jobs past the retention window.
type Cleaner struct {
	jobs      store.JobStore
	clock     credits.Clock
	runs      *monitor.RunLog
	batchSize int
	// RetentionDays overrides the settings snapshot when positive.
	RetentionDays int
}

// NewCleaner builds a Cleaner. runs may be nil.
func NewCleaner(jobs store.JobStore, clock credits.Clock, runs *monitor.RunLog) *Cleaner {
	if jobs == nil {
		return nil
	}
	if clock == nil {
		clock = credits.SystemClock{}
	}
	return &Cleaner{jobs: jobs, clock: clock, runs: runs, batchSize: defaultCleanupBatchSize}
}

func (c *Cleaner) retentionDays() int {
	if c.RetentionDays > 0 {
		return c.RetentionDays
	}
	return settings.IntValue(settings.JobRetentionDaysKey, settings.DefaultJobRetentionDays, 0)
}

// CleanupOnce deletes in bounded batches and returns the rows removed.
func (c *Cleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil {
		return 0
	}
	retentionDays := c.retentionDays()
	if retentionDays <= 0 {
		return 0
	}
	cutoff := c.clock.Now().AddDate(0, 0, -retentionDays)

	var runID string
	if c.runs != nil {
		runID = c.runs.Start(monitor.KindCleanup, "").ID
	}

	deletedTotal := int64(0)
	for i := 0; i < maxCleanupBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, errDelete := c.jobs.DeleteFinishedJobs(ctx, cutoff, c.batchSize)
		if errDelete != nil {
			log.WithError(errDelete).Warn("job retention cleaner: delete batch failed")
			if c.runs != nil {
				c.runs.Note(runID, errDelete.Error())
			}
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if c.runs != nil {
		c.runs.Finish(ctx, runID, "", false)
	}
	if deletedTotal > 0 {
		log.Infof("job retention cleaner: deleted %d jobs (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}
