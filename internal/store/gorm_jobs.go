package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultClaimAttempts = 5

// GormJobStore keeps refresh jobs in the credit_refresh_jobs table.
type GormJobStore struct {
	db            *gorm.DB
	claimAttempts int
}

// NewGormJobStore constructs a job store over db.
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db, claimAttempts: defaultClaimAttempts}
}

// CreateJob inserts job or returns the job already queued for its user and cycle.
func (s *GormJobStore) CreateJob(ctx context.Context, job credits.RefreshJob) (credits.RefreshJob, bool, error) {
	row, errRow := jobToRow(job)
	if errRow != nil {
		return credits.RefreshJob{}, false, errRow
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return credits.RefreshJob{}, false, credits.Unavailable(res.Error)
	}
	if res.RowsAffected == 1 {
		return rowToJob(row), true, nil
	}

	var existing models.CreditRefreshJob
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND cycle = ?", job.UserID, job.Cycle).
		Take(&existing).Error; errFind != nil {
		return credits.RefreshJob{}, false, credits.Unavailable(errFind)
	}
	return rowToJob(existing), false, nil
}

// GetJob loads a job by id.
func (s *GormJobStore) GetJob(ctx context.Context, id string) (credits.RefreshJob, error) {
	var row models.CreditRefreshJob
	errFind := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return credits.RefreshJob{}, fmt.Errorf("%w: job %s", credits.ErrNotFound, id)
		}
		return credits.RefreshJob{}, credits.Unavailable(errFind)
	}
	return rowToJob(row), nil
}

// ClaimDueJob picks the oldest due pending job and flips it to processing
// with a status-guarded update. Losing the race to another worker moves on
// to the next candidate.
func (s *GormJobStore) ClaimDueJob(ctx context.Context, now time.Time) (credits.RefreshJob, bool, error) {
	now = now.UTC()
	attempts := s.claimAttempts
	if attempts <= 0 {
		attempts = defaultClaimAttempts
	}
	for i := 0; i < attempts; i++ {
		var row models.CreditRefreshJob
		errFind := s.db.WithContext(ctx).
			Where("status = ? AND scheduled_for <= ? AND attempts < max_attempts", string(credits.JobPending), now).
			Order("scheduled_for ASC").
			Order("created_at ASC").
			Order("id ASC").
			Take(&row).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return credits.RefreshJob{}, false, nil
			}
			return credits.RefreshJob{}, false, credits.Unavailable(errFind)
		}

		res := s.db.WithContext(ctx).Model(&models.CreditRefreshJob{}).
			Where("id = ? AND status = ?", row.ID, string(credits.JobPending)).
			Updates(map[string]any{
				"status":     string(credits.JobProcessing),
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return credits.RefreshJob{}, false, credits.Unavailable(res.Error)
		}
		if res.RowsAffected == 1 {
			row.Status = string(credits.JobProcessing)
			row.Attempts++
			row.UpdatedAt = now
			return rowToJob(row), true, nil
		}
		log.WithField("job_id", row.ID).Debug("credit refresh job claimed by another worker")
	}
	return credits.RefreshJob{}, false, nil
}

// CompleteJob records a successful outcome.
func (s *GormJobStore) CompleteJob(ctx context.Context, id string, result credits.JobResult, now time.Time) (credits.RefreshJob, error) {
	payload, errMarshal := json.Marshal(result)
	if errMarshal != nil {
		return credits.RefreshJob{}, fmt.Errorf("store: marshal job result: %w", errMarshal)
	}
	return s.transition(ctx, id, map[string]any{
		"status":     string(credits.JobCompleted),
		"result":     datatypes.JSON(payload),
		"error":      "",
		"updated_at": now.UTC(),
	})
}

// RescheduleJob puts a failed attempt back in the queue.
func (s *GormJobStore) RescheduleJob(ctx context.Context, id, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, error) {
	return s.transition(ctx, id, map[string]any{
		"status":        string(credits.JobPending),
		"error":         errMsg,
		"scheduled_for": scheduledFor.UTC(),
		"updated_at":    now.UTC(),
	})
}

// FailJob marks a job permanently failed.
func (s *GormJobStore) FailJob(ctx context.Context, id, errMsg string, now time.Time) (credits.RefreshJob, error) {
	return s.transition(ctx, id, map[string]any{
		"status":     string(credits.JobFailed),
		"error":      errMsg,
		"updated_at": now.UTC(),
	})
}

// ListStaleJobs returns processing jobs last touched before cutoff, oldest
// first. Their worker is presumed gone.
func (s *GormJobStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]credits.RefreshJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.CreditRefreshJob
	if errFind := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(credits.JobProcessing), before.UTC()).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	out := make([]credits.RefreshJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToJob(row))
	}
	return out, nil
}

// ReleaseStaleJob moves a processing job whose lease expired before cutoff
// to pending (with scheduledFor) or failed. released is false when the job
// was finished or reclaimed in the meantime.
func (s *GormJobStore) ReleaseStaleJob(ctx context.Context, id string, before time.Time, status credits.JobStatus, errMsg string, scheduledFor, now time.Time) (credits.RefreshJob, bool, error) {
	values := map[string]any{
		"status":     string(status),
		"error":      errMsg,
		"updated_at": now.UTC(),
	}
	switch status {
	case credits.JobPending:
		values["scheduled_for"] = scheduledFor.UTC()
	case credits.JobFailed:
	default:
		return credits.RefreshJob{}, false, fmt.Errorf("%w: processing to %s", credits.ErrInvalidTransition, status)
	}
	res := s.db.WithContext(ctx).Model(&models.CreditRefreshJob{}).
		Where("id = ? AND status = ? AND updated_at < ?", id, string(credits.JobProcessing), before.UTC()).
		Updates(values)
	if res.Error != nil {
		return credits.RefreshJob{}, false, credits.Unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return credits.RefreshJob{}, false, nil
	}
	job, errGet := s.GetJob(ctx, id)
	return job, errGet == nil, errGet
}

func (s *GormJobStore) transition(ctx context.Context, id string, values map[string]any) (credits.RefreshJob, error) {
	res := s.db.WithContext(ctx).Model(&models.CreditRefreshJob{}).
		Where("id = ? AND status = ?", id, string(credits.JobProcessing)).
		Updates(values)
	if res.Error != nil {
		return credits.RefreshJob{}, credits.Unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		current, errGet := s.GetJob(ctx, id)
		if errGet != nil {
			return credits.RefreshJob{}, errGet
		}
		return current, fmt.Errorf("%w: job %s is %s", credits.ErrInvalidTransition, id, current.Status)
	}
	return s.GetJob(ctx, id)
}

// CountJobsByStatus groups jobs by status.
func (s *GormJobStore) CountJobsByStatus(ctx context.Context) (map[credits.JobStatus]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	if errScan := s.db.WithContext(ctx).Model(&models.CreditRefreshJob{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; errScan != nil {
		return nil, credits.Unavailable(errScan)
	}
	out := make(map[credits.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[credits.JobStatus(row.Status)] = row.Total
	}
	return out, nil
}

// RecentJobs lists the most recently updated jobs.
func (s *GormJobStore) RecentJobs(ctx context.Context, limit int, statuses ...credits.JobStatus) ([]credits.RefreshJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Model(&models.CreditRefreshJob{})
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, status := range statuses {
			names = append(names, string(status))
		}
		q = q.Where("status IN ?", names)
	}
	var rows []models.CreditRefreshJob
	if errFind := q.Order("updated_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	out := make([]credits.RefreshJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToJob(row))
	}
	return out, nil
}

// DeleteFinishedJobs removes one bounded batch of terminal jobs.
func (s *GormJobStore) DeleteFinishedJobs(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	// Limited subquery keeps each delete short.
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM credit_refresh_jobs
		WHERE id IN (
			SELECT id FROM credit_refresh_jobs
			WHERE status IN (?, ?) AND updated_at < ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, string(credits.JobCompleted), string(credits.JobFailed), before.UTC(), limit)
	if res.Error != nil {
		return 0, credits.Unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

func jobToRow(job credits.RefreshJob) (models.CreditRefreshJob, error) {
	row := models.CreditRefreshJob{
		ID:           job.ID,
		UserID:       job.UserID,
		Cycle:        job.Cycle,
		Status:       string(job.Status),
		ScheduledFor: job.ScheduledFor.UTC(),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
	}
	if job.Result != nil {
		payload, errMarshal := json.Marshal(job.Result)
		if errMarshal != nil {
			return models.CreditRefreshJob{}, fmt.Errorf("store: marshal job result: %w", errMarshal)
		}
		row.Result = datatypes.JSON(payload)
	}
	return row, nil
}

func rowToJob(row models.CreditRefreshJob) credits.RefreshJob {
	job := credits.RefreshJob{
		ID:           row.ID,
		UserID:       row.UserID,
		Cycle:        row.Cycle,
		Status:       credits.JobStatus(row.Status),
		Attempts:     row.Attempts,
		MaxAttempts:  row.MaxAttempts,
		ScheduledFor: row.ScheduledFor.UTC(),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		Error:        row.Error,
	}
	if len(row.Result) > 0 {
		var result credits.JobResult
		if errUnmarshal := json.Unmarshal(row.Result, &result); errUnmarshal == nil {
			job.Result = &result
		} else {
			log.WithError(errUnmarshal).WithField("job_id", row.ID).Warn("credit refresh job: invalid result payload")
		}
	}
	return job
}
