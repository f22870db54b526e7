package models

import (
	"time"

	"gorm.io/datatypes"
)

// CreditRefreshJob stores one queued per-user refresh.
type CreditRefreshJob struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // Primary key (uuid).

	UserID string `gorm:"type:varchar(128);not null;uniqueIndex:idx_credit_refresh_jobs_user_cycle,priority:1"` // Target user.
	Cycle  string `gorm:"type:varchar(16);not null;uniqueIndex:idx_credit_refresh_jobs_user_cycle,priority:2"`  // Refresh day (YYYY-MM-DD).

	Status       string    `gorm:"type:varchar(16);not null;index:idx_credit_refresh_jobs_status_due,priority:1"` // pending/processing/completed/failed.
	ScheduledFor time.Time `gorm:"not null;index:idx_credit_refresh_jobs_status_due,priority:2"`                  // Earliest claim time.
	Attempts     int       `gorm:"not null;default:0"`                                                            // Claims so far.
	MaxAttempts  int       `gorm:"not null;default:3"`                                                            // Attempt ceiling.

	Error  string         `gorm:"type:text"`  // Last error message.
	Result datatypes.JSON `gorm:"type:jsonb"` // Outcome payload for completed jobs.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"`       // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime;index"` // Last update timestamp.
}
