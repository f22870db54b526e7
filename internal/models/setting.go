package models

import (
	"encoding/json"
	"time"
)

// Setting is a runtime tuning value for the refresh pipeline, read into the
// settings snapshot.
type Setting struct {
	Key       string          `gorm:"type:varchar(128);primaryKey"`                      // Setting key, e.g. CREDIT_REFRESH_BATCH_SIZE.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON value; numbers may also be quoted.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last change, reported by the snapshot.
}

// TableName keeps ledger settings apart from other tenants of the database.
func (Setting) TableName() string { return "ledger_settings" }
