package models

import "time"

// User stores the credit ledger embedded in a user row.
type User struct {
	ID string `gorm:"type:varchar(128);primaryKey"` // Primary key (external user id).

	HasCredits bool `gorm:"not null;default:false;index"` // Whether the ledger has been initialized.

	CreditsDaily            int        `gorm:"column:credits_daily;not null;default:0"`                               // Daily credits balance.
	CreditsBonus            int        `gorm:"column:credits_bonus;not null;default:0"`                               // Bonus credits balance.
	CreditsUserType         string     `gorm:"column:credits_user_type;type:varchar(32);not null;default:''"`         // Account kind.
	CreditsSubscriptionTier string     `gorm:"column:credits_subscription_tier;type:varchar(32);not null;default:''"` // Subscription tier.
	CreditsLastRefresh      *time.Time `gorm:"column:credits_last_refresh"`                                           // Last daily refresh instant.
	CreditsVersion          int64      `gorm:"column:credits_version;not null;default:0"`                             // Optimistic concurrency version.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
