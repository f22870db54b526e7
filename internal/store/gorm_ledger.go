package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/models"
	"gorm.io/gorm"
)

const defaultCASAttempts = 5

// GormLedgerStore keeps ledgers in the credits_* columns of the users table.
type GormLedgerStore struct {
	db          *gorm.DB
	casAttempts int
}

// NewGormLedgerStore constructs a ledger store over db.
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db, casAttempts: defaultCASAttempts}
}

// Get returns the ledger for userID.
func (s *GormLedgerStore) Get(ctx context.Context, userID string) (credits.UserCredits, error) {
	var row models.User
	errFind := s.db.WithContext(ctx).
		Where("id = ? AND has_credits = ?", userID, true).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrNotFound, userID)
		}
		return credits.UserCredits{}, credits.Unavailable(errFind)
	}
	return userToCredits(row), nil
}

// Create initializes a ledger, attaching it to an existing user row when one
// is present.
func (s *GormLedgerStore) Create(ctx context.Context, record credits.UserCredits) (credits.UserCredits, error) {
	record.Version = 1
	record.LastCreditRefresh = record.LastCreditRefresh.UTC()
	db := s.db.WithContext(ctx)

	res := db.Model(&models.User{}).
		Where("id = ? AND has_credits = ?", record.UserID, false).
		Updates(creditColumns(record, true))
	if res.Error != nil {
		return credits.UserCredits{}, credits.Unavailable(res.Error)
	}
	if res.RowsAffected == 1 {
		return record, nil
	}

	refresh := record.LastCreditRefresh
	row := models.User{
		ID:                      record.UserID,
		HasCredits:              true,
		CreditsDaily:            record.DailyCredits,
		CreditsBonus:            record.BonusCredits,
		CreditsUserType:         string(record.UserType),
		CreditsSubscriptionTier: string(record.SubscriptionTier),
		CreditsLastRefresh:      &refresh,
		CreditsVersion:          record.Version,
	}
	errCreate := db.Create(&row).Error
	if errCreate == nil {
		return record, nil
	}

	var existing int64
	if errCount := db.Model(&models.User{}).
		Where("id = ? AND has_credits = ?", record.UserID, true).
		Count(&existing).Error; errCount != nil {
		return credits.UserCredits{}, credits.Unavailable(errCount)
	}
	if existing > 0 {
		return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrAlreadyInitialized, record.UserID)
	}
	return credits.UserCredits{}, credits.Unavailable(errCreate)
}

// Update reads the ledger, applies mutate and writes the result only if the
// version is unchanged, retrying on conflict.
func (s *GormLedgerStore) Update(ctx context.Context, userID string, mutate Mutation) (credits.UserCredits, error) {
	attempts := s.casAttempts
	if attempts <= 0 {
		attempts = defaultCASAttempts
	}
	for i := 0; i < attempts; i++ {
		current, errGet := s.Get(ctx, userID)
		if errGet != nil {
			return credits.UserCredits{}, errGet
		}
		next, errMutate := mutate(current)
		if errMutate != nil {
			return current, errMutate
		}
		next.UserID = current.UserID
		next.Version = current.Version + 1
		next.LastCreditRefresh = next.LastCreditRefresh.UTC()

		res := s.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ? AND has_credits = ? AND credits_version = ?", userID, true, current.Version).
			Updates(creditColumns(next, true))
		if res.Error != nil {
			return credits.UserCredits{}, credits.Unavailable(res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
	}
	return credits.UserCredits{}, fmt.Errorf("%w: user %s after %d attempts", ErrConflict, userID, attempts)
}

// Query pages ledgers in user id order.
func (s *GormLedgerStore) Query(ctx context.Context, cursor string, limit int) ([]credits.UserCredits, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.User
	if errFind := s.db.WithContext(ctx).
		Where("has_credits = ? AND id > ?", true, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, credits.Unavailable(errFind)
	}
	out := make([]credits.UserCredits, 0, len(rows))
	for _, row := range rows {
		out = append(out, userToCredits(row))
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *GormLedgerStore) Ping(ctx context.Context) error {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return credits.Unavailable(errDB)
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		return credits.Unavailable(errPing)
	}
	return nil
}

func creditColumns(c credits.UserCredits, hasCredits bool) map[string]any {
	return map[string]any{
		"has_credits":               hasCredits,
		"credits_daily":             c.DailyCredits,
		"credits_bonus":             c.BonusCredits,
		"credits_user_type":         string(c.UserType),
		"credits_subscription_tier": string(c.SubscriptionTier),
		"credits_last_refresh":      c.LastCreditRefresh,
		"credits_version":           c.Version,
		"updated_at":                time.Now().UTC(),
	}
}

func userToCredits(row models.User) credits.UserCredits {
	out := credits.UserCredits{
		UserID:           row.ID,
		DailyCredits:     row.CreditsDaily,
		BonusCredits:     row.CreditsBonus,
		UserType:         credits.UserType(row.CreditsUserType),
		SubscriptionTier: credits.Tier(row.CreditsSubscriptionTier),
		Version:          row.CreditsVersion,
	}
	if row.CreditsLastRefresh != nil {
		out.LastCreditRefresh = row.CreditsLastRefresh.UTC()
	}
	return out
}
