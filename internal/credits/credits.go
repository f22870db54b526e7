// Package credits defines the credit ledger records and the rules shared by
// every path that mutates them.
package credits

import (
	"fmt"
	"strings"
	"time"
)

// UserType identifies the kind of account owning a ledger.
type UserType string

// Supported user types.
const (
	UserTypeCouple  UserType = "couple"
	UserTypePlanner UserType = "planner"
)

// Tier is the subscription tier that determines the daily allotment.
type Tier string

// Supported subscription tiers.
const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierPremium      Tier = "premium"
	TierProfessional Tier = "professional"
)

// UserCredits is the per-user credit ledger.
type UserCredits struct {
	UserID            string    `json:"userId"`
	DailyCredits      int       `json:"dailyCredits"`
	BonusCredits      int       `json:"bonusCredits"`
	UserType          UserType  `json:"userType"`
	SubscriptionTier  Tier      `json:"subscriptionTier"`
	LastCreditRefresh time.Time `json:"lastCreditRefresh"`

	// Version is bumped by the store on every persisted mutation.
	Version int64 `json:"-"`
}

// Total returns the spendable balance.
func (c UserCredits) Total() int {
	return c.DailyCredits + c.BonusCredits
}

// Consistent reports whether the record satisfies the ledger invariants.
func (c UserCredits) Consistent() bool {
	if c.DailyCredits < 0 || c.BonusCredits < 0 {
		return false
	}
	if c.LastCreditRefresh.IsZero() {
		return false
	}
	allotment, ok := DailyAllotment(c.UserType, c.SubscriptionTier)
	if !ok {
		return false
	}
	return c.DailyCredits <= allotment
}

// ParseUserType normalizes and validates a user type string.
func ParseUserType(raw string) (UserType, error) {
	switch UserType(strings.ToLower(strings.TrimSpace(raw))) {
	case UserTypeCouple:
		return UserTypeCouple, nil
	case UserTypePlanner:
		return UserTypePlanner, nil
	default:
		return "", Validationf("unknown user type %q", raw)
	}
}

// ParseTier normalizes and validates a subscription tier string.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierBasic:
		return TierBasic, nil
	case TierPremium:
		return TierPremium, nil
	case TierProfessional:
		return TierProfessional, nil
	default:
		return "", Validationf("unknown subscription tier %q", raw)
	}
}

// String renders a short description for logs.
func (c UserCredits) String() string {
	return fmt.Sprintf("user=%s daily=%d bonus=%d type=%s tier=%s last_refresh=%s",
		c.UserID, c.DailyCredits, c.BonusCredits, c.UserType, c.SubscriptionTier, c.LastCreditRefresh.Format(time.RFC3339))
}
