// Package ledger implements the synchronous credit operations used by
// operators and by the refresh paths.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/metrics"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/altarplan/creditledger/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	maxReasonLength = 500
	maxAmount       = 1_000_000
)

// Options configures a Service.
type Options struct {
	Clock    credits.Clock
	Location *time.Location
	Guard    *resilience.Guard
	Metrics  *metrics.Metrics
}

// Service applies ledger operations through a LedgerStore.
type Service struct {
	store   store.LedgerStore
	clock   credits.Clock
	loc     *time.Location
	guard   *resilience.Guard
	metrics *metrics.Metrics
}

// NewService builds a Service. Missing options fall back to the system clock
// in UTC without retries.
func NewService(ledgers store.LedgerStore, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = credits.SystemClock{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: ledgers, clock: clock, loc: loc, guard: opts.Guard, metrics: opts.Metrics}
}

// Location returns the time zone used for day boundaries.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Result is the outcome of one ledger operation.
type Result struct {
	Action      Action              `json:"action"`
	Credits     credits.UserCredits `json:"credits"`
	Changed     bool                `json:"changed"`
	Refreshed   bool                `json:"refreshed"`
	Initialized bool                `json:"initialized,omitempty"`
	// RequestedDelta is the bonus change asked for; AppliedDelta is what the
	// zero floor allowed.
	RequestedDelta int `json:"requestedDelta,omitempty"`
	AppliedDelta   int `json:"appliedDelta,omitempty"`
}

// Get returns the current ledger.
func (s *Service) Get(ctx context.Context, userID string) (credits.UserCredits, error) {
	if errValidate := validateUserID(userID); errValidate != nil {
		return credits.UserCredits{}, errValidate
	}
	return resilience.Call(ctx, s.guard, func(ctx context.Context) (credits.UserCredits, error) {
		return s.store.Get(ctx, userID)
	})
}

// update runs a guarded store update and folds ErrNoChange into the result.
func (s *Service) update(ctx context.Context, userID string, mutate store.Mutation) (credits.UserCredits, bool, error) {
	updated, err := resilience.Call(ctx, s.guard, func(ctx context.Context) (credits.UserCredits, error) {
		return s.store.Update(ctx, userID, mutate)
	})
	if errors.Is(err, credits.ErrNoChange) {
		return updated, false, nil
	}
	if err != nil {
		return credits.UserCredits{}, false, err
	}
	return updated, true, nil
}

// Add changes bonus credits by amount, which may be negative. Bonus never
// drops below zero; the applied delta reports how much actually moved.
func (s *Service) Add(ctx context.Context, userID string, amount int, reason string, metadata map[string]any) (Result, error) {
	req := Request{UserID: userID, Action: ActionAdd, Amount: &amount, Reason: reason, Metadata: metadata}
	res, err := s.add(ctx, req, amount)
	return s.finish(req, res, err)
}

// Subtract removes amount bonus credits, flooring at zero.
func (s *Service) Subtract(ctx context.Context, userID string, amount int, reason string, metadata map[string]any) (Result, error) {
	req := Request{UserID: userID, Action: ActionSubtract, Amount: &amount, Reason: reason, Metadata: metadata}
	if amount <= 0 {
		return s.finish(req, Result{Action: ActionSubtract}, credits.Validationf("subtract amount must be positive, got %d", amount))
	}
	res, err := s.add(ctx, req, -amount)
	res.Action = ActionSubtract
	return s.finish(req, res, err)
}

func (s *Service) add(ctx context.Context, req Request, delta int) (Result, error) {
	res := Result{Action: req.Action, RequestedDelta: delta}
	if errValidate := req.validateCommon(); errValidate != nil {
		return res, errValidate
	}
	if delta == 0 {
		return res, credits.Validationf("amount must be non-zero")
	}

	applied := 0
	updated, changed, err := s.update(ctx, req.UserID, func(current credits.UserCredits) (credits.UserCredits, error) {
		next := current
		next.BonusCredits = max(0, current.BonusCredits+delta)
		applied = next.BonusCredits - current.BonusCredits
		if applied == 0 {
			return current, credits.ErrNoChange
		}
		return next, nil
	})
	if err != nil {
		return res, err
	}
	res.Credits = updated
	res.Changed = changed
	res.AppliedDelta = applied
	return res, nil
}

// SetOptions carries the plan used when Set has to initialize a ledger.
type SetOptions struct {
	UserType credits.UserType
	Tier     credits.Tier
}

// Set forces bonus credits to target. With no ledger it initializes one
// first. When bonus already equals target nothing is written.
func (s *Service) Set(ctx context.Context, userID string, target int, reason string, opts SetOptions) (Result, error) {
	req := Request{UserID: userID, Action: ActionSet, Amount: &target, Reason: reason, UserType: opts.UserType, Tier: opts.Tier}
	res, err := s.set(ctx, req, target)
	return s.finish(req, res, err)
}

func (s *Service) set(ctx context.Context, req Request, target int) (Result, error) {
	res := Result{Action: ActionSet}
	if errValidate := req.validateCommon(); errValidate != nil {
		return res, errValidate
	}
	if target < 0 {
		return res, credits.Validationf("target amount must not be negative, got %d", target)
	}

	current, errGet := resilience.Call(ctx, s.guard, func(ctx context.Context) (credits.UserCredits, error) {
		return s.store.Get(ctx, req.UserID)
	})
	if errors.Is(errGet, credits.ErrNotFound) {
		userType, tier := planOrDefault(req.UserType, req.Tier)
		initialized, errInit := s.initialize(ctx, req.UserID, userType, tier)
		if errInit != nil {
			return res, errInit
		}
		res.Initialized = true
		res.Credits = initialized
		res.Changed = true
		res.RequestedDelta = target
		if target == 0 {
			return res, nil
		}
		current = initialized
	} else if errGet != nil {
		return res, errGet
	}

	delta := target - current.BonusCredits
	res.RequestedDelta = delta
	if delta == 0 {
		res.Credits = current
		return res, nil
	}

	applied := 0
	updated, changed, err := s.update(ctx, req.UserID, func(latest credits.UserCredits) (credits.UserCredits, error) {
		if latest.BonusCredits == target {
			return latest, credits.ErrNoChange
		}
		applied = target - latest.BonusCredits
		latest.BonusCredits = target
		return latest, nil
	})
	if err != nil {
		return res, err
	}
	res.Credits = updated
	res.Changed = res.Changed || changed
	res.AppliedDelta = applied
	return res, nil
}

// Initialize creates a ledger with the plan's daily allotment, no bonus and
// a refresh stamp of now. It fails with credits.ErrAlreadyInitialized when
// the user already has one.
func (s *Service) Initialize(ctx context.Context, userID string, userType credits.UserType, tier credits.Tier) (Result, error) {
	req := Request{UserID: userID, Action: ActionInitialize, UserType: userType, Tier: tier}
	res := Result{Action: ActionInitialize}
	if errValidate := req.validateCommon(); errValidate != nil {
		return s.finish(req, res, errValidate)
	}
	created, err := s.initialize(ctx, userID, userType, tier)
	if err == nil {
		res.Credits = created
		res.Changed = true
		res.Initialized = true
	}
	return s.finish(req, res, err)
}

func (s *Service) initialize(ctx context.Context, userID string, userType credits.UserType, tier credits.Tier) (credits.UserCredits, error) {
	if errPlan := credits.ValidatePlan(userType, tier); errPlan != nil {
		return credits.UserCredits{}, errPlan
	}
	allotment, _ := credits.DailyAllotment(userType, tier)
	record := credits.UserCredits{
		UserID:            userID,
		DailyCredits:      allotment,
		BonusCredits:      0,
		UserType:          userType,
		SubscriptionTier:  tier,
		LastCreditRefresh: s.clock.Now(),
	}
	return resilience.Call(ctx, s.guard, func(ctx context.Context) (credits.UserCredits, error) {
		return s.store.Create(ctx, record)
	})
}

// Repair recomputes daily credits from the plan when the ledger breaks an
// invariant. Unknown user types and tiers fall back to couple/free. Bonus is
// never touched. A missing ledger is initialized with defaults.
func (s *Service) Repair(ctx context.Context, userID string) (Result, error) {
	req := Request{UserID: userID, Action: ActionRepair}
	res := Result{Action: ActionRepair}
	if errValidate := req.validateCommon(); errValidate != nil {
		return s.finish(req, res, errValidate)
	}

	now := s.clock.Now()
	updated, changed, err := s.update(ctx, userID, func(current credits.UserCredits) (credits.UserCredits, error) {
		if current.Consistent() {
			return current, credits.ErrNoChange
		}
		next := repairRecord(current, now)
		if next == current {
			return current, credits.ErrNoChange
		}
		return next, nil
	})
	if errors.Is(err, credits.ErrNotFound) {
		created, errInit := s.initialize(ctx, userID, credits.UserTypeCouple, credits.TierFree)
		if errInit != nil {
			return s.finish(req, res, errInit)
		}
		res.Credits = created
		res.Changed = true
		res.Initialized = true
		return s.finish(req, res, nil)
	}
	if err == nil {
		res.Credits = updated
		res.Changed = changed
	}
	return s.finish(req, res, err)
}

func repairRecord(current credits.UserCredits, now time.Time) credits.UserCredits {
	next := current
	if _, errType := credits.ParseUserType(string(next.UserType)); errType != nil {
		next.UserType = credits.UserTypeCouple
	}
	if credits.ValidatePlan(next.UserType, next.SubscriptionTier) != nil {
		next.SubscriptionTier = credits.TierFree
	}
	allotment, _ := credits.DailyAllotment(next.UserType, next.SubscriptionTier)
	planChanged := next.UserType != current.UserType || next.SubscriptionTier != current.SubscriptionTier
	if planChanged || next.DailyCredits < 0 || next.DailyCredits > allotment {
		next.DailyCredits = allotment
	}
	if next.LastCreditRefresh.IsZero() {
		next.LastCreditRefresh = now
	}
	return next
}

// ResetDailyCredits resets daily credits to the plan allotment regardless of
// the day boundary.
func (s *Service) ResetDailyCredits(ctx context.Context, userID string) (Result, error) {
	req := Request{UserID: userID, Action: ActionResetDaily}
	res := Result{Action: ActionResetDaily}
	if errValidate := req.validateCommon(); errValidate != nil {
		return s.finish(req, res, errValidate)
	}

	now := s.clock.Now()
	updated, _, err := s.update(ctx, userID, func(current credits.UserCredits) (credits.UserCredits, error) {
		current.DailyCredits = credits.DailyAllotmentOrDefault(current.UserType, current.SubscriptionTier)
		current.LastCreditRefresh = now
		return current, nil
	})
	if err == nil {
		res.Credits = updated
		res.Changed = true
		res.Refreshed = true
	}
	return s.finish(req, res, err)
}

// Refresh resets daily credits when the calendar day has turned since the
// last refresh. Calling it again on the same day changes nothing.
func (s *Service) Refresh(ctx context.Context, userID string) (Result, error) {
	req := Request{UserID: userID, Action: ActionRefresh}
	res, err := s.refresh(ctx, userID)
	return s.finish(req, res, err)
}

func (s *Service) refresh(ctx context.Context, userID string) (Result, error) {
	res := Result{Action: ActionRefresh}
	if errValidate := validateUserID(userID); errValidate != nil {
		return res, errValidate
	}

	now := s.clock.Now()
	refreshed := false
	updated, _, err := s.update(ctx, userID, func(current credits.UserCredits) (credits.UserCredits, error) {
		refreshed = false
		if !credits.IsRefreshDue(current.LastCreditRefresh, now, s.loc) {
			return current, credits.ErrNoChange
		}
		current.DailyCredits = credits.DailyAllotmentOrDefault(current.UserType, current.SubscriptionTier)
		current.LastCreditRefresh = now
		refreshed = true
		return current, nil
	})
	if err != nil {
		return res, err
	}
	res.Credits = updated
	res.Changed = refreshed
	res.Refreshed = refreshed
	return res, nil
}

// RefreshQuiet is Refresh without failure logging or admin metrics, for the
// batch and worker paths that report failures themselves.
func (s *Service) RefreshQuiet(ctx context.Context, userID string) (Result, error) {
	return s.refresh(ctx, userID)
}

func (s *Service) finish(req Request, res Result, err error) (Result, error) {
	if err != nil {
		s.metrics.IncAdmin(string(req.Action), "error")
		req.logFailure(err)
		return res, err
	}
	s.metrics.IncAdmin(string(req.Action), "ok")
	return res, nil
}

func planOrDefault(userType credits.UserType, tier credits.Tier) (credits.UserType, credits.Tier) {
	if userType == "" {
		userType = credits.UserTypeCouple
	}
	if tier == "" {
		tier = credits.TierFree
	}
	return userType, tier
}

func validateUserID(userID string) error {
	if userID == "" {
		return credits.Validationf("user id is required")
	}
	if len(userID) > 128 {
		return credits.Validationf("user id is too long")
	}
	return nil
}

func logFields(req Request) log.Fields {
	fields := log.Fields{
		"user_id": req.UserID,
		"action":  string(req.Action),
		"reason":  req.Reason,
	}
	if req.Amount != nil {
		fields["amount"] = *req.Amount
	} else {
		fields["amount"] = nil
	}
	if req.UserType != "" {
		fields["user_type"] = string(req.UserType)
	}
	if req.Tier != "" {
		fields["tier"] = string(req.Tier)
	}
	if len(req.Metadata) > 0 {
		fields["metadata"] = fmt.Sprintf("%v", req.Metadata)
	}
	return fields
}
