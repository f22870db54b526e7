package ledger

import (
	"context"
	"errors"

	"github.com/altarplan/creditledger/internal/credits"
	log "github.com/sirupsen/logrus"
)

// Request is an administrative operation as received from a caller. Every
// field is captured before dispatch so failures can be logged with the
// caller's arguments.
type Request struct {
	UserID   string
	Action   Action
	Amount   *int
	Reason   string
	UserType credits.UserType
	Tier     credits.Tier
	Metadata map[string]any
}

func (r Request) validateCommon() error {
	if errUser := validateUserID(r.UserID); errUser != nil {
		return errUser
	}
	if r.Amount != nil && (*r.Amount > maxAmount || *r.Amount < -maxAmount) {
		return credits.Validationf("amount %d is out of range", *r.Amount)
	}
	if len(r.Reason) > maxReasonLength {
		return credits.Validationf("reason exceeds %d characters", maxReasonLength)
	}
	return nil
}

func (r Request) logFailure(err error) {
	entry := log.WithError(err).WithFields(logFields(r))
	switch {
	case errors.Is(err, credits.ErrValidation), errors.Is(err, credits.ErrNotFound), errors.Is(err, credits.ErrAlreadyInitialized):
		entry.Info("credit operation rejected")
	default:
		entry.Error("credit operation failed")
	}
}

// Apply dispatches req to the matching operation.
func (s *Service) Apply(ctx context.Context, req Request) (Result, error) {
	if req.Action.NeedsAmount() && req.Amount == nil {
		return s.finish(req, Result{Action: req.Action}, credits.Validationf("amount is required for %s", req.Action))
	}
	if req.UserType != "" {
		userType, errType := credits.ParseUserType(string(req.UserType))
		if errType != nil {
			return s.finish(req, Result{Action: req.Action}, errType)
		}
		req.UserType = userType
	}
	if req.Tier != "" {
		tier, errTier := credits.ParseTier(string(req.Tier))
		if errTier != nil {
			return s.finish(req, Result{Action: req.Action}, errTier)
		}
		req.Tier = tier
	}

	switch req.Action {
	case ActionAdd:
		return s.Add(ctx, req.UserID, *req.Amount, req.Reason, req.Metadata)
	case ActionSubtract:
		return s.Subtract(ctx, req.UserID, *req.Amount, req.Reason, req.Metadata)
	case ActionSet:
		return s.Set(ctx, req.UserID, *req.Amount, req.Reason, SetOptions{UserType: req.UserType, Tier: req.Tier})
	case ActionInitialize:
		userType, tier := planOrDefault(req.UserType, req.Tier)
		return s.Initialize(ctx, req.UserID, userType, tier)
	case ActionRepair:
		return s.Repair(ctx, req.UserID)
	case ActionResetDaily:
		return s.ResetDailyCredits(ctx, req.UserID)
	case ActionRefresh:
		return s.Refresh(ctx, req.UserID)
	default:
		return s.finish(req, Result{Action: req.Action}, credits.Validationf("unknown action %q", req.Action))
	}
}
