package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/altarplan/creditledger/internal/credits"
	internalhttp "github.com/altarplan/creditledger/internal/http"
	"github.com/altarplan/creditledger/internal/ledger"
	"github.com/gin-gonic/gin"
)

// LedgerService is the ledger surface the credit routes need.
type LedgerService interface {
	Get(ctx context.Context, userID string) (credits.UserCredits, error)
	Apply(ctx context.Context, req ledger.Request) (ledger.Result, error)
}

// JobEnqueuer creates on-demand refresh jobs.
type JobEnqueuer interface {
	EnqueueUser(ctx context.Context, userID string) (credits.RefreshJob, bool, error)
}

// CreditHandler serves per-user credit administration.
type CreditHandler struct {
	ledger LedgerService
	jobs   JobEnqueuer
}

// NewCreditHandler constructs a CreditHandler. jobs may be nil.
func NewCreditHandler(ledgerService LedgerService, jobs JobEnqueuer) *CreditHandler {
	return &CreditHandler{ledger: ledgerService, jobs: jobs}
}

type creditApplyRequest struct {
	Action      string         `json:"action"`
	Amount      *int           `json:"amount"`
	Reason      string         `json:"reason"`
	NewUserType string         `json:"newUserType"`
	NewTier     string         `json:"newTier"`
	Metadata    map[string]any `json:"metadata"`
}

// Get returns the user's ledger.
func (h *CreditHandler) Get(c *gin.Context) {
	record, err := h.ledger.Get(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "credits": record})
}

// Apply runs one administrative credit action.
func (h *CreditHandler) Apply(c *gin.Context) {
	var body creditApplyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	action, errAction := ledger.ParseAction(body.Action)
	if errAction != nil {
		writeError(c, errAction)
		return
	}

	metadata := make(map[string]any, len(body.Metadata)+1)
	for k, v := range body.Metadata {
		metadata[k] = v
	}
	if identity, ok := internalhttp.IdentityFromContext(c); ok {
		metadata["performedBy"] = identity.UID
	}

	res, err := h.ledger.Apply(c.Request.Context(), ledger.Request{
		UserID:   strings.TrimSpace(c.Param("userId")),
		Action:   action,
		Amount:   body.Amount,
		Reason:   strings.TrimSpace(body.Reason),
		UserType: credits.UserType(strings.TrimSpace(body.NewUserType)),
		Tier:     credits.Tier(strings.TrimSpace(body.NewTier)),
		Metadata: metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	out := gin.H{
		"success":     true,
		"action":      res.Action,
		"credits":     res.Credits,
		"changed":     res.Changed,
		"refreshed":   res.Refreshed,
		"initialized": res.Initialized,
	}
	if action == ledger.ActionAdd || action == ledger.ActionSubtract || action == ledger.ActionSet {
		out["requestedDelta"] = res.RequestedDelta
		out["appliedDelta"] = res.AppliedDelta
	}
	c.JSON(http.StatusOK, out)
}

// EnqueueJob creates today's refresh job for the user.
func (h *CreditHandler) EnqueueJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "job queue unavailable"})
		return
	}
	job, created, err := h.jobs.EnqueueUser(c.Request.Context(), strings.TrimSpace(c.Param("userId")))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "created": created, "job": job})
}
