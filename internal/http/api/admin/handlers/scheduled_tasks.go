package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/altarplan/creditledger/internal/config"
	"github.com/altarplan/creditledger/internal/credits"
	internalhttp "github.com/altarplan/creditledger/internal/http"
	"github.com/altarplan/creditledger/internal/jobs"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/refresh"
	"github.com/gin-gonic/gin"
)

// BatchRunner runs one page of the refresh sweep.
type BatchRunner interface {
	RunBatch(ctx context.Context, req refresh.BatchRequest) (refresh.BatchResult, error)
}

// WorkerRunner runs one bounded worker pass.
type WorkerRunner interface {
	Run(ctx context.Context, opts jobs.RunOptions) (jobs.RunResult, error)
}

// BatchEnqueuer pages ledgers into the job queue.
type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, cursor string, batchSize int) (jobs.EnqueueResult, error)
}

// SummarySource builds the monitor view.
type SummarySource interface {
	Summary(ctx context.Context) (monitor.Summary, error)
}

// ScheduledTaskHandler serves the externally triggered refresh endpoints.
type ScheduledTaskHandler struct {
	batches  BatchRunner
	worker   WorkerRunner
	enqueuer BatchEnqueuer
	monitor  SummarySource
}

// NewScheduledTaskHandler constructs a ScheduledTaskHandler. Any dependency
// may be nil, which makes its route answer 503.
func NewScheduledTaskHandler(batches BatchRunner, worker WorkerRunner, enqueuer BatchEnqueuer, summary SummarySource) *ScheduledTaskHandler {
	return &ScheduledTaskHandler{batches: batches, worker: worker, enqueuer: enqueuer, monitor: summary}
}

type creditRefreshRequest struct {
	Cursor       string `json:"cursor"`
	BatchSize    int    `json:"batchSize"`
	IsInitialRun bool   `json:"isInitialRun"`
}

type workerRequest struct {
	MaxJobs     int `json:"maxJobs"`
	ProcessTime int `json:"processTime"`
}

type enqueueRequest struct {
	Cursor    string `json:"cursor"`
	BatchSize int    `json:"batchSize"`
}

// CreditRefresh runs one page of the daily sweep.
func (h *ScheduledTaskHandler) CreditRefresh(c *gin.Context) {
	if h.batches == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "credit refresh unavailable"})
		return
	}
	var body creditRefreshRequest
	if errBind := bindOptionalJSON(c, &body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	if body.BatchSize < 0 {
		writeError(c, credits.Validationf("batchSize must not be negative"))
		return
	}

	res, err := h.batches.RunBatch(c.Request.Context(), refresh.BatchRequest{
		Cursor:       strings.TrimSpace(body.Cursor),
		BatchSize:    body.BatchSize,
		IsInitialRun: body.IsInitialRun,
		TriggeredBy:  triggeredBy(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"processedUsers": res.ProcessedUsers,
		"refreshedUsers": res.RefreshedUsers,
		"skippedUsers":   res.SkippedUsers,
		"failedUsers":    res.FailedUsers,
		"errors":         res.Errors,
		"hasMore":        res.HasMore,
		"nextCursor":     res.NextCursor,
		"duration":       res.Duration.Milliseconds(),
	})
}

// Worker drains due refresh jobs within the requested budget.
func (h *ScheduledTaskHandler) Worker(c *gin.Context) {
	if h.worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "credit refresh worker unavailable"})
		return
	}
	var body workerRequest
	if errBind := bindOptionalJSON(c, &body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	if body.MaxJobs < 0 || body.ProcessTime < 0 {
		writeError(c, credits.Validationf("maxJobs and processTime must not be negative"))
		return
	}
	processTime := time.Duration(body.ProcessTime) * time.Millisecond
	if processTime > config.MaxWorkerProcessTime {
		processTime = config.MaxWorkerProcessTime
	}

	res, err := h.worker.Run(c.Request.Context(), jobs.RunOptions{
		MaxJobs:     body.MaxJobs,
		ProcessTime: processTime,
		TriggeredBy: triggeredBy(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"processedJobs":  res.ProcessedJobs,
		"successfulJobs": res.SuccessfulJobs,
		"failedJobs":     res.FailedJobs,
		"retriedJobs":    res.RetriedJobs,
		"exhaustedJobs":  res.ExhaustedJobs,
		"recoveredJobs":  res.RecoveredJobs,
		"duration":       res.Duration.Milliseconds(),
		"errors":         res.Errors,
	})
}

// Enqueue creates today's refresh jobs for one page of ledgers.
func (h *ScheduledTaskHandler) Enqueue(c *gin.Context) {
	if h.enqueuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "job queue unavailable"})
		return
	}
	var body enqueueRequest
	if errBind := bindOptionalJSON(c, &body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid json"})
		return
	}
	if body.BatchSize < 0 {
		writeError(c, credits.Validationf("batchSize must not be negative"))
		return
	}
	res, err := h.enqueuer.EnqueueBatch(c.Request.Context(), strings.TrimSpace(body.Cursor), body.BatchSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"enqueued":   res.Enqueued,
		"existing":   res.Existing,
		"failed":     res.Failed,
		"errors":     res.Errors,
		"hasMore":    res.HasMore,
		"nextCursor": res.NextCursor,
	})
}

// Monitor returns the refresh pipeline summary.
func (h *ScheduledTaskHandler) Monitor(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "monitor unavailable"})
		return
	}
	summary, err := h.monitor.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
}

func triggeredBy(c *gin.Context) string {
	if identity, ok := internalhttp.IdentityFromContext(c); ok {
		return identity.UID
	}
	return ""
}
