// Package admin registers the credit administration and scheduled task routes.
package admin

import (
	"net/http"

	internalhttp "github.com/altarplan/creditledger/internal/http"
	"github.com/altarplan/creditledger/internal/http/api/admin/handlers"
	"github.com/altarplan/creditledger/internal/security"
	"github.com/gin-gonic/gin"
)

// Deps carries everything the routes need. Nil members disable their routes
// with 503 responses.
type Deps struct {
	Ledger          handlers.LedgerService
	Jobs            handlers.JobEnqueuer
	Batches         handlers.BatchRunner
	Worker          handlers.WorkerRunner
	Enqueuer        handlers.BatchEnqueuer
	Monitor         handlers.SummarySource
	Health          handlers.Pinger
	Metrics         http.Handler
	SchedulerSecret *security.SchedulerSecret
	Verifier        security.Verifier
}

// RegisterRoutes mounts health, metrics and the authenticated API on r.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Health)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	authed := r.Group("")
	authed.Use(internalhttp.BearerAuthMiddleware(deps.SchedulerSecret, deps.Verifier))
	authed.Use(permissionMiddleware())

	taskHandler := handlers.NewScheduledTaskHandler(deps.Batches, deps.Worker, deps.Enqueuer, deps.Monitor)
	authed.POST("/scheduled-tasks/credit-refresh", taskHandler.CreditRefresh)
	authed.POST("/scheduled-tasks/credit-refresh-worker", taskHandler.Worker)
	authed.POST("/scheduled-tasks/credit-refresh-enqueue", taskHandler.Enqueue)
	authed.GET("/scheduled-tasks/credit-refresh-monitor", taskHandler.Monitor)

	creditHandler := handlers.NewCreditHandler(deps.Ledger, deps.Jobs)
	authed.GET("/admin/users/:userId/credits", creditHandler.Get)
	authed.POST("/admin/users/:userId/credits", creditHandler.Apply)
	authed.POST("/admin/users/:userId/credits/jobs", creditHandler.EnqueueJob)
}
