package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/jobs"
	"github.com/altarplan/creditledger/internal/ledger"
	"github.com/altarplan/creditledger/internal/metrics"
	"github.com/altarplan/creditledger/internal/models"
	"github.com/altarplan/creditledger/internal/monitor"
	"github.com/altarplan/creditledger/internal/refresh"
	"github.com/altarplan/creditledger/internal/security"
	"github.com/altarplan/creditledger/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testJWTSecret       = "jwt-test-secret"
	testSchedulerSecret = "cron-secret"
)

type testServer struct {
	engine  *gin.Engine
	ledgers *store.GormLedgerStore
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:admin_routes_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.User{}, &models.CreditRefreshJob{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	srv := &testServer{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	clock := credits.ClockFunc(func() time.Time { return srv.now })
	srv.ledgers = store.NewGormLedgerStore(db)
	jobStore := store.NewGormJobStore(db)
	m := metrics.New()
	runs := monitor.NewRunLog(time.Hour, 50)

	service := ledger.NewService(srv.ledgers, ledger.Options{Clock: clock, Metrics: m})
	queue := jobs.NewQueue(jobStore, srv.ledgers, jobs.QueueOptions{Clock: clock, MaxAttempts: 3})
	worker := jobs.NewWorker(queue, service, runs, m)
	coordinator := refresh.NewCoordinator(srv.ledgers, service, refresh.Options{Clock: clock, Runs: runs, Metrics: m})
	summary := monitor.NewService(jobStore, runs, monitor.ServiceOptions{Clock: clock})

	gin.SetMode(gin.TestMode)
	srv.engine = gin.New()
	RegisterRoutes(srv.engine, Deps{
		Ledger:          service,
		Jobs:            queue,
		Batches:         coordinator,
		Worker:          worker,
		Enqueuer:        queue,
		Monitor:         summary,
		Health:          srv.ledgers,
		Metrics:         m.Handler(),
		SchedulerSecret: security.NewSchedulerSecret(testSchedulerSecret, ""),
		Verifier:        security.NewJWTVerifier(testJWTSecret),
	})
	return srv
}

func tokenFor(t *testing.T, role security.Role) string {
	t.Helper()
	token, errGen := security.GenerateAdminToken(testJWTSecret, "ops-"+string(role), role, time.Hour)
	if errGen != nil {
		t.Fatalf("generate token: %v", errGen)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, errMarshal := json.Marshal(body)
		if errMarshal != nil {
			t.Fatalf("marshal body: %v", errMarshal)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &out); errUnmarshal != nil {
			t.Fatalf("decode response %s: %v", rec.Body.String(), errUnmarshal)
		}
	}
	return rec.Code, out
}

func (s *testServer) seed(t *testing.T, userID string, daily, bonus int, lastRefresh time.Time) {
	t.Helper()
	record := credits.UserCredits{
		UserID:            userID,
		DailyCredits:      daily,
		BonusCredits:      bonus,
		UserType:          credits.UserTypeCouple,
		SubscriptionTier:  credits.TierFree,
		LastCreditRefresh: lastRefresh,
	}
	if _, errCreate := s.ledgers.Create(context.Background(), record); errCreate != nil {
		t.Fatalf("seed %s: %v", userID, errCreate)
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	srv := newTestServer(t)

	status, _ := srv.do(t, http.MethodPost, "/scheduled-tasks/credit-refresh", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	status, _ = srv.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", status)
	}
}

func TestSchedulerSecretRunsRefreshButCannotChangeCredits(t *testing.T) {
	srv := newTestServer(t)
	srv.seed(t, "user-a", 0, 5, srv.now.Add(-24*time.Hour))
	srv.seed(t, "user-b", 15, 0, srv.now.Add(-time.Hour))

	status, body := srv.do(t, http.MethodPost, "/scheduled-tasks/credit-refresh", testSchedulerSecret, map[string]any{"batchSize": 10})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["refreshedUsers"] != float64(1) || body["skippedUsers"] != float64(1) || body["hasMore"] != false {
		t.Fatalf("unexpected refresh response: %v", body)
	}
	if _, ok := body["duration"].(float64); !ok {
		t.Fatalf("expected duration in milliseconds, got %v", body)
	}

	status, _ = srv.do(t, http.MethodPost, "/admin/users/user-a/credits", testSchedulerSecret, map[string]any{"action": "add", "amount": 5})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for scheduler credit write, got %d", status)
	}

	status, body = srv.do(t, http.MethodGet, "/scheduled-tasks/credit-refresh-monitor", testSchedulerSecret, nil)
	if status != http.StatusOK {
		t.Fatalf("expected monitor 200, got %d", status)
	}
	summary, ok := body["summary"].(map[string]any)
	if !ok || summary["currentCycle"] != "2026-10-19" {
		t.Fatalf("unexpected monitor body: %v", body)
	}
}

func TestAdminCreditLifecycle(t *testing.T) {
	srv := newTestServer(t)
	admin := tokenFor(t, security.RoleAdmin)

	status, _ := srv.do(t, http.MethodGet, "/admin/users/user-new/credits", admin, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing ledger, got %d", status)
	}

	status, body := srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{
		"action":      "initialize",
		"newUserType": "planner",
		"newTier":     "basic",
	})
	if status != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d: %v", status, body)
	}
	ledgerBody := body["credits"].(map[string]any)
	if ledgerBody["dailyCredits"] != float64(60) {
		t.Fatalf("expected planner basic allotment, got %v", ledgerBody)
	}

	status, _ = srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{"action": "initialize"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on re-initialize, got %d", status)
	}

	status, body = srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{"action": "add", "amount": 3, "reason": "support"})
	if status != http.StatusOK {
		t.Fatalf("add: expected 200, got %d: %v", status, body)
	}
	status, body = srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{"action": "subtract", "amount": 10})
	if status != http.StatusOK {
		t.Fatalf("subtract: expected 200, got %d: %v", status, body)
	}
	if body["requestedDelta"] != float64(-10) || body["appliedDelta"] != float64(-3) {
		t.Fatalf("expected floor at zero, got %v", body)
	}

	status, _ = srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{"action": "add"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 without amount, got %d", status)
	}
	status, _ = srv.do(t, http.MethodPost, "/admin/users/user-new/credits", admin, map[string]any{"action": "explode"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", status)
	}

	status, body = srv.do(t, http.MethodGet, "/admin/users/user-new/credits", admin, nil)
	if status != http.StatusOK || body["credits"].(map[string]any)["bonusCredits"] != float64(0) {
		t.Fatalf("unexpected snapshot: %d %v", status, body)
	}
}

func TestUserRoleIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	status, _ := srv.do(t, http.MethodGet, "/admin/users/user-a/credits", tokenFor(t, security.RoleUser), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestEnqueueAndWorkerEndpoints(t *testing.T) {
	srv := newTestServer(t)
	srv.seed(t, "user-a", 0, 0, srv.now.Add(-24*time.Hour))
	srv.seed(t, "user-b", 0, 0, srv.now.Add(-24*time.Hour))
	admin := tokenFor(t, security.RoleAdmin)

	status, body := srv.do(t, http.MethodPost, "/scheduled-tasks/credit-refresh-enqueue", testSchedulerSecret, map[string]any{"batchSize": 10})
	if status != http.StatusOK || body["enqueued"] != float64(2) {
		t.Fatalf("unexpected enqueue response: %d %v", status, body)
	}
	status, body = srv.do(t, http.MethodPost, "/admin/users/user-a/credits/jobs", admin, nil)
	if status != http.StatusOK || body["created"] != false {
		t.Fatalf("expected existing job, got %d %v", status, body)
	}

	status, body = srv.do(t, http.MethodPost, "/scheduled-tasks/credit-refresh-worker", testSchedulerSecret, map[string]any{"maxJobs": 10, "processTime": 30000})
	if status != http.StatusOK {
		t.Fatalf("worker: expected 200, got %d: %v", status, body)
	}
	if body["processedJobs"] != float64(2) || body["successfulJobs"] != float64(2) {
		t.Fatalf("unexpected worker response: %v", body)
	}
	if _, ok := body["duration"].(float64); !ok || body["recoveredJobs"] != float64(0) {
		t.Fatalf("expected duration and recoveredJobs in worker response: %v", body)
	}
	if _, legacy := body["durationMs"]; legacy {
		t.Fatalf("durationMs must not be emitted: %v", body)
	}

	status, _ = srv.do(t, http.MethodPost, "/scheduled-tasks/credit-refresh-worker", testSchedulerSecret, map[string]any{"maxJobs": -1})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative maxJobs, got %d", status)
	}
}
