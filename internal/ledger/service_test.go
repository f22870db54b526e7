package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/altarplan/creditledger/internal/resilience"
	"github.com/altarplan/creditledger/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu          sync.Mutex
	records     map[string]credits.UserCredits
	updateCalls int
	failUpdates int
}

func newMemStore(records ...credits.UserCredits) *memStore {
	m := &memStore{records: map[string]credits.UserCredits{}}
	for _, r := range records {
		r.Version = 1
		m.records[r.UserID] = r
	}
	return m
}

func (m *memStore) Get(_ context.Context, userID string) (credits.UserCredits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrNotFound, userID)
	}
	return r, nil
}

func (m *memStore) Create(_ context.Context, record credits.UserCredits) (credits.UserCredits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.UserID]; ok {
		return credits.UserCredits{}, credits.ErrAlreadyInitialized
	}
	record.Version = 1
	m.records[record.UserID] = record
	return record, nil
}

func (m *memStore) Update(_ context.Context, userID string, mutate store.Mutation) (credits.UserCredits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.failUpdates > 0 {
		m.failUpdates--
		return credits.UserCredits{}, credits.Unavailable(errors.New("connection refused"))
	}
	current, ok := m.records[userID]
	if !ok {
		return credits.UserCredits{}, fmt.Errorf("%w: user %s", credits.ErrNotFound, userID)
	}
	next, err := mutate(current)
	if err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	m.records[userID] = next
	return next, nil
}

func (m *memStore) Query(_ context.Context, cursor string, limit int) ([]credits.UserCredits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]credits.UserCredits, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

var (
	yesterday = time.Date(2026, 10, 18, 16, 0, 0, 0, time.UTC)
	today     = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
)

func fixedClock(now time.Time) credits.Clock {
	return credits.ClockFunc(func() time.Time { return now })
}

func ledgerRecord(userID string, daily, bonus int, last time.Time) credits.UserCredits {
	return credits.UserCredits{
		UserID:            userID,
		DailyCredits:      daily,
		BonusCredits:      bonus,
		UserType:          credits.UserTypeCouple,
		SubscriptionTier:  credits.TierFree,
		LastCreditRefresh: last,
	}
}

func newTestService(m *memStore, now time.Time) *Service {
	return NewService(m, Options{Clock: fixedClock(now), Location: time.UTC})
}

func TestRefreshScenarioFreeTierKeepsBonus(t *testing.T) {
	m := newMemStore(ledgerRecord("userA", 2, 5, yesterday))
	svc := newTestService(m, today)

	res, err := svc.Refresh(context.Background(), "userA")
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 15, res.Credits.DailyCredits)
	assert.Equal(t, 5, res.Credits.BonusCredits)
	assert.True(t, res.Credits.LastCreditRefresh.Equal(today))
}

func TestRefreshIsIdempotentWithinDay(t *testing.T) {
	m := newMemStore(ledgerRecord("userA", 0, 0, yesterday))
	svc := newTestService(m, today)
	ctx := context.Background()

	first, err := svc.Refresh(ctx, "userA")
	require.NoError(t, err)
	require.True(t, first.Refreshed)

	// Spend some credits, then refresh again later the same day.
	spent := m.records["userA"]
	spent.DailyCredits = 3
	m.records["userA"] = spent
	later := NewService(m, Options{Clock: fixedClock(today.Add(10 * time.Hour)), Location: time.UTC})
	second, err := later.Refresh(ctx, "userA")
	require.NoError(t, err)
	assert.False(t, second.Refreshed)
	assert.Equal(t, 3, second.Credits.DailyCredits)
	assert.True(t, second.Credits.LastCreditRefresh.Equal(today))
}

func TestRefreshMissingLedger(t *testing.T) {
	svc := newTestService(newMemStore(), today)
	_, err := svc.Refresh(context.Background(), "ghost")
	assert.ErrorIs(t, err, credits.ErrNotFound)
}

func TestAddFloorsBonusAtZero(t *testing.T) {
	m := newMemStore(ledgerRecord("userB", 15, 3, today))
	svc := newTestService(m, today)

	res, err := svc.Add(context.Background(), "userB", -10, "penalty", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Credits.BonusCredits)
	assert.Equal(t, -10, res.RequestedDelta)
	assert.Equal(t, -3, res.AppliedDelta)
	assert.True(t, res.Changed)

	res, err = svc.Subtract(context.Background(), "userB", 1, "penalty", nil)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, res.Credits.BonusCredits)
}

func TestAddOnlyTouchesBonus(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 7, 1, yesterday))
	svc := newTestService(m, today)

	res, err := svc.Add(context.Background(), "u1", 25, "promo", map[string]any{"campaign": "fall"})
	require.NoError(t, err)
	assert.Equal(t, 26, res.Credits.BonusCredits)
	assert.Equal(t, 7, res.Credits.DailyCredits)
	assert.True(t, res.Credits.LastCreditRefresh.Equal(yesterday))
}

func TestSetAppliesDelta(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 15, 10, today))
	svc := newTestService(m, today)

	res, err := svc.Set(context.Background(), "u1", 30, "adjust", SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Credits.BonusCredits)
	assert.Equal(t, 20, res.RequestedDelta)
	assert.Equal(t, 20, res.AppliedDelta)
	assert.Equal(t, 1, m.updateCalls)
}

func TestSetNoOpSkipsMutation(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 15, 30, today))
	svc := newTestService(m, today)

	res, err := svc.Set(context.Background(), "u1", 30, "adjust", SetOptions{})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 30, res.Credits.BonusCredits)
	assert.Equal(t, 0, m.updateCalls)
}

func TestSetInitializesMissingLedger(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m, today)

	res, err := svc.Set(context.Background(), "new", 12, "welcome", SetOptions{UserType: credits.UserTypePlanner, Tier: credits.TierBasic})
	require.NoError(t, err)
	assert.True(t, res.Initialized)
	assert.Equal(t, 12, res.Credits.BonusCredits)
	assert.Equal(t, 60, res.Credits.DailyCredits)
	assert.Equal(t, credits.UserTypePlanner, res.Credits.UserType)
}

func TestInitializeRejectsExistingLedger(t *testing.T) {
	m := newMemStore()
	svc := newTestService(m, today)
	ctx := context.Background()

	res, err := svc.Initialize(ctx, "u1", credits.UserTypePlanner, credits.TierPremium)
	require.NoError(t, err)
	assert.Equal(t, 150, res.Credits.DailyCredits)
	assert.Equal(t, 0, res.Credits.BonusCredits)
	assert.True(t, res.Credits.LastCreditRefresh.Equal(today))

	_, err = svc.Initialize(ctx, "u1", credits.UserTypePlanner, credits.TierPremium)
	assert.ErrorIs(t, err, credits.ErrAlreadyInitialized)

	_, err = svc.Initialize(ctx, "u2", credits.UserTypeCouple, credits.TierProfessional)
	assert.ErrorIs(t, err, credits.ErrValidation)
}

func TestRepairRecomputesDailyOnly(t *testing.T) {
	broken := ledgerRecord("u1", -4, 9, time.Time{})
	broken.SubscriptionTier = "gold"
	m := newMemStore(broken)
	svc := newTestService(m, today)

	res, err := svc.Repair(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, credits.TierFree, res.Credits.SubscriptionTier)
	assert.Equal(t, 15, res.Credits.DailyCredits)
	assert.Equal(t, 9, res.Credits.BonusCredits)
	assert.True(t, res.Credits.LastCreditRefresh.Equal(today))

	again, err := svc.Repair(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestRepairInitializesMissingLedger(t *testing.T) {
	svc := newTestService(newMemStore(), today)
	res, err := svc.Repair(context.Background(), "u9")
	require.NoError(t, err)
	assert.True(t, res.Initialized)
	assert.Equal(t, credits.DefaultDailyCredits, res.Credits.DailyCredits)
}

func TestResetDailyIgnoresDayBoundary(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 1, 2, today))
	svc := newTestService(m, today.Add(time.Hour))

	res, err := svc.ResetDailyCredits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 15, res.Credits.DailyCredits)
	assert.Equal(t, 2, res.Credits.BonusCredits)
}

func TestApplyValidatesBeforeTouchingStore(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 15, 0, today))
	svc := newTestService(m, today)
	ctx := context.Background()

	_, err := svc.Apply(ctx, Request{UserID: "u1", Action: ActionAdd})
	assert.ErrorIs(t, err, credits.ErrValidation)

	zero := 0
	_, err = svc.Apply(ctx, Request{UserID: "u1", Action: ActionAdd, Amount: &zero})
	assert.ErrorIs(t, err, credits.ErrValidation)

	negative := -5
	_, err = svc.Apply(ctx, Request{UserID: "u1", Action: ActionSubtract, Amount: &negative})
	assert.ErrorIs(t, err, credits.ErrValidation)

	_, err = svc.Apply(ctx, Request{UserID: "u1", Action: ActionInitialize, Tier: "gold"})
	assert.ErrorIs(t, err, credits.ErrValidation)

	_, err = ParseAction("transfer")
	assert.ErrorIs(t, err, credits.ErrValidation)
	assert.Equal(t, 0, m.updateCalls)

	five := 5
	res, err := svc.Apply(ctx, Request{UserID: "u1", Action: ActionSubtract, Amount: &five, Reason: "refund"})
	require.NoError(t, err)
	assert.Equal(t, ActionSubtract, res.Action)
}

func TestApplyNormalizesPlan(t *testing.T) {
	svc := newTestService(newMemStore(), today)
	res, err := svc.Apply(context.Background(), Request{UserID: "u1", Action: ActionInitialize, UserType: "Planner", Tier: "PROFESSIONAL"})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Credits.DailyCredits)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	m := newMemStore(ledgerRecord("u1", 15, 0, today))
	m.failUpdates = 2
	svc := NewService(m, Options{
		Clock:    fixedClock(today),
		Location: time.UTC,
		Guard:    resilience.NewGuard(resilience.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, nil),
	})

	res, err := svc.Add(context.Background(), "u1", 4, "promo", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Credits.BonusCredits)
	assert.Equal(t, 3, m.updateCalls)
}

func TestFailureLogsCallerArguments(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	defer log.SetLevel(log.GetLevel())
	log.SetLevel(log.InfoLevel)

	svc := newTestService(newMemStore(), today)
	_, err := svc.Add(context.Background(), "missing", 7, "goodwill", nil)
	require.ErrorIs(t, err, credits.ErrNotFound)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "missing", entry.Data["user_id"])
	assert.Equal(t, "add", entry.Data["action"])
	assert.Equal(t, 7, entry.Data["amount"])
	assert.Equal(t, "goodwill", entry.Data["reason"])
}
