package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pnldesk/internal/exchange"
	"pnldesk/internal/exchange/exchangetest"
	"pnldesk/internal/models"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(id string, at time.Time, realized, fee string) exchange.TradeFill {
	return exchange.TradeFill{
		ID:     id,
		Time:   at,
		Symbol: "BTCUSDT",
		Fee:    dec(fee),
		Fields: map[string]string{"realizedPnl": realized},
	}
}

func testAccount() models.UserAccount {
	return models.UserAccount{UserID: "u1", Exchange: "binance", Pair: "BTC/USDT", DisplayName: "alice", UID: "1001", Enabled: true}
}

type fixture struct {
	provider *exchangetest.Provider
	store    *MemoryCacheStore
	svc      *SummaryService
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		provider: exchangetest.New(),
		store:    NewMemoryCacheStore(),
		clock:    testNow,
	}
	clients := ClientFactoryFunc(func(*models.UserAccount) (exchange.Client, error) { return f.provider, nil })
	f.svc = NewSummaryService(f.store, NewMemoryUserDirectory(testAccount()), clients, NewRecomputeGuard(30*time.Second), SummaryConfig{
		CommissionPercent: dec("20"),
	})
	f.svc.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) seedScenario() {
	f.provider.Fills = []exchange.TradeFill{
		fill("1", testNow.Add(-2*time.Hour), "10", "1"),
		fill("2", testNow.Add(-3*24*time.Hour), "-2", "0.5"),
	}
	f.provider.Funding = []exchange.FundingEntry{
		{ID: "f1", Time: testNow.Add(-time.Hour), Symbol: "BTCUSDT", Income: dec("0.3")},
	}
}

func TestSummaryComputesWindows(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	s, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateNoCache, s.State)
	assert.True(t, s.Recomputed)
	assert.Equal(t, "2024-06-10", s.Date)
	assert.InDelta(t, 9.3, s.Pnl1d, 1e-9)
	assert.InDelta(t, 6.8, s.Pnl7d, 1e-9)
	assert.InDelta(t, 6.8, s.Pnl30d, 1e-9)
	assert.InDelta(t, 1.5, s.FeePaid, 1e-9)
	assert.True(t, s.HasTrade1d)
	assert.True(t, s.HasTrade30d)
	assert.False(t, s.Degraded)
	assert.Nil(t, s.SummaryDebug)
	assert.Equal(t, 1, f.store.Len())
}

func TestSummaryGuardLimitsRoundTrips(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	ctx := context.Background()

	first, err := f.svc.Summary(ctx, "u1", SummaryOptions{})
	require.NoError(t, err)
	calls := f.provider.Calls()
	require.Greater(t, calls, 0)

	f.clock = testNow.Add(10 * time.Second)
	second, err := f.svc.Summary(ctx, "u1", SummaryOptions{})
	require.NoError(t, err)

	assert.Equal(t, calls, f.provider.Calls(), "second call inside the guard must not hit the provider")
	assert.Equal(t, StateFresh, second.State)
	assert.False(t, second.Recomputed)
	assert.Equal(t, first.Pnl1d, second.Pnl1d)
	assert.Equal(t, first.Pnl7d, second.Pnl7d)
	assert.Equal(t, first.Pnl30d, second.Pnl30d)
	assert.Equal(t, first.FeePaid, second.FeePaid)
	assert.Equal(t, 1, f.store.Upserts)

	f.clock = testNow.Add(31 * time.Second)
	third, err := f.svc.Summary(ctx, "u1", SummaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateStale, third.State)
	assert.True(t, third.Recomputed)
	assert.Equal(t, 2*calls, f.provider.Calls())
	assert.Equal(t, 1, f.store.Len())
}

func TestSummaryForceBypassesGuard(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	ctx := context.Background()

	_, err := f.svc.Summary(ctx, "u1", SummaryOptions{})
	require.NoError(t, err)
	calls := f.provider.Calls()

	s, err := f.svc.Summary(ctx, "u1", SummaryOptions{Force: true, Debug: true})
	require.NoError(t, err)
	assert.True(t, s.Recomputed)
	assert.Equal(t, 2*calls, f.provider.Calls())
	require.NotNil(t, s.SummaryDebug)
	assert.InDelta(t, 10, s.Realized1d, 1e-9)
	assert.InDelta(t, 8, s.Realized30d, 1e-9)
	assert.Equal(t, 2, s.TradesCount7d)
	assert.Equal(t, 1, s.TradesCount1d)
}

func TestSummaryDebugFieldsOnlyInDebugMode(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	plain, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)
	body, err := json.Marshal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "realized1d")
	assert.Contains(t, string(body), `"pnl7d"`)

	debug, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{Debug: true})
	require.NoError(t, err)
	body, err = json.Marshal(debug)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"realized1d"`)
	assert.Contains(t, string(body), `"tradesCount30d"`)
}

func TestSummaryFundingWithoutTradesIsZero(t *testing.T) {
	f := newFixture(t)
	f.provider.Funding = []exchange.FundingEntry{
		{ID: "f1", Time: testNow.Add(-time.Hour), Symbol: "BTCUSDT", Income: dec("0.3")},
	}

	s, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)
	for _, v := range []float64{s.Pnl1d, s.Pnl7d, s.Pnl30d} {
		assert.Zero(t, v)
	}
	assert.False(t, s.HasTrade1d)
	assert.False(t, s.HasTrade7d)
	assert.False(t, s.HasTrade30d)
}

func TestSummaryProviderFailureIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.provider.TradeErr = errors.New("timeout")
	f.provider.FundingErr = errors.New("timeout")

	s, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Zero(t, s.Pnl1d)
	assert.Zero(t, s.Pnl30d)
	assert.False(t, s.HasTrade7d)
}

func TestSummaryUsesExchangeLocalDate(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Location = time.FixedZone("UTC+8", 8*3600)
	f.clock = time.Date(2024, 6, 10, 20, 0, 0, 0, time.UTC)

	s, err := f.svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2024-06-11", s.Date)
}

func TestSummaryIdentityErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Summary(context.Background(), "ghost", SummaryOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserNotFound)
	var idErr *IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, "ghost", idErr.UserID)

	okx := testAccount()
	okx.UserID, okx.Exchange = "u2", "okx"
	svc := NewSummaryService(NewMemoryCacheStore(), NewMemoryUserDirectory(okx), NewExchangeClients(), nil, SummaryConfig{})
	_, err = svc.Summary(context.Background(), "u2", SummaryOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestRecomputeAlwaysHitsProvider(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	ctx := context.Background()

	_, err := f.svc.Summary(ctx, "u1", SummaryOptions{})
	require.NoError(t, err)
	calls := f.provider.Calls()

	s, err := f.svc.Recompute(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, s.Recomputed)
	assert.Equal(t, 2*calls, f.provider.Calls())
	assert.Equal(t, 2, f.store.Upserts)
}

type mockCacheStore struct {
	mock.Mock
}

func (m *mockCacheStore) Get(ctx context.Context, userID, date string) (*models.PnlCacheRecord, error) {
	args := m.Called(ctx, userID, date)
	rec, _ := args.Get(0).(*models.PnlCacheRecord)
	return rec, args.Error(1)
}

func (m *mockCacheStore) Upsert(ctx context.Context, rec *models.PnlCacheRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockCacheStore) DeleteOlderThan(ctx context.Context, cutoff string) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func TestSummaryServesComputedValuesWhenStoreFails(t *testing.T) {
	store := new(mockCacheStore)
	store.On("Get", mock.Anything, "u1", "2024-06-10").Return(nil, errors.New("connection refused"))
	store.On("Upsert", mock.Anything, mock.MatchedBy(func(rec *models.PnlCacheRecord) bool {
		return rec.UserID == "u1" && rec.Date == "2024-06-10"
	})).Return(errors.New("connection refused"))

	p := exchangetest.New()
	p.Fills = []exchange.TradeFill{fill("1", testNow.Add(-time.Hour), "5", "1")}
	clients := ClientFactoryFunc(func(*models.UserAccount) (exchange.Client, error) { return p, nil })
	svc := NewSummaryService(store, NewMemoryUserDirectory(testAccount()), clients, nil, SummaryConfig{})
	svc.SetClock(func() time.Time { return testNow })

	s, err := svc.Summary(context.Background(), "u1", SummaryOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateNoCache, s.State)
	assert.InDelta(t, 4, s.Pnl1d, 1e-9)
	store.AssertExpectations(t)
}

func TestWeeklyCommission(t *testing.T) {
	f := newFixture(t)
	f.provider.Fills = []exchange.TradeFill{fill("1", testNow.Add(-48*time.Hour), "13", "0.5")}

	w, err := f.svc.Weekly(context.Background(), "u1", WeeklyQuery{Exchange: "Binance"})
	require.NoError(t, err)
	assert.InDelta(t, 12.5, w.PnlWeek, 1e-9)
	assert.Equal(t, int64(3), w.CommissionWeek)
	assert.True(t, w.HasTradeWeek)
	assert.Equal(t, testNow.Add(-7*24*time.Hour), w.Start)

	f.provider.Fills = []exchange.TradeFill{fill("2", testNow.Add(-48*time.Hour), "-12.5", "0")}
	w, err = f.svc.Weekly(context.Background(), "u1", WeeklyQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), w.CommissionWeek)
}

func TestWeeklyCountsFundingWithoutTrades(t *testing.T) {
	f := newFixture(t)
	f.provider.Funding = []exchange.FundingEntry{
		{ID: "f1", Time: testNow.Add(-2 * 24 * time.Hour), Symbol: "BTCUSDT", Income: dec("0.3")},
	}

	w, err := f.svc.Weekly(context.Background(), "u1", WeeklyQuery{})
	require.NoError(t, err)
	assert.False(t, w.HasTradeWeek)
	assert.InDelta(t, 0.3, w.PnlWeek, 1e-9)
	assert.InDelta(t, 0.3, w.FundingWeek, 1e-9)
}

func TestWeeklyExplicitRange(t *testing.T) {
	f := newFixture(t)
	f.provider.Fills = []exchange.TradeFill{
		fill("old", testNow.Add(-20*24*time.Hour), "7", "0"),
		fill("new", testNow.Add(-time.Hour), "100", "0"),
	}

	w, err := f.svc.Weekly(context.Background(), "u1", WeeklyQuery{
		Start: testNow.Add(-21 * 24 * time.Hour),
		End:   testNow.Add(-14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.InDelta(t, 7, w.PnlWeek, 1e-9)
	assert.Equal(t, 1, w.TradeCountWeek)
}

func TestWeeklyExchangeMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Weekly(context.Background(), "u1", WeeklyQuery{Exchange: "bybit"})
	assert.ErrorIs(t, err, ErrExchangeMismatch)
	assert.Zero(t, f.provider.Calls())
}

func TestPurgeDeletesOlderRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []string{"2024-04-29", "2024-04-30", "2024-05-01", "2024-06-10"} {
		require.NoError(t, f.store.Upsert(ctx, &models.PnlCacheRecord{UserID: "u1", Date: d}))
	}

	res, err := f.svc.Purge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Days)
	assert.Equal(t, "2024-05-01", res.Cutoff)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, 2, f.store.Len())

	rec, err := f.store.Get(ctx, "u1", "2024-05-01")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestPurgePropagatesStoreError(t *testing.T) {
	store := new(mockCacheStore)
	store.On("DeleteOlderThan", mock.Anything, "2024-06-03").Return(int64(0), errors.New("boom"))
	svc := NewSummaryService(store, NewMemoryUserDirectory(), NewExchangeClients(), nil, SummaryConfig{})
	svc.SetClock(func() time.Time { return testNow })

	_, err := svc.Purge(context.Background(), 7)
	assert.Error(t, err)
	store.AssertExpectations(t)
}
