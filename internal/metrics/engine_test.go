package metrics

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/adspend-attribution/internal/currency"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

var clock = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertRate(ctx, models.ExchangeRate{Date: day("2024-01-10"), USDToLocal: dec("500")}))
	require.NoError(t, st.UpsertUser(ctx, models.User{ID: "u1", TeamName: "Kenesary", IsActive: true}))
	require.NoError(t, st.UpsertUser(ctx, models.User{ID: "u2", TeamName: "Arystan", IsActive: true}))
	require.NoError(t, st.UpsertUser(ctx, models.User{ID: "u3", TeamName: "Muha", IsActive: false}))

	require.NoError(t, st.UpsertSpend(ctx, []models.AdSpendRecord{
		{StatDate: day("2024-01-14"), UserID: "u1", CampaignID: "c1", SpendUSD: dec("150"), Impressions: 1000, Clicks: 30, Reach: 800},
		{StatDate: day("2024-01-12"), UserID: "u1", CampaignID: "c2", SpendUSD: dec("50"), Impressions: 500, Clicks: 20, Reach: 400},
		{StatDate: day("2023-12-01"), UserID: "u1", CampaignID: "c1", SpendUSD: dec("999")},
	}))
	for i, l := range []models.Lead{
		{FunnelType: models.FunnelChallenge3D, Team: "Kenesary"},
		{FunnelType: models.FunnelChallenge3D, Team: "Kenesary"},
		{FunnelType: models.FunnelExpress, Team: "Kenesary"},
		{FunnelType: models.FunnelUnknown, Team: "Kenesary"},
		{FunnelType: models.FunnelChallenge3D, Team: "Arystan"},
	} {
		l.ExternalID = int64(100 + i)
		l.CreatedAt = time.Date(2024, 1, 13, 10, 0, 0, 0, time.UTC)
		require.NoError(t, st.UpsertLead(ctx, l))
	}
	for i, s := range []models.SaleRecord{
		{Product: models.FunnelChallenge3D, SaleType: models.SalePrepayment, Amount: dec("30000"), Team: "Kenesary"},
		{Product: models.FunnelChallenge3D, SaleType: models.SaleFullPayment, Amount: dec("170000"), Team: "Kenesary"},
		{Product: models.FunnelExpress, SaleType: models.SaleFlat, Amount: dec("50000"), Team: "Kenesary"},
		{Product: models.FunnelExpress, SaleType: models.SaleFlat, Amount: dec("5000"), Team: "Arystan"},
	} {
		s.ExternalID = int64(200 + i)
		s.SaleDate = time.Date(2024, 1, 13, 10, 0, 0, 0, time.UTC)
		require.NoError(t, st.UpsertSale(ctx, s))
	}
}

type testStore interface {
	Store
	store.RateStore
}

func newEngine(st testStore) *Engine {
	return NewEngine(st, currency.NewService(st), time.UTC, nil).WithClock(func() time.Time { return clock })
}

func TestComputeRoasAndCpa(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	e := newEngine(st)
	ctx := context.Background()

	u1, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	m, err := e.Compute(ctx, u1, Range{Period: models.Period7Days, Start: day("2024-01-09"), End: day("2024-01-15")})
	require.NoError(t, err)

	assert.Equal(t, "200", m.SpendUSD.String())
	assert.Equal(t, "100000", m.SpendLocal.String())
	assert.Equal(t, int64(1500), m.Impressions)
	assert.Equal(t, int64(4), m.Leads)
	assert.Equal(t, int64(2), m.Challenge3DLeads)
	assert.Equal(t, int64(1), m.UnknownLeads)
	assert.Equal(t, int64(1), m.Challenge3DPrepayments)
	assert.Equal(t, int64(1), m.Challenge3DFullPurchases)
	assert.Equal(t, "250000", m.TotalRevenue.String())
	assert.Equal(t, int64(3), m.TotalSales)
	assert.Equal(t, "2.5", m.ROAS.String())
	assert.Equal(t, "66.67", m.CPAUSD.String())

	u2, err := st.GetUser(ctx, "u2")
	require.NoError(t, err)
	m, err = e.Compute(ctx, u2, Range{Period: models.Period7Days, Start: day("2024-01-09"), End: day("2024-01-15")})
	require.NoError(t, err)
	assert.True(t, m.SpendLocal.IsZero())
	assert.Equal(t, "5000", m.TotalRevenue.String())
	assert.True(t, m.ROAS.IsZero(), "no spend means zero ROAS")
}

func TestComputeIgnoresClock(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	ctx := context.Background()
	u1, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	r := Range{Period: models.Period7Days, Start: day("2024-01-09"), End: day("2024-01-15")}

	a, err := newEngine(st).Compute(ctx, u1, r)
	require.NoError(t, err)
	later := NewEngine(st, currency.NewService(st), time.UTC, nil).WithClock(func() time.Time { return clock.Add(time.Hour) })
	b, err := later.Compute(ctx, u1, r)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.UpdatedAt.IsZero())
}

func TestComputeUsesLocalDayBoundaries(t *testing.T) {
	almaty := time.FixedZone("ALMT", 5*3600)
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.UpsertRate(ctx, models.ExchangeRate{Date: day("2024-01-15"), USDToLocal: dec("500")}))
	require.NoError(t, st.UpsertUser(ctx, models.User{ID: "u1", TeamName: "Kenesary", IsActive: true}))
	// 02:00 local on the 15th is still the 14th in UTC.
	require.NoError(t, st.UpsertLead(ctx, models.Lead{ExternalID: 1, FunnelType: models.FunnelExpress, Team: "Kenesary",
		CreatedAt: time.Date(2024, 1, 15, 2, 0, 0, 0, almaty)}))
	// 23:30 local on the 14th belongs to yesterday.
	require.NoError(t, st.UpsertLead(ctx, models.Lead{ExternalID: 2, FunnelType: models.FunnelExpress, Team: "Kenesary",
		CreatedAt: time.Date(2024, 1, 14, 23, 30, 0, 0, almaty)}))
	require.NoError(t, st.UpsertSale(ctx, models.SaleRecord{ExternalID: 3, Product: models.FunnelExpress, SaleType: models.SaleFlat,
		Amount: dec("1000"), Team: "Kenesary", SaleDate: time.Date(2024, 1, 15, 0, 30, 0, 0, almaty)}))

	local := time.Date(2024, 1, 15, 12, 0, 0, 0, almaty)
	e := NewEngine(st, currency.NewService(st), almaty, nil).WithClock(func() time.Time { return local })
	require.NoError(t, e.AggregateUser(ctx, "u1"))

	today, err := st.GetSnapshot(ctx, "u1", models.PeriodToday)
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-15"), today.PeriodStart)
	assert.Equal(t, int64(1), today.Leads)
	assert.Equal(t, int64(1), today.ExpressSales)

	week, err := st.GetSnapshot(ctx, "u1", models.Period7Days)
	require.NoError(t, err)
	assert.Equal(t, int64(2), week.Leads)
}

func TestRangeBounds(t *testing.T) {
	almaty := time.FixedZone("ALMT", 5*3600)
	from, to := Range{Start: day("2024-01-09"), End: day("2024-01-15")}.Bounds(almaty)
	assert.Equal(t, time.Date(2024, 1, 8, 19, 0, 0, 0, time.UTC), from.UTC())
	assert.Equal(t, time.Date(2024, 1, 15, 19, 0, 0, 0, time.UTC), to.UTC())
}

func TestDeriveZeroSales(t *testing.T) {
	m := models.AggregatedMetrics{SpendUSD: dec("10"), SpendLocal: dec("5000")}
	Derive(&m)
	assert.True(t, m.CPAUSD.IsZero())
	assert.True(t, m.ROAS.IsZero())
}

func withoutUpdatedAt(rows []models.AggregatedMetrics) []models.AggregatedMetrics {
	out := make([]models.AggregatedMetrics, len(rows))
	for i, r := range rows {
		r.UpdatedAt = time.Time{}
		out[i] = r
	}
	return out
}

func TestRunAllIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	tick := clock
	e := NewEngine(st, currency.NewService(st), time.UTC, nil).WithClock(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	})
	ctx := context.Background()

	first, err := e.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, 2, first.UsersProcessed, "inactive users are skipped")
	assert.Equal(t, 6, first.MetricsUpdated)
	before, err := NewService(st).QuerySnapshots(ctx, url.Values{})
	require.NoError(t, err)

	second, err := e.RunAll(ctx)
	require.NoError(t, err)
	after, err := NewService(st).QuerySnapshots(ctx, url.Values{})
	require.NoError(t, err)

	assert.Equal(t, withoutUpdatedAt(before), withoutUpdatedAt(after))
	assert.True(t, after[0].UpdatedAt.After(before[0].UpdatedAt), "only the refresh stamp moves")
	assert.NotEqual(t, first.ID, second.ID)
	runs := st.Runs()
	require.Len(t, runs, 2)
	assert.NotNil(t, runs[1].CompletedAt)

	snap, err := st.GetSnapshot(ctx, "u1", models.Period30Days)
	require.NoError(t, err)
	assert.Equal(t, day("2023-12-17"), snap.PeriodStart)
	assert.Equal(t, "200", snap.SpendUSD.String(), "december spend is outside 30d")
}

type flakyStore struct {
	*store.MemoryStore
	listUsersErr error
	badUser      string
}

func (f flakyStore) ListUsers(ctx context.Context, activeOnly bool) ([]models.User, error) {
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	return f.MemoryStore.ListUsers(ctx, activeOnly)
}

func (f flakyStore) ListSpend(ctx context.Context, userID string, from, to time.Time) ([]models.AdSpendRecord, error) {
	if userID == f.badUser {
		return nil, errors.New("timeout")
	}
	return f.MemoryStore.ListSpend(ctx, userID, from, to)
}

func TestRunAllIsolatesUserFailures(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	run, err := newEngine(flakyStore{MemoryStore: st, badUser: "u2"}).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 2, run.UsersProcessed)
	assert.Equal(t, 3, run.MetricsUpdated)
}

func TestRunAllRecordsTopLevelFailure(t *testing.T) {
	st := store.NewMemoryStore()
	run, err := newEngine(flakyStore{MemoryStore: st, listUsersErr: errors.New("db gone")}).RunAll(context.Background())
	require.Error(t, err)
	assert.False(t, run.Success)

	latest, err := st.LatestRun(context.Background())
	require.NoError(t, err)
	assert.False(t, latest.Success)
	assert.Contains(t, latest.ErrorMessage, "db gone")
}

func TestAggregateUser(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	e := newEngine(st)
	require.NoError(t, e.AggregateUser(context.Background(), "u1"))
	snaps, err := st.ListSnapshots(context.Background(), store.SnapshotFilter{UserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Len(t, snaps, 3)

	assert.Error(t, e.AggregateUser(context.Background(), "ghost"))
}

func TestPeriodRanges(t *testing.T) {
	almaty := time.FixedZone("ALMT", 5*3600)
	got := PeriodRanges(time.Date(2024, 1, 15, 23, 30, 0, 0, almaty))
	require.Len(t, got, 3)
	assert.Equal(t, Range{Period: models.PeriodToday, Start: day("2024-01-15"), End: day("2024-01-15")}, got[0])
	assert.Equal(t, day("2024-01-09"), got[1].Start)
	assert.Equal(t, day("2023-12-17"), got[2].Start)
}

func TestQuerySnapshots(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	ctx := context.Background()
	_, err := newEngine(st).RunAll(ctx)
	require.NoError(t, err)
	svc := NewService(st)

	rows, err := svc.QuerySnapshots(ctx, url.Values{"user_id": {"u1"}, "period": {"7d"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Kenesary", rows[0].TeamName)

	rows, err = svc.QuerySnapshots(ctx, url.Values{"limit": {"2"}, "offset": {"5"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = svc.QuerySnapshots(ctx, url.Values{"period": {"1y"}})
	assert.True(t, errors.Is(err, ErrBadPeriod))

	snap, err := svc.Snapshot(ctx, "u2", "today")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodToday, snap.Period)

	_, err = svc.Snapshot(ctx, "nobody", "today")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestClampLimitOffset(t *testing.T) {
	l, o := clampLimitOffset(0, -3, 10)
	assert.Equal(t, 10, l)
	assert.Equal(t, 0, o)
	l, o = clampLimitOffset(5000, 20, 10)
	assert.Equal(t, 1000, l)
	assert.Equal(t, 10, o)
	assert.Empty(t, paginate([]int{1, 2}, 1, 2))
}
