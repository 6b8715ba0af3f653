package spendsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/adspend-attribution/internal/adplatform"
	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/currency"
	"github.com/AngelCh415/adspend-attribution/internal/locks"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

func day(s string) time.Time {
	t, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeSource struct {
	mu       sync.Mutex
	requests []adplatform.InsightsRequest
	spend    map[string]string // campaign id -> spend
	fail     map[string]error  // account -> error
}

func (f *fakeSource) FetchInsights(_ context.Context, _ string, req adplatform.InsightsRequest) ([]adplatform.Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.fail[req.AccountID]; err != nil {
		return nil, err
	}
	var out []adplatform.Insight
	for _, id := range req.CampaignIDs {
		amount, ok := f.spend[id]
		if !ok {
			continue
		}
		out = append(out, adplatform.Insight{
			Date:         req.To,
			AccountID:    req.AccountID,
			CampaignID:   id,
			CampaignName: "campaign " + id,
			Spend:        decimal.RequireFromString(amount),
			Impressions:  1000,
			Clicks:       10,
			Reach:        700,
		})
	}
	return out, nil
}

type countingWarmer struct{ users []string }

func (w *countingWarmer) AggregateUser(_ context.Context, userID string) error {
	w.users = append(w.users, userID)
	return nil
}

type harness struct {
	st     *store.MemoryStore
	source *fakeSource
	locks  *locks.Memory
	engine *Engine
}

func newHarness(t *testing.T, now time.Time, accountTeams map[string]string, campaigns ...models.TrackedCampaign) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertRate(ctx, models.ExchangeRate{Date: day("2024-01-01"), USDToLocal: decimal.NewFromInt(450)}))
	require.NoError(t, st.SaveSettings(ctx, models.UserSettings{UserID: "u1", TrackedCampaigns: campaigns}))

	res, err := attribution.NewResolver(st, attribution.Options{AccountTeams: accountTeams})
	require.NoError(t, err)
	h := &harness{st: st, source: &fakeSource{spend: map[string]string{}, fail: map[string]error{}}, locks: locks.NewMemory()}
	h.engine = NewEngine(st, h.source, StaticToken("tok"), res, currency.NewService(st), h.locks, Options{
		LookbackDays:    2,
		DefaultDaysBack: 14,
		IncludeToday:    true,
		ChunkSize:       2,
	}).WithClock(func() time.Time { return now })
	return h
}

func campaign(id, account string) models.TrackedCampaign {
	return models.TrackedCampaign{ID: id, Name: "campaign " + id, AdAccountID: account, Enabled: true}
}

func TestSyncUserRefetchesLookbackWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))
	require.NoError(t, h.st.UpsertSyncStates(ctx, []models.SyncState{{
		Scope: models.ScopeCampaignInsights, UserID: "u1", AdAccountID: "act_111", CampaignID: "C", LastSyncedDate: day("2024-01-10"),
	}}))
	h.source.spend["C"] = "10"

	res, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, h.source.requests, 1)
	assert.Equal(t, day("2024-01-08"), h.source.requests[0].From)
	assert.Equal(t, day("2024-01-15"), h.source.requests[0].To)
	assert.Equal(t, "act_111", h.source.requests[0].AccountID)

	states, err := h.st.ListSyncStates(ctx, models.ScopeCampaignInsights, "u1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, day("2024-01-15"), states[0].LastSyncedDate)
}

func TestSyncUserLookbackOverwritesRevisedSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))

	h.source.spend["C"] = "10"
	_, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	h.source.spend["C"] = "12.5"
	_, err = h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)

	rows, err := h.st.ListSpend(ctx, "u1", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "12.5", rows[0].SpendUSD.String())
	assert.Equal(t, "5625", rows[0].SpendLocal.String())
	assert.Equal(t, "450", rows[0].ExchangeRateUsed.String())
}

func TestSyncUserNeverMovesWatermarkBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))
	require.NoError(t, h.st.UpsertSyncStates(ctx, []models.SyncState{{
		Scope: models.ScopeCampaignInsights, UserID: "u1", AdAccountID: "act_111", CampaignID: "C", LastSyncedDate: day("2024-01-20"),
	}}))

	_, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-15"), h.source.requests[0].From, "start is clamped to the end")

	states, err := h.st.ListSyncStates(ctx, models.ScopeCampaignInsights, "u1")
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-20"), states[0].LastSyncedDate)
}

func TestSyncUserBootstrapsFromStoredSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"), campaign("D", "111"))
	require.NoError(t, h.st.UpsertSpend(ctx, []models.AdSpendRecord{{StatDate: day("2024-01-12"), UserID: "u1", CampaignID: "C"}}))

	_, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h.source.requests, 1)
	assert.Equal(t, day("2024-01-02"), h.source.requests[0].From, "D has no history and takes the default backfill")
}

func TestSyncUserIsolatesAccountFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil,
		campaign("A1", "111"), campaign("A2", "111"), campaign("A3", "act_111"), campaign("B1", "222"))
	h.source.spend = map[string]string{"A1": "1", "A2": "2", "A3": "3", "B1": "4"}
	h.source.fail["act_222"] = errors.New("rate limited")

	res, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accounts)
	assert.Equal(t, []string{"act_222"}, res.FailedAccounts)
	assert.Equal(t, 3, res.Rows)
	assert.Len(t, h.source.requests, 3, "act_111 is fetched in two chunks")

	states, err := h.st.ListSyncStates(ctx, models.ScopeCampaignInsights, "u1")
	require.NoError(t, err)
	require.Len(t, states, 3)
	for _, s := range states {
		assert.NotEqual(t, "B1", s.CampaignID)
	}
}

func TestSyncUserKeepsUnassignedSpend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "999"))
	h.source.spend["C"] = "7"

	res, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unassigned)

	rows, err := h.st.ListSpend(ctx, "u1", day("2024-01-15"), day("2024-01-15"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.Unassigned, rows[0].Team)
	assert.Equal(t, models.MatchedNone, rows[0].MatchedVia)
}

func TestSyncUserAttributesByAccountAndPattern(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), map[string]string{"act_111": "Kenesary"},
		campaign("C", "111"), models.TrackedCampaign{ID: "alex_x", AdAccountID: "111", Enabled: true})
	h.source.spend = map[string]string{"C": "1", "alex_x": "2"}

	_, err := h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	rows, err := h.st.ListSpend(ctx, "u1", day("2024-01-15"), day("2024-01-15"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byID := map[string]models.AdSpendRecord{rows[0].CampaignID: rows[0], rows[1].CampaignID: rows[1]}
	assert.Equal(t, "Kenesary", byID["C"].Team)
	assert.Equal(t, models.MatchedAdAccount, byID["C"].MatchedVia)
	assert.Equal(t, "Traf4", byID["alex_x"].Team, "campaign pattern beats the account mapping")
}

func TestSyncUserNoOps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))

	res, err := h.engine.SyncUser(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNoCampaigns, res.Reason)

	h.engine.tokens = StaticToken("")
	res, err = h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoToken, res.Reason)

	release, ok, err := h.locks.TryLock(ctx, "spendsync:u1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()
	h.engine.tokens = StaticToken("tok")
	res, err = h.engine.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonRunning, res.Reason)
	assert.Empty(t, h.source.requests)
}

func TestSyncAllWarmsAggregates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))
	require.NoError(t, h.st.SaveSettings(ctx, models.UserSettings{UserID: "u2"}))
	h.source.spend["C"] = "3"
	w := &countingWarmer{}
	h.engine.WithWarmer(w)

	sum, err := h.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Users)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 1, sum.Rows)
	assert.Equal(t, []string{"u1"}, w.users)
}

func TestScheduleRunsInBackground(t *testing.T) {
	h := newHarness(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), nil, campaign("C", "111"))
	h.source.spend["C"] = "3"

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Schedule(ctx, "u1")
	cancel()
	h.engine.Wait()

	rows, err := h.st.ListSpend(context.Background(), "u1", day("2024-01-15"), day("2024-01-15"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestComputeWindow(t *testing.T) {
	p := WindowParams{Today: day("2024-01-15"), LookbackDays: 2, DaysBack: 7}
	w := ComputeWindow(p, []string{"a", "b"}, map[string]time.Time{"a": day("2024-01-12")})
	assert.Equal(t, day("2024-01-08"), w.From, "b takes the default start")
	assert.Equal(t, day("2024-01-14"), w.To, "today excluded")
	assert.Equal(t, day("2024-01-10"), w.Starts["a"])
	assert.Equal(t, 7, w.Days())

	p.IncludeToday = true
	w = ComputeWindow(p, []string{"a"}, map[string]time.Time{"a": day("2024-01-14")})
	assert.Equal(t, day("2024-01-12"), w.From)
	assert.Equal(t, day("2024-01-15"), w.To)
}
