// Package spendsync pulls daily campaign spend from the ad platform into the
// fact store, re-fetching a trailing lookback window on every run.
package spendsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/adplatform"
	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/locks"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
	"github.com/AngelCh415/adspend-attribution/internal/telemetry"
)

// Reasons a sync finished without fetching.
const (
	ReasonRunning     = "sync already running"
	ReasonNoCampaigns = "no tracked campaigns"
	ReasonNoToken     = "no access token"
)

type Store interface {
	store.SpendStore
	store.SyncStateStore
	ListSettings(ctx context.Context) ([]models.UserSettings, error)
	GetSettings(ctx context.Context, userID string) (models.UserSettings, error)
}

type TeamResolver interface {
	ResolveTeam(ctx context.Context, q attribution.Query) attribution.Result
}

type Rates interface {
	ExchangeRateMap(ctx context.Context, from, to time.Time) (map[time.Time]decimal.Decimal, error)
	AverageExchangeRate(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
}

// TokenProvider yields the ad platform token for a user. Token refresh lives
// outside this service.
type TokenProvider interface {
	Token(ctx context.Context, userID string) (string, error)
}

// StaticToken serves one configured token to every user.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) { return string(s), nil }

// Warmer refreshes read models for a user after new spend lands.
type Warmer interface {
	AggregateUser(ctx context.Context, userID string) error
}

type Options struct {
	LookbackDays    int
	DefaultDaysBack int
	IncludeToday    bool
	ChunkSize       int
	UserDelay       time.Duration
	Location        *time.Location
	Logger          log.FieldLogger
}

// Result summarises one user's run.
type Result struct {
	UserID         string    `json:"user_id"`
	Skipped        bool      `json:"skipped"`
	Reason         string    `json:"reason,omitempty"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
	Campaigns      int       `json:"campaigns"`
	Accounts       int       `json:"accounts"`
	FailedAccounts []string  `json:"failed_accounts,omitempty"`
	Rows           int       `json:"rows"`
	Unassigned     int       `json:"unassigned_rows"`
}

type Summary struct {
	Users   int      `json:"users"`
	Synced  int      `json:"synced"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Rows    int      `json:"rows"`
	Results []Result `json:"results"`
}

type Engine struct {
	st       Store
	source   adplatform.Source
	tokens   TokenProvider
	resolver TeamResolver
	rates    Rates
	locks    locks.Manager
	warmer   Warmer
	opts     Options

	wg  sync.WaitGroup
	now func() time.Time
	log log.FieldLogger
}

func NewEngine(st Store, source adplatform.Source, tokens TokenProvider, resolver TeamResolver, rates Rates, lm locks.Manager, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50
	}
	if opts.DefaultDaysBack <= 0 {
		opts.DefaultDaysBack = 14
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if lm == nil {
		lm = locks.NewMemory()
	}
	return &Engine{
		st:       st,
		source:   source,
		tokens:   tokens,
		resolver: resolver,
		rates:    rates,
		locks:    lm,
		opts:     opts,
		now:      time.Now,
		log:      opts.Logger.WithField("component", "spendsync"),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithWarmer sets the read model refreshed after a run that wrote rows.
func (e *Engine) WithWarmer(w Warmer) *Engine {
	e.warmer = w
	return e
}

func (e *Engine) today() time.Time {
	return models.Day(e.now().In(e.opts.Location))
}

// Schedule starts SyncUser in the background. A second call while the user's
// sync is running is dropped by the lock.
func (e *Engine) Schedule(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.SyncUser(ctx, userID); err != nil {
			e.log.WithError(err).WithField("user_id", userID).Error("scheduled sync failed")
		}
	}()
}

// Wait blocks until every scheduled sync has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// SyncAll runs every user with tracked campaigns, one after another.
func (e *Engine) SyncAll(ctx context.Context) (Summary, error) {
	settings, err := e.st.ListSettings(ctx)
	if err != nil {
		telemetry.SyncRuns.WithLabelValues("error").Inc()
		return Summary{}, errors.Wrap(err, "list user settings")
	}
	var sum Summary
	for _, s := range settings {
		if len(enabledCampaigns(s)) == 0 {
			continue
		}
		if sum.Users > 0 && e.opts.UserDelay > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(e.opts.UserDelay):
			}
		}
		sum.Users++
		res, err := e.SyncUser(ctx, s.UserID)
		sum.Results = append(sum.Results, res)
		switch {
		case err != nil:
			sum.Failed++
			e.log.WithError(err).WithField("user_id", s.UserID).Error("user sync failed")
		case res.Skipped:
			sum.Skipped++
		default:
			sum.Synced++
			sum.Rows += res.Rows
		}
	}
	e.log.WithFields(log.Fields{"users": sum.Users, "synced": sum.Synced, "failed": sum.Failed, "rows": sum.Rows}).Info("spend sync finished")
	return sum, nil
}

// SyncUser fetches and upserts spend for one user's tracked campaigns.
func (e *Engine) SyncUser(ctx context.Context, userID string) (Result, error) {
	res := Result{UserID: userID}
	entry := e.log.WithField("user_id", userID)

	release, ok, err := e.locks.TryLock(ctx, "spendsync:"+userID)
	if err != nil {
		return res, errors.Wrap(err, "acquire sync lock")
	}
	if !ok {
		entry.Info("sync already in flight, ignoring request")
		return skip(res, ReasonRunning), nil
	}
	defer release()

	settings, err := e.st.GetSettings(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		telemetry.SyncRuns.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "load settings")
	}
	tracked := enabledCampaigns(settings)
	if len(tracked) == 0 {
		return skip(res, ReasonNoCampaigns), nil
	}
	token, err := e.tokens.Token(ctx, userID)
	if err != nil || token == "" {
		if err != nil {
			entry.WithError(err).Warn("token lookup failed")
		}
		return skip(res, ReasonNoToken), nil
	}

	ids := lo.Map(tracked, func(c models.TrackedCampaign, _ int) string { return c.ID })
	watermarks, err := e.watermarks(ctx, userID, ids)
	if err != nil {
		telemetry.SyncRuns.WithLabelValues("error").Inc()
		return res, err
	}
	w := ComputeWindow(WindowParams{
		Today:        e.today(),
		IncludeToday: e.opts.IncludeToday,
		LookbackDays: e.opts.LookbackDays,
		DaysBack:     e.opts.DefaultDaysBack,
	}, ids, watermarks)
	res.From, res.To, res.Campaigns = w.From, w.To, len(ids)

	rateMap, err := e.rates.ExchangeRateMap(ctx, w.From, w.To)
	if err != nil {
		telemetry.SyncRuns.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "load exchange rates")
	}
	avgRate, err := e.rates.AverageExchangeRate(ctx, w.From, w.To)
	if err != nil {
		telemetry.SyncRuns.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "load average exchange rate")
	}

	byAccount := lo.GroupBy(tracked, func(c models.TrackedCampaign) string {
		return adplatform.AccountPath(c.AdAccountID)
	})
	accounts := lo.Keys(byAccount)
	sort.Strings(accounts)
	res.Accounts = len(accounts)

	var states []models.SyncState
	for _, acct := range accounts {
		campaigns := lo.Uniq(lo.Map(byAccount[acct], func(c models.TrackedCampaign, _ int) string { return c.ID }))
		rows, err := e.syncAccount(ctx, token, userID, acct, campaigns, w, rateMap, avgRate)
		if err != nil {
			entry.WithError(err).WithField("ad_account_id", acct).Error("account sync failed, continuing")
			telemetry.SyncAccountFailures.Inc()
			res.FailedAccounts = append(res.FailedAccounts, acct)
			continue
		}
		res.Rows += len(rows)
		res.Unassigned += lo.CountBy(rows, func(r models.AdSpendRecord) bool { return r.Team == models.Unassigned })
		for _, id := range campaigns {
			states = append(states, models.SyncState{
				Scope:          models.ScopeCampaignInsights,
				UserID:         userID,
				AdAccountID:    acct,
				CampaignID:     id,
				LastSyncedDate: w.To,
				UpdatedAt:      e.now().UTC(),
			})
		}
	}

	if len(states) > 0 {
		if err := e.st.UpsertSyncStates(ctx, states); err != nil {
			telemetry.SyncRuns.WithLabelValues("error").Inc()
			return res, errors.Wrap(err, "advance watermarks")
		}
	}
	telemetry.SyncRows.Add(float64(res.Rows))
	if len(res.FailedAccounts) > 0 {
		telemetry.SyncRuns.WithLabelValues("partial").Inc()
	} else {
		telemetry.SyncRuns.WithLabelValues("ok").Inc()
	}

	if e.warmer != nil && res.Rows > 0 {
		if err := e.warmer.AggregateUser(ctx, userID); err != nil {
			entry.WithError(err).Warn("cache warm after sync failed")
		}
	}
	entry.WithFields(log.Fields{
		"from": w.From.Format(models.DateLayout), "to": w.To.Format(models.DateLayout),
		"rows": res.Rows, "failed_accounts": len(res.FailedAccounts),
	}).Info("spend sync done")
	return res, nil
}

// watermarks reads the stored SyncState rows and bootstraps the rest from the
// latest stored spend date.
func (e *Engine) watermarks(ctx context.Context, userID string, ids []string) (map[string]time.Time, error) {
	states, err := e.st.ListSyncStates(ctx, models.ScopeCampaignInsights, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list sync states")
	}
	out := make(map[string]time.Time, len(ids))
	for _, s := range states {
		if cur, ok := out[s.CampaignID]; !ok || s.LastSyncedDate.After(cur) {
			out[s.CampaignID] = s.LastSyncedDate
		}
	}
	missing := lo.Filter(ids, func(id string, _ int) bool { _, ok := out[id]; return !ok })
	if len(missing) == 0 {
		return out, nil
	}
	latest, err := e.st.LatestSpendDates(ctx, userID, missing)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap watermarks")
	}
	for id, d := range latest {
		out[id] = d
	}
	return out, nil
}

func (e *Engine) syncAccount(ctx context.Context, token, userID, account string, campaigns []string, w Window, rateMap map[time.Time]decimal.Decimal, avgRate decimal.Decimal) ([]models.AdSpendRecord, error) {
	var rows []models.AdSpendRecord
	for _, chunk := range lo.Chunk(campaigns, e.opts.ChunkSize) {
		insights, err := e.source.FetchInsights(ctx, token, adplatform.InsightsRequest{
			AccountID:   account,
			CampaignIDs: chunk,
			From:        w.From,
			To:          w.To,
		})
		if err != nil {
			return nil, err
		}
		for _, in := range insights {
			rows = append(rows, e.toRecord(ctx, userID, account, in, rateMap, avgRate))
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := e.st.UpsertSpend(ctx, rows); err != nil {
		return nil, errors.Wrap(err, "upsert spend")
	}
	return rows, nil
}

func (e *Engine) toRecord(ctx context.Context, userID, account string, in adplatform.Insight, rateMap map[time.Time]decimal.Decimal, avgRate decimal.Decimal) models.AdSpendRecord {
	day := models.Day(in.Date)
	rate, ok := rateMap[day]
	if !ok {
		rate = avgRate
	}
	acct := in.AccountID
	if acct == "" {
		acct = account
	}
	res := e.resolver.ResolveTeam(ctx, attribution.Query{
		Campaign:    in.CampaignName,
		AdAccountID: acct,
		UserID:      userID,
	})
	return models.AdSpendRecord{
		StatDate:         day,
		UserID:           userID,
		CampaignID:       in.CampaignID,
		CampaignName:     in.CampaignName,
		AdAccountID:      acct,
		SpendUSD:         in.Spend,
		SpendLocal:       in.Spend.Mul(rate).Round(2),
		Impressions:      in.Impressions,
		Clicks:           in.Clicks,
		Reach:            in.Reach,
		ExchangeRateUsed: rate,
		Team:             res.Team,
		MatchedVia:       res.MatchedVia,
		UpdatedAt:        e.now().UTC(),
	}
}

func enabledCampaigns(s models.UserSettings) []models.TrackedCampaign {
	return lo.Filter(s.TrackedCampaigns, func(c models.TrackedCampaign, _ int) bool {
		return c.Enabled && strings.TrimSpace(c.ID) != ""
	})
}

func skip(r Result, reason string) Result {
	r.Skipped = true
	r.Reason = reason
	telemetry.SyncRuns.WithLabelValues("skipped").Inc()
	return r
}
