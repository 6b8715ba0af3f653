// Package metrics rolls lead, sale and spend facts up into per-user dashboard
// snapshots and serves them back.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/now"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
	"github.com/AngelCh415/adspend-attribution/internal/telemetry"
)

const SyncTypeFull = "full"

type Store interface {
	ListSpend(ctx context.Context, userID string, from, to time.Time) ([]models.AdSpendRecord, error)
	ListLeads(ctx context.Context, f store.LeadFilter) ([]models.Lead, error)
	ListSales(ctx context.Context, f store.SaleFilter) ([]models.SaleRecord, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]models.User, error)
	store.SnapshotStore
	store.RunStore
}

type Rates interface {
	AverageExchangeRate(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
}

// Range is an inclusive day range for one period.
type Range struct {
	Period models.Period
	Start  time.Time
	End    time.Time
}

var periodDays = []struct {
	period models.Period
	days   int
}{
	{models.PeriodToday, 1},
	{models.Period7Days, 7},
	{models.Period30Days, 30},
}

// PeriodRanges returns today, 7d and 30d, each ending on the local day of t.
func PeriodRanges(t time.Time) []Range {
	today := models.Day(t)
	out := make([]Range, 0, len(periodDays))
	for _, p := range periodDays {
		out = append(out, Range{Period: p.period, Start: today.AddDate(0, 0, -(p.days - 1)), End: today})
	}
	return out
}

// Bounds returns [from, to) instants in loc covering the range's local days.
func (r Range) Bounds(loc *time.Location) (time.Time, time.Time) {
	from := now.With(localNoon(r.Start, loc)).BeginningOfDay()
	to := now.With(localNoon(r.End, loc).AddDate(0, 0, 1)).BeginningOfDay()
	return from, to
}

func localNoon(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, loc)
}

type Engine struct {
	st    Store
	rates Rates
	loc   *time.Location
	now   func() time.Time
	log   log.FieldLogger
}

func NewEngine(st Store, rates Rates, loc *time.Location, logger log.FieldLogger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{st: st, rates: rates, loc: loc, now: time.Now, log: logger.WithField("component", "aggregation")}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RunAll recomputes every active user's snapshots and records the run. Only a
// failure to enumerate users fails the run.
func (e *Engine) RunAll(ctx context.Context) (models.AggregationRun, error) {
	started := e.now()
	run := models.AggregationRun{ID: uuid.NewString(), SyncType: SyncTypeFull, StartedAt: started.UTC()}
	if err := e.st.StartRun(ctx, run); err != nil {
		e.log.WithError(err).Warn("could not record run start")
	}

	users, err := e.st.ListUsers(ctx, true)
	if err != nil {
		err = errors.Wrap(err, "list users")
		e.finish(ctx, &run, started, err)
		return run, err
	}

	ranges := PeriodRanges(started.In(e.loc))
	for _, u := range users {
		updated := e.aggregateUser(ctx, u, ranges)
		run.MetricsUpdated += updated
		run.UsersProcessed++
	}
	e.finish(ctx, &run, started, nil)
	return run, nil
}

func (e *Engine) finish(ctx context.Context, run *models.AggregationRun, started time.Time, runErr error) {
	done := e.now().UTC()
	run.CompletedAt = &done
	run.DurationMs = done.Sub(started).Milliseconds()
	run.Success = runErr == nil
	outcome := "ok"
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
		outcome = "error"
	}
	telemetry.AggregationRuns.WithLabelValues(outcome).Inc()
	telemetry.AggregationDuration.Observe(float64(run.DurationMs) / 1000)
	if err := e.st.FinishRun(ctx, *run); err != nil {
		e.log.WithError(err).Warn("could not record run result")
	}
	entry := e.log.WithFields(log.Fields{
		"run_id": run.ID, "users": run.UsersProcessed, "metrics": run.MetricsUpdated, "duration_ms": run.DurationMs,
	})
	if runErr != nil {
		entry.WithError(runErr).Error("aggregation run failed")
		return
	}
	entry.Info("aggregation run finished")
}

// AggregateUser recomputes one user's snapshots on demand.
func (e *Engine) AggregateUser(ctx context.Context, userID string) error {
	u, err := e.st.GetUser(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "load user %s", userID)
	}
	ranges := PeriodRanges(e.now().In(e.loc))
	if n := e.aggregateUser(ctx, u, ranges); n < len(ranges) {
		return errors.Errorf("%d of %d periods failed for %s", len(ranges)-n, len(ranges), userID)
	}
	return nil
}

func (e *Engine) aggregateUser(ctx context.Context, u models.User, ranges []Range) int {
	updated := 0
	for _, r := range ranges {
		entry := e.log.WithFields(log.Fields{"user_id": u.ID, "period": r.Period})
		m, err := e.Compute(ctx, u, r)
		if err != nil {
			entry.WithError(err).Error("aggregation failed, skipping period")
			continue
		}
		m.UpdatedAt = e.now().UTC()
		if err := e.st.UpsertSnapshot(ctx, m); err != nil {
			entry.WithError(err).Error("snapshot upsert failed")
			continue
		}
		updated++
	}
	return updated
}

// Compute builds the snapshot for one user and range without persisting it.
// The result depends only on stored facts; UpdatedAt is left for the caller.
func (e *Engine) Compute(ctx context.Context, u models.User, r Range) (models.AggregatedMetrics, error) {
	team := u.DisplayTeam()
	m := models.AggregatedMetrics{
		UserID:      u.ID,
		TeamName:    team,
		Period:      r.Period,
		PeriodStart: r.Start,
		PeriodEnd:   r.End,
	}

	spend, err := e.st.ListSpend(ctx, u.ID, r.Start, r.End)
	if err != nil {
		return m, errors.Wrap(err, "list spend")
	}
	storedLocal := decimal.Zero
	for _, s := range spend {
		m.Impressions += s.Impressions
		m.Clicks += s.Clicks
		m.Reach += s.Reach
		m.SpendUSD = m.SpendUSD.Add(s.SpendUSD)
		storedLocal = storedLocal.Add(s.SpendLocal)
	}
	rate, err := e.rates.AverageExchangeRate(ctx, r.Start, r.End)
	if err != nil {
		e.log.WithError(err).WithField("user_id", u.ID).Warn("no average rate, using stored local spend")
		m.SpendLocal = storedLocal
	} else {
		m.ExchangeRate = rate
		m.SpendLocal = m.SpendUSD.Mul(rate).Round(2)
	}

	// spend is keyed by local stat_date; leads and sales carry real instants.
	from, to := r.Bounds(e.loc)
	leads, err := e.st.ListLeads(ctx, store.LeadFilter{From: from, To: to, Team: team})
	if err != nil {
		return m, errors.Wrap(err, "list leads")
	}
	for _, l := range leads {
		m.Leads++
		switch l.FunnelType {
		case models.FunnelChallenge3D:
			m.Challenge3DLeads++
		case models.FunnelExpress:
			m.ExpressLeads++
		case models.FunnelIntensive1D:
			m.Intensive1DLeads++
		default:
			m.UnknownLeads++
		}
	}

	sales, err := e.st.ListSales(ctx, store.SaleFilter{From: from, To: to, Team: team})
	if err != nil {
		return m, errors.Wrap(err, "list sales")
	}
	for _, s := range sales {
		switch {
		case s.Product == models.FunnelChallenge3D && s.SaleType == models.SalePrepayment:
			m.Challenge3DPrepayments++
			m.Challenge3DPrepaymentRevenue = m.Challenge3DPrepaymentRevenue.Add(s.Amount)
		case s.Product == models.FunnelChallenge3D:
			m.Challenge3DFullPurchases++
			m.Challenge3DFullRevenue = m.Challenge3DFullRevenue.Add(s.Amount)
		case s.Product == models.FunnelExpress:
			m.ExpressSales++
			m.ExpressRevenue = m.ExpressRevenue.Add(s.Amount)
		case s.Product == models.FunnelIntensive1D:
			m.Intensive1DSales++
			m.Intensive1DRevenue = m.Intensive1DRevenue.Add(s.Amount)
		}
	}
	Derive(&m)
	return m, nil
}

// Derive fills the totals and ratios from the per-product fields.
func Derive(m *models.AggregatedMetrics) {
	m.TotalRevenue = m.Challenge3DPrepaymentRevenue.
		Add(m.Challenge3DFullRevenue).
		Add(m.ExpressRevenue).
		Add(m.Intensive1DRevenue)
	m.TotalSales = m.Challenge3DPrepayments + m.Challenge3DFullPurchases + m.ExpressSales + m.Intensive1DSales

	m.ROAS = decimal.Zero
	if m.SpendLocal.IsPositive() {
		m.ROAS = m.TotalRevenue.Div(m.SpendLocal).Round(4)
	}
	m.CPAUSD = decimal.Zero
	if m.TotalSales > 0 {
		m.CPAUSD = m.SpendUSD.Div(decimal.NewFromInt(m.TotalSales)).Round(2)
	}
}
