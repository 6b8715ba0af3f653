// Package currency converts USD ad spend into the local reporting currency
// using the stored daily USD rates.
package currency

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

// ErrNoRates means the rate table is empty; callers must not guess a rate.
var ErrNoRates = errors.New("no exchange rates available")

type Service struct {
	rates store.RateStore
}

func NewService(rates store.RateStore) *Service { return &Service{rates: rates} }

// ExchangeRateMap returns a rate for every day in [from, to]. Days without a
// stored rate take the nearest stored one; on a tie the earlier day wins.
func (s *Service) ExchangeRateMap(ctx context.Context, from, to time.Time) (map[time.Time]decimal.Decimal, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	from, to = models.Day(from), models.Day(to)
	out := make(map[time.Time]decimal.Decimal)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out[d] = nearest(all, d).USDToLocal
	}
	return out, nil
}

// AverageExchangeRate averages the stored rates inside [from, to]. With none
// in range it falls back to the rate nearest the range.
func (s *Service) AverageExchangeRate(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	all, err := s.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	from, to = models.Day(from), models.Day(to)
	var (
		sum decimal.Decimal
		n   int64
	)
	for _, r := range all {
		if r.Date.Before(from) || r.Date.After(to) {
			continue
		}
		sum = sum.Add(r.USDToLocal)
		n++
	}
	if n == 0 {
		return nearest(all, from).USDToLocal, nil
	}
	return sum.Div(decimal.NewFromInt(n)).Round(4), nil
}

// RateFor is the nearest rate for a single day.
func (s *Service) RateFor(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	all, err := s.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return nearest(all, models.Day(day)).USDToLocal, nil
}

func (s *Service) load(ctx context.Context) ([]models.ExchangeRate, error) {
	all, err := s.rates.ListRates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load exchange rates")
	}
	if len(all) == 0 {
		return nil, ErrNoRates
	}
	return all, nil
}

// nearest expects a non-empty slice sorted by date.
func nearest(all []models.ExchangeRate, d time.Time) models.ExchangeRate {
	best := all[0]
	bestDist := absDays(best.Date, d)
	for _, r := range all[1:] {
		dist := absDays(r.Date, d)
		if dist < bestDist || (dist == bestDist && r.Date.Before(best.Date)) {
			best, bestDist = r, dist
		}
	}
	return best
}

func absDays(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
