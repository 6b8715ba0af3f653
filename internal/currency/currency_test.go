package currency

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

func d(s string) time.Time {
	t, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func seeded(t *testing.T, rates map[string]string) *Service {
	t.Helper()
	st := store.NewMemoryStore()
	for day, v := range rates {
		require.NoError(t, st.UpsertRate(context.Background(), models.ExchangeRate{Date: d(day), USDToLocal: decimal.RequireFromString(v)}))
	}
	return NewService(st)
}

func TestExchangeRateMapFillsGapsWithNearest(t *testing.T) {
	svc := seeded(t, map[string]string{
		"2024-01-08": "500",
		"2024-01-12": "510",
	})
	m, err := svc.ExchangeRateMap(context.Background(), d("2024-01-07"), d("2024-01-13"))
	require.NoError(t, err)
	require.Len(t, m, 7)

	assert.Equal(t, "500", m[d("2024-01-07")].String())
	assert.Equal(t, "500", m[d("2024-01-09")].String())
	// equidistant from both stored days: the earlier one wins
	assert.Equal(t, "500", m[d("2024-01-10")].String())
	assert.Equal(t, "510", m[d("2024-01-11")].String())
	assert.Equal(t, "510", m[d("2024-01-13")].String())
}

func TestAverageExchangeRate(t *testing.T) {
	svc := seeded(t, map[string]string{
		"2024-01-08": "500",
		"2024-01-09": "502",
		"2024-01-10": "504",
		"2024-02-01": "520",
	})
	avg, err := svc.AverageExchangeRate(context.Background(), d("2024-01-08"), d("2024-01-10"))
	require.NoError(t, err)
	assert.True(t, avg.Equal(decimal.NewFromInt(502)), avg.String())

	avg, err = svc.AverageExchangeRate(context.Background(), d("2024-01-20"), d("2024-01-22"))
	require.NoError(t, err)
	assert.True(t, avg.Equal(decimal.NewFromInt(504)), "falls back to the nearest rate, got %s", avg)
}

func TestNoRatesIsAnError(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	_, err := svc.ExchangeRateMap(context.Background(), d("2024-01-01"), d("2024-01-02"))
	assert.ErrorIs(t, err, ErrNoRates)
	_, err = svc.RateFor(context.Background(), d("2024-01-01"))
	assert.ErrorIs(t, err, ErrNoRates)
}
