package metrics

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

var ErrBadPeriod = errors.New("unknown period")

// SnapshotReader is the read side the dashboard API needs.
type SnapshotReader interface {
	store.SnapshotStore
	LatestRun(ctx context.Context) (models.AggregationRun, error)
}

// Service answers dashboard reads from stored snapshots only.
type Service struct{ st SnapshotReader }

func NewService(st SnapshotReader) *Service { return &Service{st: st} }

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func csvList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePeriod(s string) (models.Period, error) {
	switch p := models.Period(norm(s)); p {
	case "", models.PeriodToday, models.Period7Days, models.Period30Days:
		return p, nil
	}
	return "", errors.Wrapf(ErrBadPeriod, "%q", s)
}

// QuerySnapshots filters by user_id (csv) and period, newest period_end first,
// then paginates with limit/offset.
func (s *Service) QuerySnapshots(ctx context.Context, v url.Values) ([]models.AggregatedMetrics, error) {
	period, err := parsePeriod(v.Get("period"))
	if err != nil {
		return nil, err
	}
	rows, err := s.st.ListSnapshots(ctx, store.SnapshotFilter{UserIDs: csvList(v.Get("user_id")), Period: period})
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].PeriodEnd.Equal(rows[j].PeriodEnd) {
			return rows[i].PeriodEnd.After(rows[j].PeriodEnd)
		}
		if rows[i].UserID != rows[j].UserID {
			return rows[i].UserID < rows[j].UserID
		}
		return rows[i].Period < rows[j].Period
	})

	limit := atoiDef(v.Get("limit"), 100)
	offset := atoiDef(v.Get("offset"), 0)
	limit, offset = clampLimitOffset(limit, offset, len(rows))
	return paginate(rows, limit, offset), nil
}

// Snapshot returns the latest completed snapshot for a user and period.
func (s *Service) Snapshot(ctx context.Context, userID, period string) (models.AggregatedMetrics, error) {
	p, err := parsePeriod(period)
	if err != nil || p == "" {
		return models.AggregatedMetrics{}, errors.Wrapf(ErrBadPeriod, "%q", period)
	}
	return s.st.GetSnapshot(ctx, userID, p)
}

func (s *Service) LatestRun(ctx context.Context) (models.AggregationRun, error) {
	return s.st.LatestRun(ctx)
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func atoiDef(s string, d int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

func clampLimitOffset(limit, offset, n int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset > n {
		offset = n
	}
	return limit, offset
}
