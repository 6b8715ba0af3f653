package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

type mappingKey struct {
	source string
	funnel models.FunnelType
}

// MemoryStore keeps every table in process memory. It backs local runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	leads     map[int64]models.Lead
	sales     map[int64]models.SaleRecord
	spend     map[models.SpendKey]models.AdSpendRecord
	syncState map[models.SyncStateKey]models.SyncState
	users     map[string]models.User
	settings  map[string]models.UserSettings
	mappings  map[mappingKey]models.UtmSourceMapping
	rates     map[time.Time]models.ExchangeRate
	snapshots map[models.SnapshotKey]models.AggregatedMetrics
	runs      []models.AggregationRun
	nextMapID int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:     make(map[int64]models.Lead),
		sales:     make(map[int64]models.SaleRecord),
		spend:     make(map[models.SpendKey]models.AdSpendRecord),
		syncState: make(map[models.SyncStateKey]models.SyncState),
		users:     make(map[string]models.User),
		settings:  make(map[string]models.UserSettings),
		mappings:  make(map[mappingKey]models.UtmSourceMapping),
		rates:     make(map[time.Time]models.ExchangeRate),
		snapshots: make(map[models.SnapshotKey]models.AggregatedMetrics),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertLead(_ context.Context, l models.Lead) error {
	if l.ExternalID == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ExternalID] = l
	return nil
}

func (s *MemoryStore) GetLead(_ context.Context, externalID int64) (models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[externalID]
	if !ok {
		return models.Lead{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) ListLeads(_ context.Context, f LeadFilter) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Lead
	for _, l := range s.leads {
		if !inRange(l.CreatedAt, f.From, f.To) {
			continue
		}
		if f.Team != "" && l.Team != f.Team {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) UpsertSale(_ context.Context, r models.SaleRecord) error {
	if r.ExternalID == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sales[r.ExternalID] = r
	return nil
}

func (s *MemoryStore) ListSales(_ context.Context, f SaleFilter) ([]models.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SaleRecord
	for _, r := range s.sales {
		if !inRange(r.SaleDate, f.From, f.To) {
			continue
		}
		if f.Team != "" && r.Team != f.Team {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) UpsertSpend(_ context.Context, rows []models.AdSpendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if r.UserID == "" || r.CampaignID == "" {
			return ErrInvalidInput
		}
		r.StatDate = models.Day(r.StatDate)
		s.spend[r.Key()] = r
	}
	return nil
}

func (s *MemoryStore) ListSpend(_ context.Context, userID string, from, to time.Time) ([]models.AdSpendRecord, error) {
	from, to = models.Day(from), models.Day(to)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AdSpendRecord
	for k, r := range s.spend {
		if k.UserID != userID {
			continue
		}
		if k.StatDate.Before(from) || k.StatDate.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatDate.Equal(out[j].StatDate) {
			return out[i].StatDate.Before(out[j].StatDate)
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out, nil
}

func (s *MemoryStore) LatestSpendDates(_ context.Context, userID string, campaignIDs []string) (map[string]time.Time, error) {
	want := make(map[string]struct{}, len(campaignIDs))
	for _, id := range campaignIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]time.Time{}
	for k := range s.spend {
		if k.UserID != userID {
			continue
		}
		if _, ok := want[k.CampaignID]; !ok {
			continue
		}
		if cur, ok := out[k.CampaignID]; !ok || k.StatDate.After(cur) {
			out[k.CampaignID] = k.StatDate
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSyncStates(_ context.Context, scope, userID string) ([]models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SyncState
	for k, st := range s.syncState {
		if k.Scope == scope && k.UserID == userID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func (s *MemoryStore) UpsertSyncStates(_ context.Context, states []models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		st.LastSyncedDate = models.Day(st.LastSyncedDate)
		if cur, ok := s.syncState[st.Key()]; ok && cur.LastSyncedDate.After(st.LastSyncedDate) {
			st.LastSyncedDate = cur.LastSyncedDate
		}
		s.syncState[st.Key()] = st
	}
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u models.User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, activeOnly bool) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		if activeOnly && !u.IsActive {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateEnabledFunnels(_ context.Context, userID string, funnels []models.FunnelType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.EnabledFunnels = append([]models.FunnelType(nil), funnels...)
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, st models.UserSettings) error {
	if st.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.UserID] = st
	return nil
}

func (s *MemoryStore) GetSettings(_ context.Context, userID string) (models.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[userID]
	if !ok {
		return models.UserSettings{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) ListSettings(_ context.Context) ([]models.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserSettings, 0, len(s.settings))
	for _, st := range s.settings {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListActiveMappings(_ context.Context) ([]models.UtmSourceMapping, error) {
	return s.filterMappings(func(m models.UtmSourceMapping) bool { return m.IsActive }), nil
}

func (s *MemoryStore) ListUserMappings(_ context.Context, userID string) ([]models.UtmSourceMapping, error) {
	return s.filterMappings(func(m models.UtmSourceMapping) bool { return m.IsActive && m.UserID == userID }), nil
}

func (s *MemoryStore) filterMappings(keep func(models.UtmSourceMapping) bool) []models.UtmSourceMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UtmSourceMapping
	for _, m := range s.mappings {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) UpsertMapping(_ context.Context, m models.UtmSourceMapping) error {
	if m.UserID == "" || m.UTMSource == "" {
		return ErrInvalidInput
	}
	k := mappingKey{source: strings.ToLower(m.UTMSource), funnel: m.FunnelType}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.mappings[k]; ok {
		m.ID = cur.ID
	} else {
		s.nextMapID++
		m.ID = s.nextMapID
	}
	s.mappings[k] = m
	return nil
}

func (s *MemoryStore) ListRates(_ context.Context) ([]models.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) UpsertRate(_ context.Context, r models.ExchangeRate) error {
	r.Date = models.Day(r.Date)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[r.Date] = r
	return nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, m models.AggregatedMetrics) error {
	if m.UserID == "" || m.Period == "" {
		return ErrInvalidInput
	}
	m.PeriodStart, m.PeriodEnd = models.Day(m.PeriodStart), models.Day(m.PeriodEnd)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[m.Key()] = m
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, userID string, period models.Period) (models.AggregatedMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  models.AggregatedMetrics
		found bool
	)
	for k, m := range s.snapshots {
		if k.UserID != userID || k.Period != period {
			continue
		}
		if !found || k.PeriodEnd.After(best.PeriodEnd) {
			best, found = m, true
		}
	}
	if !found {
		return models.AggregatedMetrics{}, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, f SnapshotFilter) ([]models.AggregatedMetrics, error) {
	users := make(map[string]struct{}, len(f.UserIDs))
	for _, u := range f.UserIDs {
		users[u] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AggregatedMetrics
	for k, m := range s.snapshots {
		if len(users) > 0 {
			if _, ok := users[k.UserID]; !ok {
				continue
			}
		}
		if f.Period != "" && k.Period != f.Period {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) StartRun(_ context.Context, run models.AggregationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, run models.AggregationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) LatestRun(_ context.Context) (models.AggregationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return models.AggregationRun{}, ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// Runs returns a copy of the run history, oldest first.
func (s *MemoryStore) Runs() []models.AggregationRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AggregationRun(nil), s.runs...)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
