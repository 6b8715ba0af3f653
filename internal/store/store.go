package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// LeadFilter selects leads created in [From, To). Empty Team means all teams.
type LeadFilter struct {
	From time.Time
	To   time.Time
	Team string
}

// SaleFilter selects sales dated in [From, To). Empty Team means all teams.
type SaleFilter struct {
	From time.Time
	To   time.Time
	Team string
}

type SnapshotFilter struct {
	UserIDs []string
	Period  models.Period
}

type LeadStore interface {
	UpsertLead(ctx context.Context, l models.Lead) error
	GetLead(ctx context.Context, externalID int64) (models.Lead, error)
	ListLeads(ctx context.Context, f LeadFilter) ([]models.Lead, error)
}

type SaleStore interface {
	UpsertSale(ctx context.Context, s models.SaleRecord) error
	ListSales(ctx context.Context, f SaleFilter) ([]models.SaleRecord, error)
}

type SpendStore interface {
	// UpsertSpend overwrites rows by (stat_date, user_id, campaign_id).
	UpsertSpend(ctx context.Context, rows []models.AdSpendRecord) error
	// ListSpend returns rows whose stat_date lies in the inclusive day range.
	ListSpend(ctx context.Context, userID string, from, to time.Time) ([]models.AdSpendRecord, error)
	LatestSpendDates(ctx context.Context, userID string, campaignIDs []string) (map[string]time.Time, error)
}

type SyncStateStore interface {
	ListSyncStates(ctx context.Context, scope, userID string) ([]models.SyncState, error)
	// UpsertSyncStates never moves a watermark backwards.
	UpsertSyncStates(ctx context.Context, states []models.SyncState) error
}

type UserStore interface {
	UpsertUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]models.User, error)
	UpdateEnabledFunnels(ctx context.Context, userID string, funnels []models.FunnelType) error
	SaveSettings(ctx context.Context, s models.UserSettings) error
	GetSettings(ctx context.Context, userID string) (models.UserSettings, error)
	ListSettings(ctx context.Context) ([]models.UserSettings, error)
}

type MappingStore interface {
	ListActiveMappings(ctx context.Context) ([]models.UtmSourceMapping, error)
	ListUserMappings(ctx context.Context, userID string) ([]models.UtmSourceMapping, error)
	// UpsertMapping is keyed by (utm_source, funnel_type).
	UpsertMapping(ctx context.Context, m models.UtmSourceMapping) error
}

type RateStore interface {
	ListRates(ctx context.Context) ([]models.ExchangeRate, error)
	UpsertRate(ctx context.Context, r models.ExchangeRate) error
}

type SnapshotStore interface {
	// UpsertSnapshot replaces the whole row for its (user, period, start, end) key.
	UpsertSnapshot(ctx context.Context, m models.AggregatedMetrics) error
	// GetSnapshot returns the most recent snapshot for a user and period.
	GetSnapshot(ctx context.Context, userID string, period models.Period) (models.AggregatedMetrics, error)
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]models.AggregatedMetrics, error)
}

type RunStore interface {
	StartRun(ctx context.Context, run models.AggregationRun) error
	FinishRun(ctx context.Context, run models.AggregationRun) error
	LatestRun(ctx context.Context) (models.AggregationRun, error)
}

// Store is the full persistence surface. MemoryStore and PostgresStore implement it.
type Store interface {
	LeadStore
	SaleStore
	SpendStore
	SyncStateStore
	UserStore
	MappingStore
	RateStore
	SnapshotStore
	RunStore
	Close() error
}
