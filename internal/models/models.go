package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

// Unassigned is the team label for records no attribution rule claimed.
const Unassigned = "Unassigned"

type FunnelType string

const (
	FunnelChallenge3D FunnelType = "challenge3d"
	FunnelExpress     FunnelType = "express"
	FunnelIntensive1D FunnelType = "intensive1d"
	FunnelUnknown     FunnelType = "unknown"
)

func (f FunnelType) Valid() bool {
	switch f {
	case FunnelChallenge3D, FunnelExpress, FunnelIntensive1D, FunnelUnknown:
		return true
	}
	return false
}

type SaleType string

const (
	SalePrepayment  SaleType = "prepayment"
	SaleFullPayment SaleType = "full_payment"
	SaleFlat        SaleType = ""
)

// MatchedVia names the attribution tier that produced a team label.
type MatchedVia string

const (
	MatchedUTMMapping  MatchedVia = "utm_mapping"
	MatchedUTMPattern  MatchedVia = "utm_pattern"
	MatchedAdAccount   MatchedVia = "ad_account"
	MatchedUserDefault MatchedVia = "user_default"
	MatchedNone        MatchedVia = "unassigned"
)

type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

// Complete reports whether the touch carries a usable utm_source.
func (u UTM) Complete() bool {
	return u.Source != "" && u.Source != "unknown"
}

type Lead struct {
	ExternalID        int64      `json:"external_id"`
	PipelineID        int64      `json:"pipeline_id"`
	StatusID          int64      `json:"status_id"`
	FunnelType        FunnelType `json:"funnel_type"`
	UTM               UTM        `json:"utm"`
	OriginalUTM       UTM        `json:"original_utm"`
	AttributionSource string     `json:"attribution_source"`
	Team              string     `json:"team"`
	MatchedVia        MatchedVia `json:"matched_via"`
	DedupKey          string     `json:"dedup_key"`
	CustomerName      string     `json:"customer_name,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ReceivedAt        time.Time  `json:"received_at"`
}

type SaleRecord struct {
	ExternalID  int64           `json:"external_id"`
	PipelineID  int64           `json:"pipeline_id"`
	StatusID    int64           `json:"status_id"`
	Product     FunnelType      `json:"product"`
	SaleType    SaleType        `json:"sale_type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	UTM         UTM             `json:"utm"`
	OriginalUTM UTM             `json:"original_utm"`
	Team        string          `json:"team"`
	MatchedVia  MatchedVia      `json:"matched_via"`
	SaleDate    time.Time       `json:"sale_date"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// AdSpendRecord is one campaign-day of spend. (StatDate, UserID, CampaignID) is the key.
type AdSpendRecord struct {
	StatDate         time.Time       `json:"stat_date"`
	UserID           string          `json:"user_id"`
	CampaignID       string          `json:"campaign_id"`
	CampaignName     string          `json:"campaign_name"`
	AdAccountID      string          `json:"ad_account_id"`
	SpendUSD         decimal.Decimal `json:"spend_usd"`
	SpendLocal       decimal.Decimal `json:"spend_local"`
	Impressions      int64           `json:"impressions"`
	Clicks           int64           `json:"clicks"`
	Reach            int64           `json:"reach"`
	ExchangeRateUsed decimal.Decimal `json:"exchange_rate_used"`
	Team             string          `json:"team"`
	MatchedVia       MatchedVia      `json:"matched_via"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type SpendKey struct {
	StatDate   time.Time
	UserID     string
	CampaignID string
}

func (r AdSpendRecord) Key() SpendKey {
	return SpendKey{StatDate: Day(r.StatDate), UserID: r.UserID, CampaignID: r.CampaignID}
}

type UtmSourceMapping struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	UTMSource   string     `json:"utm_source"`
	UTMMedium   string     `json:"utm_medium,omitempty"`
	FunnelType  FunnelType `json:"funnel_type"`
	AdAccountID string     `json:"ad_account_id,omitempty"`
	IsActive    bool       `json:"is_active"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type User struct {
	ID             string       `json:"id"`
	Email          string       `json:"email"`
	FullName       string       `json:"full_name"`
	TeamName       string       `json:"team_name"`
	EnabledFunnels []FunnelType `json:"enabled_funnels"`
	IsActive       bool         `json:"is_active"`
}

// DisplayTeam mirrors the fallback chain the dashboards use for a user label.
func (u User) DisplayTeam() string {
	switch {
	case u.TeamName != "":
		return u.TeamName
	case u.FullName != "":
		return u.FullName
	case u.Email != "":
		return u.Email
	}
	if len(u.ID) > 8 {
		return u.ID[:8]
	}
	return u.ID
}

type TrackedCampaign struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AdAccountID string `json:"ad_account_id"`
	Enabled     bool   `json:"enabled"`
}

type UserSettings struct {
	UserID           string            `json:"user_id"`
	TrackedCampaigns []TrackedCampaign `json:"tracked_campaigns"`
}

const ScopeCampaignInsights = "campaign_insights"

type SyncState struct {
	Scope          string    `json:"scope"`
	UserID         string    `json:"user_id"`
	AdAccountID    string    `json:"ad_account_id"`
	CampaignID     string    `json:"campaign_id"`
	LastSyncedDate time.Time `json:"last_synced_date"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type SyncStateKey struct {
	Scope       string
	UserID      string
	AdAccountID string
	CampaignID  string
}

func (s SyncState) Key() SyncStateKey {
	return SyncStateKey{Scope: s.Scope, UserID: s.UserID, AdAccountID: s.AdAccountID, CampaignID: s.CampaignID}
}

type ExchangeRate struct {
	Date       time.Time       `json:"date"`
	USDToLocal decimal.Decimal `json:"usd_to_local"`
}

type Period string

const (
	PeriodToday  Period = "today"
	Period7Days  Period = "7d"
	Period30Days Period = "30d"
)

// AggregatedMetrics is a dashboard snapshot for one (user, period, start, end).
type AggregatedMetrics struct {
	UserID      string    `json:"user_id"`
	TeamName    string    `json:"team_name"`
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Reach       int64           `json:"reach"`
	SpendUSD    decimal.Decimal `json:"spend_usd"`
	SpendLocal  decimal.Decimal `json:"spend_local"`

	Leads            int64 `json:"leads"`
	Challenge3DLeads int64 `json:"challenge3d_leads"`
	Intensive1DLeads int64 `json:"intensive1d_leads"`
	ExpressLeads     int64 `json:"express_leads"`
	UnknownLeads     int64 `json:"unknown_leads"`

	Challenge3DPrepayments       int64           `json:"challenge3d_prepayments"`
	Challenge3DPrepaymentRevenue decimal.Decimal `json:"challenge3d_prepayment_revenue"`
	Challenge3DFullPurchases     int64           `json:"challenge3d_full_purchases"`
	Challenge3DFullRevenue       decimal.Decimal `json:"challenge3d_full_revenue"`
	ExpressSales                 int64           `json:"express_sales"`
	ExpressRevenue               decimal.Decimal `json:"express_revenue"`
	Intensive1DSales             int64           `json:"intensive1d_sales"`
	Intensive1DRevenue           decimal.Decimal `json:"intensive1d_revenue"`

	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalSales   int64           `json:"total_sales"`
	ROAS         decimal.Decimal `json:"roas"`
	CPAUSD       decimal.Decimal `json:"cpa_usd"`
	ExchangeRate decimal.Decimal `json:"usd_to_local_rate"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type SnapshotKey struct {
	UserID      string
	Period      Period
	PeriodStart time.Time
	PeriodEnd   time.Time
}

func (m AggregatedMetrics) Key() SnapshotKey {
	return SnapshotKey{UserID: m.UserID, Period: m.Period, PeriodStart: Day(m.PeriodStart), PeriodEnd: Day(m.PeriodEnd)}
}

type AggregationRun struct {
	ID             string     `json:"id"`
	SyncType       string     `json:"sync_type"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Success        bool       `json:"success"`
	UsersProcessed int        `json:"users_processed"`
	MetricsUpdated int        `json:"metrics_updated"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// Day truncates t to its calendar date, expressed as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
