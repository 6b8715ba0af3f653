package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const spendBatchSize = 500

// PostgresStore is the durable Store. All writes are idempotent upserts.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// Migrate creates missing tables. It is safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	log.Info("database schema ensured")
	return nil
}

func utmArgs(u models.UTM) []interface{} {
	return []interface{}{u.Source, u.Medium, u.Campaign, u.Content, u.Term}
}

func utmDest(u *models.UTM) []interface{} {
	return []interface{}{&u.Source, &u.Medium, &u.Campaign, &u.Content, &u.Term}
}

const upsertLeadSQL = `
INSERT INTO leads (external_id, pipeline_id, status_id, funnel_type,
    utm_source, utm_medium, utm_campaign, utm_content, utm_term,
    orig_utm_source, orig_utm_medium, orig_utm_campaign, orig_utm_content, orig_utm_term,
    attribution_source, team, matched_via, dedup_key, customer_name, phone, created_at, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
ON CONFLICT (external_id) DO UPDATE SET
    pipeline_id = EXCLUDED.pipeline_id,
    status_id = EXCLUDED.status_id,
    funnel_type = EXCLUDED.funnel_type,
    utm_source = EXCLUDED.utm_source,
    utm_medium = EXCLUDED.utm_medium,
    utm_campaign = EXCLUDED.utm_campaign,
    utm_content = EXCLUDED.utm_content,
    utm_term = EXCLUDED.utm_term,
    orig_utm_source = EXCLUDED.orig_utm_source,
    orig_utm_medium = EXCLUDED.orig_utm_medium,
    orig_utm_campaign = EXCLUDED.orig_utm_campaign,
    orig_utm_content = EXCLUDED.orig_utm_content,
    orig_utm_term = EXCLUDED.orig_utm_term,
    attribution_source = EXCLUDED.attribution_source,
    team = EXCLUDED.team,
    matched_via = EXCLUDED.matched_via,
    dedup_key = EXCLUDED.dedup_key,
    customer_name = EXCLUDED.customer_name,
    phone = EXCLUDED.phone,
    received_at = EXCLUDED.received_at`

func (s *PostgresStore) UpsertLead(ctx context.Context, l models.Lead) error {
	if l.ExternalID == 0 {
		return ErrInvalidInput
	}
	args := []interface{}{l.ExternalID, l.PipelineID, l.StatusID, string(l.FunnelType)}
	args = append(args, utmArgs(l.UTM)...)
	args = append(args, utmArgs(l.OriginalUTM)...)
	args = append(args, l.AttributionSource, l.Team, string(l.MatchedVia), l.DedupKey,
		l.CustomerName, l.Phone, l.CreatedAt, l.ReceivedAt)
	_, err := s.db.ExecContext(ctx, upsertLeadSQL, args...)
	return errors.Wrapf(err, "upsert lead %d", l.ExternalID)
}

const leadColumns = `external_id, pipeline_id, status_id, funnel_type,
    utm_source, utm_medium, utm_campaign, utm_content, utm_term,
    orig_utm_source, orig_utm_medium, orig_utm_campaign, orig_utm_content, orig_utm_term,
    attribution_source, team, matched_via, dedup_key, customer_name, phone, created_at, received_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(r rowScanner) (models.Lead, error) {
	var (
		l       models.Lead
		funnel  string
		matched string
	)
	dest := []interface{}{&l.ExternalID, &l.PipelineID, &l.StatusID, &funnel}
	dest = append(dest, utmDest(&l.UTM)...)
	dest = append(dest, utmDest(&l.OriginalUTM)...)
	dest = append(dest, &l.AttributionSource, &l.Team, &matched, &l.DedupKey,
		&l.CustomerName, &l.Phone, &l.CreatedAt, &l.ReceivedAt)
	if err := r.Scan(dest...); err != nil {
		return models.Lead{}, err
	}
	l.FunnelType = models.FunnelType(funnel)
	l.MatchedVia = models.MatchedVia(matched)
	return l, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, externalID int64) (models.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE external_id = $1`, externalID)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Lead{}, ErrNotFound
	}
	return l, errors.Wrapf(err, "get lead %d", externalID)
}

// rangeClause builds the shared "[from, to) and team" filter.
func rangeClause(col string, from, to time.Time, team string) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("%s >= $%d", col, len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("%s < $%d", col, len(args)))
	}
	if team != "" {
		args = append(args, team)
		conds = append(conds, fmt.Sprintf("team = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListLeads(ctx context.Context, f LeadFilter) ([]models.Lead, error) {
	where, args := rangeClause("created_at", f.From, f.To, f.Team)
	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads`+where+` ORDER BY external_id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list leads")
	}
	defer rows.Close()
	var out []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan lead")
		}
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "iterate leads")
}

const upsertSaleSQL = `
INSERT INTO sales (external_id, pipeline_id, status_id, product, sale_type, amount, currency,
    utm_source, utm_medium, utm_campaign, utm_content, utm_term,
    orig_utm_source, orig_utm_medium, orig_utm_campaign, orig_utm_content, orig_utm_term,
    team, matched_via, sale_date, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (external_id) DO UPDATE SET
    pipeline_id = EXCLUDED.pipeline_id,
    status_id = EXCLUDED.status_id,
    product = EXCLUDED.product,
    sale_type = EXCLUDED.sale_type,
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    utm_source = EXCLUDED.utm_source,
    utm_medium = EXCLUDED.utm_medium,
    utm_campaign = EXCLUDED.utm_campaign,
    utm_content = EXCLUDED.utm_content,
    utm_term = EXCLUDED.utm_term,
    orig_utm_source = EXCLUDED.orig_utm_source,
    orig_utm_medium = EXCLUDED.orig_utm_medium,
    orig_utm_campaign = EXCLUDED.orig_utm_campaign,
    orig_utm_content = EXCLUDED.orig_utm_content,
    orig_utm_term = EXCLUDED.orig_utm_term,
    team = EXCLUDED.team,
    matched_via = EXCLUDED.matched_via,
    sale_date = EXCLUDED.sale_date,
    received_at = EXCLUDED.received_at`

func (s *PostgresStore) UpsertSale(ctx context.Context, r models.SaleRecord) error {
	if r.ExternalID == 0 {
		return ErrInvalidInput
	}
	args := []interface{}{r.ExternalID, r.PipelineID, r.StatusID, string(r.Product), string(r.SaleType), r.Amount, r.Currency}
	args = append(args, utmArgs(r.UTM)...)
	args = append(args, utmArgs(r.OriginalUTM)...)
	args = append(args, r.Team, string(r.MatchedVia), r.SaleDate, r.ReceivedAt)
	_, err := s.db.ExecContext(ctx, upsertSaleSQL, args...)
	return errors.Wrapf(err, "upsert sale %d", r.ExternalID)
}

func (s *PostgresStore) ListSales(ctx context.Context, f SaleFilter) ([]models.SaleRecord, error) {
	where, args := rangeClause("sale_date", f.From, f.To, f.Team)
	rows, err := s.db.QueryContext(ctx, `
SELECT external_id, pipeline_id, status_id, product, sale_type, amount, currency,
    utm_source, utm_medium, utm_campaign, utm_content, utm_term,
    orig_utm_source, orig_utm_medium, orig_utm_campaign, orig_utm_content, orig_utm_term,
    team, matched_via, sale_date, received_at
FROM sales`+where+` ORDER BY external_id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sales")
	}
	defer rows.Close()
	var out []models.SaleRecord
	for rows.Next() {
		var (
			r                        models.SaleRecord
			product, saleType, match string
		)
		dest := []interface{}{&r.ExternalID, &r.PipelineID, &r.StatusID, &product, &saleType, &r.Amount, &r.Currency}
		dest = append(dest, utmDest(&r.UTM)...)
		dest = append(dest, utmDest(&r.OriginalUTM)...)
		dest = append(dest, &r.Team, &match, &r.SaleDate, &r.ReceivedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, "scan sale")
		}
		r.Product = models.FunnelType(product)
		r.SaleType = models.SaleType(saleType)
		r.MatchedVia = models.MatchedVia(match)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate sales")
}

const upsertSpendSQL = `
INSERT INTO ad_spend (stat_date, user_id, campaign_id, campaign_name, ad_account_id,
    spend_usd, spend_local, impressions, clicks, reach, exchange_rate_used, team, matched_via, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (stat_date, user_id, campaign_id) DO UPDATE SET
    campaign_name = EXCLUDED.campaign_name,
    ad_account_id = EXCLUDED.ad_account_id,
    spend_usd = EXCLUDED.spend_usd,
    spend_local = EXCLUDED.spend_local,
    impressions = EXCLUDED.impressions,
    clicks = EXCLUDED.clicks,
    reach = EXCLUDED.reach,
    exchange_rate_used = EXCLUDED.exchange_rate_used,
    team = EXCLUDED.team,
    matched_via = EXCLUDED.matched_via,
    updated_at = EXCLUDED.updated_at`

// UpsertSpend writes rows in batches, each batch in its own transaction.
func (s *PostgresStore) UpsertSpend(ctx context.Context, rows []models.AdSpendRecord) error {
	for _, r := range rows {
		if r.UserID == "" || r.CampaignID == "" {
			return ErrInvalidInput
		}
	}
	for _, batch := range lo.Chunk(rows, spendBatchSize) {
		err := WithTransaction(ctx, s.db, DefaultTxOptions, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, upsertSpendSQL)
			if err != nil {
				return errors.Wrap(err, "prepare spend upsert")
			}
			defer stmt.Close()
			for _, r := range batch {
				if _, err := stmt.ExecContext(ctx,
					models.Day(r.StatDate), r.UserID, r.CampaignID, r.CampaignName, r.AdAccountID,
					r.SpendUSD, r.SpendLocal, r.Impressions, r.Clicks, r.Reach, r.ExchangeRateUsed,
					r.Team, string(r.MatchedVia), r.UpdatedAt,
				); err != nil {
					return errors.Wrapf(err, "upsert spend %s/%s", r.CampaignID, r.StatDate.Format(models.DateLayout))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListSpend(ctx context.Context, userID string, from, to time.Time) ([]models.AdSpendRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stat_date, user_id, campaign_id, campaign_name, ad_account_id,
    spend_usd, spend_local, impressions, clicks, reach, exchange_rate_used, team, matched_via, updated_at
FROM ad_spend
WHERE user_id = $1 AND stat_date BETWEEN $2 AND $3
ORDER BY stat_date, campaign_id`, userID, models.Day(from), models.Day(to))
	if err != nil {
		return nil, errors.Wrap(err, "list spend")
	}
	defer rows.Close()
	var out []models.AdSpendRecord
	for rows.Next() {
		var (
			r     models.AdSpendRecord
			match string
		)
		if err := rows.Scan(&r.StatDate, &r.UserID, &r.CampaignID, &r.CampaignName, &r.AdAccountID,
			&r.SpendUSD, &r.SpendLocal, &r.Impressions, &r.Clicks, &r.Reach, &r.ExchangeRateUsed,
			&r.Team, &match, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan spend")
		}
		r.StatDate = models.Day(r.StatDate)
		r.MatchedVia = models.MatchedVia(match)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate spend")
}

func (s *PostgresStore) LatestSpendDates(ctx context.Context, userID string, campaignIDs []string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	if len(campaignIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT campaign_id, MAX(stat_date)
FROM ad_spend
WHERE user_id = $1 AND campaign_id = ANY($2)
GROUP BY campaign_id`, userID, pq.Array(campaignIDs))
	if err != nil {
		return nil, errors.Wrap(err, "latest spend dates")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			d  time.Time
		)
		if err := rows.Scan(&id, &d); err != nil {
			return nil, errors.Wrap(err, "scan latest spend date")
		}
		out[id] = models.Day(d)
	}
	return out, errors.Wrap(rows.Err(), "iterate latest spend dates")
}

func (s *PostgresStore) ListSyncStates(ctx context.Context, scope, userID string) ([]models.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT scope, user_id, ad_account_id, campaign_id, last_synced_date, updated_at
FROM sync_state WHERE scope = $1 AND user_id = $2 ORDER BY campaign_id`, scope, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list sync state")
	}
	defer rows.Close()
	var out []models.SyncState
	for rows.Next() {
		var st models.SyncState
		if err := rows.Scan(&st.Scope, &st.UserID, &st.AdAccountID, &st.CampaignID, &st.LastSyncedDate, &st.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan sync state")
		}
		st.LastSyncedDate = models.Day(st.LastSyncedDate)
		out = append(out, st)
	}
	return out, errors.Wrap(rows.Err(), "iterate sync state")
}

const upsertSyncStateSQL = `
INSERT INTO sync_state (scope, user_id, ad_account_id, campaign_id, last_synced_date, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (scope, user_id, ad_account_id, campaign_id) DO UPDATE SET
    last_synced_date = GREATEST(sync_state.last_synced_date, EXCLUDED.last_synced_date),
    updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) UpsertSyncStates(ctx context.Context, states []models.SyncState) error {
	if len(states) == 0 {
		return nil
	}
	return WithTransaction(ctx, s.db, DefaultTxOptions, func(tx *sql.Tx) error {
		for _, st := range states {
			if _, err := tx.ExecContext(ctx, upsertSyncStateSQL,
				st.Scope, st.UserID, st.AdAccountID, st.CampaignID, models.Day(st.LastSyncedDate), st.UpdatedAt,
			); err != nil {
				return errors.Wrapf(err, "upsert sync state %s", st.CampaignID)
			}
		}
		return nil
	})
}

func funnelStrings(fs []models.FunnelType) []string {
	return lo.Map(fs, func(f models.FunnelType, _ int) string { return string(f) })
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u models.User) error {
	if u.ID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email, full_name, team_name, enabled_funnels, is_active)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
    email = EXCLUDED.email,
    full_name = EXCLUDED.full_name,
    team_name = EXCLUDED.team_name,
    enabled_funnels = EXCLUDED.enabled_funnels,
    is_active = EXCLUDED.is_active`,
		u.ID, u.Email, u.FullName, u.TeamName, pq.Array(funnelStrings(u.EnabledFunnels)), u.IsActive)
	return errors.Wrapf(err, "upsert user %s", u.ID)
}

func scanUser(r rowScanner) (models.User, error) {
	var (
		u       models.User
		funnels []string
	)
	if err := r.Scan(&u.ID, &u.Email, &u.FullName, &u.TeamName, pq.Array(&funnels), &u.IsActive); err != nil {
		return models.User{}, err
	}
	u.EnabledFunnels = lo.Map(funnels, func(f string, _ int) models.FunnelType { return models.FunnelType(f) })
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, full_name, team_name, enabled_funnels, is_active FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, errors.Wrapf(err, "get user %s", id)
}

func (s *PostgresStore) ListUsers(ctx context.Context, activeOnly bool) ([]models.User, error) {
	q := `SELECT id, email, full_name, team_name, enabled_funnels, is_active FROM users`
	if activeOnly {
		q += ` WHERE is_active`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate users")
}

func (s *PostgresStore) UpdateEnabledFunnels(ctx context.Context, userID string, funnels []models.FunnelType) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET enabled_funnels = $2 WHERE id = $1`,
		userID, pq.Array(funnelStrings(funnels)))
	if err != nil {
		return errors.Wrapf(err, "update funnels for %s", userID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st models.UserSettings) error {
	if st.UserID == "" {
		return ErrInvalidInput
	}
	campaigns := st.TrackedCampaigns
	if campaigns == nil {
		campaigns = []models.TrackedCampaign{}
	}
	raw, err := json.Marshal(campaigns)
	if err != nil {
		return errors.Wrap(err, "encode tracked campaigns")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO user_settings (user_id, tracked_campaigns) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET tracked_campaigns = EXCLUDED.tracked_campaigns`, st.UserID, string(raw))
	return errors.Wrapf(err, "save settings for %s", st.UserID)
}

func scanSettings(r rowScanner) (models.UserSettings, error) {
	var (
		st  models.UserSettings
		raw []byte
	)
	if err := r.Scan(&st.UserID, &raw); err != nil {
		return models.UserSettings{}, err
	}
	if err := json.Unmarshal(raw, &st.TrackedCampaigns); err != nil {
		return models.UserSettings{}, errors.Wrapf(err, "decode tracked campaigns for %s", st.UserID)
	}
	return st, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (models.UserSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, tracked_campaigns FROM user_settings WHERE user_id = $1`, userID)
	st, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserSettings{}, ErrNotFound
	}
	return st, errors.Wrapf(err, "get settings for %s", userID)
}

func (s *PostgresStore) ListSettings(ctx context.Context) ([]models.UserSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, tracked_campaigns FROM user_settings ORDER BY user_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list settings")
	}
	defer rows.Close()
	var out []models.UserSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, errors.Wrap(rows.Err(), "iterate settings")
}

const mappingColumns = `id, user_id, utm_source, utm_medium, funnel_type, ad_account_id, is_active, updated_at`

func (s *PostgresStore) queryMappings(ctx context.Context, q string, args ...interface{}) ([]models.UtmSourceMapping, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list utm mappings")
	}
	defer rows.Close()
	var out []models.UtmSourceMapping
	for rows.Next() {
		var (
			m      models.UtmSourceMapping
			funnel string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.UTMSource, &m.UTMMedium, &funnel, &m.AdAccountID, &m.IsActive, &m.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan utm mapping")
		}
		m.FunnelType = models.FunnelType(funnel)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate utm mappings")
}

func (s *PostgresStore) ListActiveMappings(ctx context.Context) ([]models.UtmSourceMapping, error) {
	return s.queryMappings(ctx, `SELECT `+mappingColumns+` FROM utm_source_mappings WHERE is_active ORDER BY id`)
}

func (s *PostgresStore) ListUserMappings(ctx context.Context, userID string) ([]models.UtmSourceMapping, error) {
	return s.queryMappings(ctx, `SELECT `+mappingColumns+` FROM utm_source_mappings WHERE is_active AND user_id = $1 ORDER BY id`, userID)
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, m models.UtmSourceMapping) error {
	if m.UserID == "" || m.UTMSource == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO utm_source_mappings (user_id, utm_source, utm_medium, funnel_type, ad_account_id, is_active, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (utm_source, funnel_type) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    utm_medium = EXCLUDED.utm_medium,
    ad_account_id = EXCLUDED.ad_account_id,
    is_active = EXCLUDED.is_active,
    updated_at = EXCLUDED.updated_at`,
		m.UserID, strings.ToLower(m.UTMSource), m.UTMMedium, string(m.FunnelType), m.AdAccountID, m.IsActive, m.UpdatedAt)
	return errors.Wrapf(err, "upsert utm mapping %s", m.UTMSource)
}

func (s *PostgresStore) ListRates(ctx context.Context) ([]models.ExchangeRate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, usd_to_local FROM exchange_rates ORDER BY date`)
	if err != nil {
		return nil, errors.Wrap(err, "list exchange rates")
	}
	defer rows.Close()
	var out []models.ExchangeRate
	for rows.Next() {
		var r models.ExchangeRate
		if err := rows.Scan(&r.Date, &r.USDToLocal); err != nil {
			return nil, errors.Wrap(err, "scan exchange rate")
		}
		r.Date = models.Day(r.Date)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate exchange rates")
}

func (s *PostgresStore) UpsertRate(ctx context.Context, r models.ExchangeRate) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchange_rates (date, usd_to_local) VALUES ($1, $2)
ON CONFLICT (date) DO UPDATE SET usd_to_local = EXCLUDED.usd_to_local`, models.Day(r.Date), r.USDToLocal)
	return errors.Wrapf(err, "upsert exchange rate %s", r.Date.Format(models.DateLayout))
}

const snapshotColumns = `user_id, team_name, period, period_start, period_end,
    impressions, clicks, reach, spend_usd, spend_local,
    leads, challenge3d_leads, intensive1d_leads, express_leads, unknown_leads,
    challenge3d_prepayments, challenge3d_prepayment_revenue, challenge3d_full_purchases, challenge3d_full_revenue,
    express_sales, express_revenue, intensive1d_sales, intensive1d_revenue,
    total_revenue, total_sales, roas, cpa_usd, usd_to_local_rate, updated_at`

const upsertSnapshotSQL = `
INSERT INTO aggregated_metrics (` + snapshotColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
ON CONFLICT (user_id, period, period_start, period_end) DO UPDATE SET
    team_name = EXCLUDED.team_name,
    impressions = EXCLUDED.impressions,
    clicks = EXCLUDED.clicks,
    reach = EXCLUDED.reach,
    spend_usd = EXCLUDED.spend_usd,
    spend_local = EXCLUDED.spend_local,
    leads = EXCLUDED.leads,
    challenge3d_leads = EXCLUDED.challenge3d_leads,
    intensive1d_leads = EXCLUDED.intensive1d_leads,
    express_leads = EXCLUDED.express_leads,
    unknown_leads = EXCLUDED.unknown_leads,
    challenge3d_prepayments = EXCLUDED.challenge3d_prepayments,
    challenge3d_prepayment_revenue = EXCLUDED.challenge3d_prepayment_revenue,
    challenge3d_full_purchases = EXCLUDED.challenge3d_full_purchases,
    challenge3d_full_revenue = EXCLUDED.challenge3d_full_revenue,
    express_sales = EXCLUDED.express_sales,
    express_revenue = EXCLUDED.express_revenue,
    intensive1d_sales = EXCLUDED.intensive1d_sales,
    intensive1d_revenue = EXCLUDED.intensive1d_revenue,
    total_revenue = EXCLUDED.total_revenue,
    total_sales = EXCLUDED.total_sales,
    roas = EXCLUDED.roas,
    cpa_usd = EXCLUDED.cpa_usd,
    usd_to_local_rate = EXCLUDED.usd_to_local_rate,
    updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, m models.AggregatedMetrics) error {
	if m.UserID == "" || m.Period == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, upsertSnapshotSQL,
		m.UserID, m.TeamName, string(m.Period), models.Day(m.PeriodStart), models.Day(m.PeriodEnd),
		m.Impressions, m.Clicks, m.Reach, m.SpendUSD, m.SpendLocal,
		m.Leads, m.Challenge3DLeads, m.Intensive1DLeads, m.ExpressLeads, m.UnknownLeads,
		m.Challenge3DPrepayments, m.Challenge3DPrepaymentRevenue, m.Challenge3DFullPurchases, m.Challenge3DFullRevenue,
		m.ExpressSales, m.ExpressRevenue, m.Intensive1DSales, m.Intensive1DRevenue,
		m.TotalRevenue, m.TotalSales, m.ROAS, m.CPAUSD, m.ExchangeRate, m.UpdatedAt,
	)
	return errors.Wrapf(err, "upsert snapshot %s/%s", m.UserID, m.Period)
}

func scanSnapshot(r rowScanner) (models.AggregatedMetrics, error) {
	var (
		m      models.AggregatedMetrics
		period string
	)
	err := r.Scan(&m.UserID, &m.TeamName, &period, &m.PeriodStart, &m.PeriodEnd,
		&m.Impressions, &m.Clicks, &m.Reach, &m.SpendUSD, &m.SpendLocal,
		&m.Leads, &m.Challenge3DLeads, &m.Intensive1DLeads, &m.ExpressLeads, &m.UnknownLeads,
		&m.Challenge3DPrepayments, &m.Challenge3DPrepaymentRevenue, &m.Challenge3DFullPurchases, &m.Challenge3DFullRevenue,
		&m.ExpressSales, &m.ExpressRevenue, &m.Intensive1DSales, &m.Intensive1DRevenue,
		&m.TotalRevenue, &m.TotalSales, &m.ROAS, &m.CPAUSD, &m.ExchangeRate, &m.UpdatedAt)
	if err != nil {
		return models.AggregatedMetrics{}, err
	}
	m.Period = models.Period(period)
	m.PeriodStart, m.PeriodEnd = models.Day(m.PeriodStart), models.Day(m.PeriodEnd)
	return m, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, userID string, period models.Period) (models.AggregatedMetrics, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM aggregated_metrics
WHERE user_id = $1 AND period = $2 ORDER BY period_end DESC LIMIT 1`, userID, string(period))
	m, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AggregatedMetrics{}, ErrNotFound
	}
	return m, errors.Wrapf(err, "get snapshot %s/%s", userID, period)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]models.AggregatedMetrics, error) {
	var (
		conds []string
		args  []interface{}
	)
	if len(f.UserIDs) > 0 {
		args = append(args, pq.Array(f.UserIDs))
		conds = append(conds, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	if f.Period != "" {
		args = append(args, string(f.Period))
		conds = append(conds, fmt.Sprintf("period = $%d", len(args)))
	}
	q := `SELECT ` + snapshotColumns + ` FROM aggregated_metrics`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY user_id, period, period_end`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	defer rows.Close()
	var out []models.AggregatedMetrics
	for rows.Next() {
		m, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate snapshots")
}

func (s *PostgresStore) StartRun(ctx context.Context, run models.AggregationRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO aggregation_runs (id, sync_type, started_at) VALUES ($1, $2, $3)`,
		run.ID, run.SyncType, run.StartedAt)
	return errors.Wrapf(err, "start run %s", run.ID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, run models.AggregationRun) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE aggregation_runs SET completed_at = $2, success = $3, users_processed = $4,
    metrics_updated = $5, duration_ms = $6, error_message = $7
WHERE id = $1`,
		run.ID, run.CompletedAt, run.Success, run.UsersProcessed, run.MetricsUpdated, run.DurationMs, run.ErrorMessage)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", run.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestRun(ctx context.Context) (models.AggregationRun, error) {
	var (
		run       models.AggregationRun
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, sync_type, started_at, completed_at, success, users_processed, metrics_updated, duration_ms, error_message
FROM aggregation_runs ORDER BY started_at DESC LIMIT 1`).Scan(
		&run.ID, &run.SyncType, &run.StartedAt, &completed, &run.Success,
		&run.UsersProcessed, &run.MetricsUpdated, &run.DurationMs, &run.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AggregationRun{}, ErrNotFound
	}
	if err != nil {
		return models.AggregationRun{}, errors.Wrap(err, "latest run")
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return run, nil
}
