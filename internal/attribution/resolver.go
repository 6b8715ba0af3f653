// Package attribution assigns leads, sales and spend rows to the team that
// owns them, walking an ordered fallback chain of rules.
package attribution

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
	"github.com/AngelCh415/adspend-attribution/internal/telemetry"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidRule  = errors.New("invalid utm rule")
)

type MatchMode string

const (
	MatchSourceOnly      MatchMode = "source_only"
	MatchSourceAndMedium MatchMode = "source_and_medium"
)

// UserUtmRules is the per-user view used to decide whether a lead belongs to
// that user's dashboard.
type UserUtmRules struct {
	UserID    string    `json:"user_id"`
	Sources   []string  `json:"sources"`
	Medium    string    `json:"medium,omitempty"`
	MatchMode MatchMode `json:"match_mode"`
}

// Matches applies the rules to one touch. Sources compare case-insensitively.
func (u UserUtmRules) Matches(utm models.UTM) bool {
	if utm.Source == "" {
		return false
	}
	hit := false
	for _, s := range u.Sources {
		if strings.EqualFold(s, utm.Source) {
			hit = true
			break
		}
	}
	if u.MatchMode == MatchSourceOnly || u.Medium == "" {
		return hit
	}
	return hit && strings.EqualFold(u.Medium, utm.Medium)
}

// Store is the slice of persistence the resolver reads and writes.
type Store interface {
	store.MappingStore
	store.UserStore
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

const keyAllMappings = "mappings:all"

type Resolver struct {
	st           Store
	rules        []rule
	cache        *lru.Cache
	ttl          time.Duration
	accountTeams map[string]string
	now          func() time.Time
	log          log.FieldLogger
}

type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	// AccountTeams maps ad account ids (with or without "act_") to team labels.
	AccountTeams map[string]string
	Patterns     []pattern
	Logger       log.FieldLogger
}

func NewResolver(st Store, opts Options) (*Resolver, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Patterns == nil {
		opts.Patterns = DefaultPatterns
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create attribution cache")
	}
	teams := make(map[string]string, len(opts.AccountTeams))
	for id, team := range opts.AccountTeams {
		teams[NormalizeAccountID(id)] = team
	}
	return &Resolver{
		st: st,
		rules: []rule{
			mappingRule{},
			patternRule{patterns: opts.Patterns},
			adAccountRule{},
			userDefaultRule{},
		},
		cache:        cache,
		ttl:          opts.CacheTTL,
		accountTeams: teams,
		now:          time.Now,
		log:          opts.Logger.WithField("component", "attribution"),
	}, nil
}

// WithClock replaces the cache clock.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// ResolveTeam walks the rules in order and never fails: with no match the
// result is the Unassigned sentinel.
func (r *Resolver) ResolveTeam(ctx context.Context, q Query) Result {
	for _, rl := range r.rules {
		if res, ok := rl.match(ctx, r, q); ok {
			telemetry.AttributionResults.WithLabelValues(string(rl.name())).Inc()
			return res
		}
	}
	telemetry.AttributionResults.WithLabelValues(string(models.MatchedNone)).Inc()
	return Result{Team: models.Unassigned, MatchedVia: models.MatchedNone}
}

func (r *Resolver) ResolveUserUtmRules(ctx context.Context, userID string) (UserUtmRules, error) {
	key := "rules:" + userID
	if v, ok := r.cached(key); ok {
		return v.(UserUtmRules), nil
	}
	if _, err := r.user(ctx, userID); err != nil {
		return UserUtmRules{}, err
	}
	mappings, err := r.st.ListUserMappings(ctx, userID)
	if err != nil {
		return UserUtmRules{}, errors.Wrapf(err, "list mappings for %s", userID)
	}
	out := UserUtmRules{UserID: userID, Sources: []string{}, MatchMode: MatchSourceOnly}
	for _, m := range mappings {
		out.Sources = append(out.Sources, m.UTMSource)
		if out.Medium == "" && m.UTMMedium != "" {
			out.Medium = m.UTMMedium
			out.MatchMode = MatchSourceAndMedium
		}
	}
	r.store(key, out)
	return out, nil
}

type AddSourceRequest struct {
	UserID      string            `json:"user_id"`
	UTMSource   string            `json:"utm_source"`
	UTMMedium   string            `json:"utm_medium,omitempty"`
	FunnelType  models.FunnelType `json:"funnel_type"`
	AdAccountID string            `json:"ad_account_id,omitempty"`
}

// AddUtmSource upserts on (utm_source, funnel_type). Cached reads may stay
// stale until the TTL passes or InvalidateCache is called.
func (r *Resolver) AddUtmSource(ctx context.Context, req AddSourceRequest) error {
	req.UTMSource = strings.ToLower(strings.TrimSpace(req.UTMSource))
	if req.UserID == "" || req.UTMSource == "" {
		return errors.Wrap(ErrInvalidRule, "user_id and utm_source are required")
	}
	if !req.FunnelType.Valid() || req.FunnelType == models.FunnelUnknown {
		return errors.Wrapf(ErrInvalidRule, "unsupported funnel %q", req.FunnelType)
	}
	if _, err := r.st.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return errors.Wrap(err, "load user")
	}
	err := r.st.UpsertMapping(ctx, models.UtmSourceMapping{
		UserID:      req.UserID,
		UTMSource:   req.UTMSource,
		UTMMedium:   strings.TrimSpace(req.UTMMedium),
		FunnelType:  req.FunnelType,
		AdAccountID: req.AdAccountID,
		IsActive:    true,
		UpdatedAt:   r.now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "upsert utm mapping")
	}
	r.log.WithFields(log.Fields{"user_id": req.UserID, "utm_source": req.UTMSource, "funnel": req.FunnelType}).Info("utm source added")
	return nil
}

func (r *Resolver) UpdateEnabledFunnels(ctx context.Context, userID string, funnels []models.FunnelType) error {
	for _, f := range funnels {
		if !f.Valid() || f == models.FunnelUnknown {
			return errors.Wrapf(ErrInvalidRule, "unsupported funnel %q", f)
		}
	}
	if err := r.st.UpdateEnabledFunnels(ctx, userID, funnels); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return errors.Wrap(err, "update enabled funnels")
	}
	r.log.WithFields(log.Fields{"user_id": userID, "funnels": funnels}).Info("enabled funnels updated")
	return nil
}

// InvalidateCache drops every cached mapping and user.
func (r *Resolver) InvalidateCache() {
	r.cache.Purge()
	r.log.Info("attribution cache invalidated")
}

func (r *Resolver) activeMappings(ctx context.Context) ([]models.UtmSourceMapping, error) {
	if v, ok := r.cached(keyAllMappings); ok {
		return v.([]models.UtmSourceMapping), nil
	}
	m, err := r.st.ListActiveMappings(ctx)
	if err != nil {
		return nil, err
	}
	r.store(keyAllMappings, m)
	return m, nil
}

func (r *Resolver) user(ctx context.Context, id string) (models.User, error) {
	key := "user:" + id
	if v, ok := r.cached(key); ok {
		return v.(models.User), nil
	}
	u, err := r.st.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, errors.Wrapf(err, "load user %s", id)
	}
	r.store(key, u)
	return u, nil
}

func (r *Resolver) teamOf(ctx context.Context, userID string) (string, bool) {
	u, err := r.user(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			r.log.WithError(err).WithField("user_id", userID).Warn("user lookup failed")
		}
		return "", false
	}
	return u.DisplayTeam(), true
}

func (r *Resolver) cached(key string) (interface{}, bool) {
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(cacheEntry)
	if r.now().After(e.expires) {
		r.cache.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (r *Resolver) store(key string, v interface{}) {
	r.cache.Add(key, cacheEntry{value: v, expires: r.now().Add(r.ttl)})
}
