package attribution

import (
	"context"
	"strings"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

// Query is everything a caller knows about the touch being attributed.
type Query struct {
	Source      string
	Medium      string
	Campaign    string
	AdAccountID string
	// Funnel narrows DB mappings to one product. Empty or unknown matches any.
	Funnel models.FunnelType
	// UserID is the user the record is being synced or viewed for.
	UserID string
}

type Result struct {
	Team       string            `json:"team"`
	MatchedVia models.MatchedVia `json:"matched_via"`
	UserID     string            `json:"user_id,omitempty"`
}

// rule is one tier of the fallback chain. ok=false passes to the next rule.
type rule interface {
	name() models.MatchedVia
	match(ctx context.Context, r *Resolver, q Query) (Result, bool)
}

// field selects which part of the UTM a pattern looks at.
type field int

const (
	fieldSource field = iota
	fieldMedium
	fieldCampaign
)

type pattern struct {
	team  string
	field field
	token string
}

// DefaultPatterns are the team aliases known from ad naming conventions.
// Earlier entries win.
var DefaultPatterns = []pattern{
	{"Kenesary", fieldSource, "kenesary"},
	{"Kenesary", fieldSource, "kenji"},
	{"Kenesary", fieldSource, "tripwire"},
	{"Kenesary", fieldSource, "nutcab"},
	{"Kenesary", fieldSource, "kab3"},
	{"Kenesary", fieldSource, "1day"},
	{"Kenesary", fieldSource, "pb_agency"},
	{"Arystan", fieldSource, "arystan"},
	{"Arystan", fieldSource, "ar_"},
	{"Arystan", fieldSource, "ast_"},
	{"Arystan", fieldSource, "rm almaty"},
	{"Arystan", fieldSource, "rm_almaty"},
	{"Muha", fieldSource, "onai"},
	{"Muha", fieldSource, "on ai"},
	{"Muha", fieldSource, "запуск"},
	{"Muha", fieldSource, "muha"},
	{"Muha", fieldMedium, "yourmarketolog"},
	{"Traf4", fieldSource, "alex"},
	{"Traf4", fieldSource, "traf4"},
	{"Traf4", fieldSource, "proftest"},
	{"Traf4", fieldCampaign, "alex"},
	{"Traf4", fieldCampaign, "proftest"},
}

func (p pattern) matches(q Query) bool {
	var v string
	switch p.field {
	case fieldSource:
		v = q.Source
	case fieldMedium:
		v = q.Medium
	case fieldCampaign:
		v = q.Campaign
	}
	return v != "" && strings.Contains(strings.ToLower(v), p.token)
}

// mappingRule covers admin-managed sources first, then static patterns.
type mappingRule struct{}

func (mappingRule) name() models.MatchedVia { return models.MatchedUTMMapping }

func (mappingRule) match(ctx context.Context, r *Resolver, q Query) (Result, bool) {
	if q.Source == "" {
		return Result{}, false
	}
	mappings, err := r.activeMappings(ctx)
	if err != nil {
		r.log.WithError(err).Warn("utm mappings unavailable, skipping db tier")
		return Result{}, false
	}
	src, med := strings.ToLower(q.Source), strings.ToLower(q.Medium)
	for _, m := range mappings {
		if strings.ToLower(m.UTMSource) != src {
			continue
		}
		if m.UTMMedium != "" && strings.ToLower(m.UTMMedium) != med {
			continue
		}
		if q.Funnel != "" && q.Funnel != models.FunnelUnknown && m.FunnelType != q.Funnel {
			continue
		}
		team, ok := r.teamOf(ctx, m.UserID)
		if !ok {
			continue
		}
		return Result{Team: team, MatchedVia: models.MatchedUTMMapping, UserID: m.UserID}, true
	}
	return Result{}, false
}

type patternRule struct{ patterns []pattern }

func (patternRule) name() models.MatchedVia { return models.MatchedUTMPattern }

func (p patternRule) match(_ context.Context, _ *Resolver, q Query) (Result, bool) {
	for _, pt := range p.patterns {
		if pt.matches(q) {
			return Result{Team: pt.team, MatchedVia: models.MatchedUTMPattern}, true
		}
	}
	return Result{}, false
}

type adAccountRule struct{}

func (adAccountRule) name() models.MatchedVia { return models.MatchedAdAccount }

func (adAccountRule) match(ctx context.Context, r *Resolver, q Query) (Result, bool) {
	if q.AdAccountID == "" {
		return Result{}, false
	}
	id := NormalizeAccountID(q.AdAccountID)
	if mappings, err := r.activeMappings(ctx); err == nil {
		for _, m := range mappings {
			if m.AdAccountID == "" || NormalizeAccountID(m.AdAccountID) != id {
				continue
			}
			if team, ok := r.teamOf(ctx, m.UserID); ok {
				return Result{Team: team, MatchedVia: models.MatchedAdAccount, UserID: m.UserID}, true
			}
		}
	}
	if team, ok := r.accountTeams[id]; ok {
		return Result{Team: team, MatchedVia: models.MatchedAdAccount}, true
	}
	return Result{}, false
}

type userDefaultRule struct{}

func (userDefaultRule) name() models.MatchedVia { return models.MatchedUserDefault }

func (userDefaultRule) match(ctx context.Context, r *Resolver, q Query) (Result, bool) {
	if q.UserID == "" {
		return Result{}, false
	}
	team, ok := r.teamOf(ctx, q.UserID)
	if !ok {
		return Result{}, false
	}
	return Result{Team: team, MatchedVia: models.MatchedUserDefault, UserID: q.UserID}, true
}

// NormalizeAccountID strips the "act_" prefix the ad platform puts on account ids.
func NormalizeAccountID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "act_")
}
