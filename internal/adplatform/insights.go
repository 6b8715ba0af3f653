// Package adplatform reads daily campaign insights from the ad platform's
// Graph-style REST API.
package adplatform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/utils"
)

var ErrNoToken = errors.New("ad platform access token missing")

// ErrPageLimit means more pages remained than Options.MaxPages allows.
var ErrPageLimit = errors.New("insights page limit reached")

const insightFields = "campaign_id,campaign_name,account_id,spend,impressions,clicks,reach,date_start,date_stop"

// InsightsRequest asks for one account's campaigns over an inclusive day range.
type InsightsRequest struct {
	AccountID   string
	CampaignIDs []string
	From        time.Time
	To          time.Time
}

// Insight is one campaign-day row.
type Insight struct {
	Date         time.Time
	AccountID    string
	CampaignID   string
	CampaignName string
	Spend        decimal.Decimal
	Impressions  int64
	Clicks       int64
	Reach        int64
}

// Source is what the sync engine needs from the platform.
type Source interface {
	FetchInsights(ctx context.Context, token string, req InsightsRequest) ([]Insight, error)
}

type Client struct {
	http     utils.HTTPClient
	baseURL  string
	backoff  utils.Backoff
	maxPages int
	log      log.FieldLogger
}

type Options struct {
	MaxRetries int
	RetryBase  time.Duration
	MaxPages   int
	Logger     log.FieldLogger
}

func NewClient(c utils.HTTPClient, baseURL string, opts Options) *Client {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Client{
		http:     c,
		baseURL:  strings.TrimRight(baseURL, "/"),
		backoff:  utils.NewBackoff(opts.RetryBase, opts.MaxRetries),
		maxPages: opts.MaxPages,
		log:      opts.Logger.WithField("component", "adplatform"),
	}
}

// WithBackoff replaces the retry policy.
func (c *Client) WithBackoff(b utils.Backoff) *Client {
	c.backoff = b
	return c
}

type insightRow struct {
	AccountID    string `json:"account_id"`
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	Spend        string `json:"spend"`
	Impressions  string `json:"impressions"`
	Clicks       string `json:"clicks"`
	Reach        string `json:"reach"`
	DateStart    string `json:"date_start"`
}

type insightsPage struct {
	Data   []insightRow `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchInsights pulls every page for the request. Rate limits and 5xx are
// retried per page; anything else aborts the request.
func (c *Client) FetchInsights(ctx context.Context, token string, req InsightsRequest) ([]Insight, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	if len(req.CampaignIDs) == 0 {
		return nil, nil
	}
	next, err := c.firstPage(req)
	if err != nil {
		return nil, err
	}

	var out []Insight
	for page := 0; next != ""; page++ {
		if page >= c.maxPages {
			return out, errors.Wrapf(ErrPageLimit, "%s after %d pages", req.AccountID, page)
		}
		var p insightsPage
		err := utils.GetJSONWithRetry(ctx, c.http, c.backoff, bearer(next, token), &p)
		if err != nil {
			return out, errors.Wrapf(err, "insights for %s", req.AccountID)
		}
		for _, r := range p.Data {
			in, err := r.toInsight()
			if err != nil {
				c.log.WithError(err).WithField("campaign_id", r.CampaignID).Warn("skipping malformed insight row")
				continue
			}
			if in.AccountID == "" {
				in.AccountID = AccountPath(req.AccountID)
			}
			out = append(out, in)
		}
		next = p.Paging.Next
	}
	return out, nil
}

func (c *Client) firstPage(req InsightsRequest) (string, error) {
	filter, err := json.Marshal([]map[string]interface{}{{
		"field":    "campaign.id",
		"operator": "IN",
		"value":    req.CampaignIDs,
	}})
	if err != nil {
		return "", errors.Wrap(err, "encode filtering")
	}
	timeRange, err := json.Marshal(map[string]string{
		"since": req.From.Format(models.DateLayout),
		"until": req.To.Format(models.DateLayout),
	})
	if err != nil {
		return "", errors.Wrap(err, "encode time range")
	}
	q := url.Values{
		"fields":         {insightFields},
		"level":          {"campaign"},
		"time_increment": {"1"},
		"time_range":     {string(timeRange)},
		"filtering":      {string(filter)},
		"limit":          {"500"},
	}
	return c.baseURL + "/" + AccountPath(req.AccountID) + "/insights?" + q.Encode(), nil
}

func bearer(u, token string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// AccountPath returns the "act_"-prefixed path segment for an account id.
func AccountPath(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "act_") {
		return id
	}
	return "act_" + id
}

func (r insightRow) toInsight() (Insight, error) {
	d, err := models.ParseDay(r.DateStart)
	if err != nil {
		return Insight{}, errors.Wrap(err, "date_start")
	}
	spend := decimal.Zero
	if r.Spend != "" {
		if spend, err = decimal.NewFromString(r.Spend); err != nil {
			return Insight{}, errors.Wrap(err, "spend")
		}
	}
	in := Insight{
		Date:         d,
		CampaignID:   r.CampaignID,
		CampaignName: r.CampaignName,
		Spend:        spend,
		Impressions:  parseCount(r.Impressions),
		Clicks:       parseCount(r.Clicks),
		Reach:        parseCount(r.Reach),
	}
	if r.AccountID != "" {
		in.AccountID = AccountPath(r.AccountID)
	}
	return in, nil
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
