package crm

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/utils"
)

// Where an original UTM came from.
const (
	SourceCurrentDeal = "current_deal"
	SourceRelatedDeal = "related_deal"
	SourceFallback    = "fallback"
)

type Attribution struct {
	UTM           models.UTM
	Source        string
	RelatedDealID int64
	Phone         string
}

// Recoverer finds the first-touch UTM for a deal whose current UTM may have
// been overwritten by a later touch.
type Recoverer interface {
	RecoverOriginalUTM(ctx context.Context, d Deal) Attribution
}

// DealFinder lists every deal linked to a phone number.
type DealFinder interface {
	FindDealsByPhone(ctx context.Context, phone string) ([]Deal, error)
}

// PhoneRecoverer prefers the deal's own UTM, then the earliest related deal
// with a usable source. Lookup failures degrade to the fallback result.
type PhoneRecoverer struct {
	finder DealFinder
	log    log.FieldLogger
}

func NewPhoneRecoverer(finder DealFinder, logger log.FieldLogger) *PhoneRecoverer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &PhoneRecoverer{finder: finder, log: logger.WithField("component", "crm")}
}

func (r *PhoneRecoverer) RecoverOriginalUTM(ctx context.Context, d Deal) Attribution {
	current := ExtractUTM(d.CustomFieldsValues)
	if current.Complete() {
		return Attribution{UTM: current, Source: SourceCurrentDeal}
	}
	phone := ExtractPhone(d)
	if phone == "" || r.finder == nil {
		return Attribution{UTM: models.UTM{Source: "unknown"}, Source: SourceFallback, Phone: phone}
	}
	related, err := r.finder.FindDealsByPhone(ctx, phone)
	if err != nil {
		r.log.WithError(err).WithField("deal_id", int64(d.ID)).Warn("related deal lookup failed")
		related = nil
	}
	sort.SliceStable(related, func(i, j int) bool { return related[i].CreatedAt < related[j].CreatedAt })
	for _, rd := range related {
		if rd.ID == d.ID {
			continue
		}
		if utm := ExtractUTM(rd.CustomFieldsValues); utm.Complete() {
			return Attribution{UTM: utm, Source: SourceRelatedDeal, RelatedDealID: int64(rd.ID), Phone: phone}
		}
	}
	fallback := models.UTM{Source: "unknown"}
	if len(related) > 0 {
		fallback.Campaign = phone
	}
	return Attribution{UTM: fallback, Source: SourceFallback, Phone: phone}
}

// Client talks to the CRM REST API.
type Client struct {
	http    utils.HTTPClient
	baseURL string
	token   string
	backoff utils.Backoff
}

func NewClient(c utils.HTTPClient, baseURL, token string) *Client {
	return &Client{
		http:    c,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		backoff: utils.NewBackoff(200*time.Millisecond, 2),
	}
}

type contactsResp struct {
	Embedded struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}

type leadsResp struct {
	Embedded struct {
		Leads []Deal `json:"leads"`
	} `json:"_embedded"`
}

func (c *Client) get(path string, q url.Values) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// FindDealsByPhone resolves contacts by phone, then loads their deals.
func (c *Client) FindDealsByPhone(ctx context.Context, phone string) ([]Deal, error) {
	var contacts contactsResp
	err := utils.GetJSONWithRetry(ctx, c.http, c.backoff,
		c.get("/api/v4/contacts", url.Values{"query": {digits(phone)}, "with": {"leads"}}), &contacts)
	if err != nil {
		return nil, errors.Wrap(err, "search contacts")
	}
	var ids []string
	for _, ct := range contacts.Embedded.Contacts {
		for _, l := range ct.Embedded.Leads {
			ids = append(ids, strconv.FormatInt(int64(l.ID), 10))
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var leads leadsResp
	err = utils.GetJSONWithRetry(ctx, c.http, c.backoff,
		c.get("/api/v4/leads", url.Values{"filter[id]": {strings.Join(ids, ",")}, "with": {"contacts"}}), &leads)
	if err != nil {
		return nil, errors.Wrap(err, "load related deals")
	}
	return leads.Embedded.Leads, nil
}
