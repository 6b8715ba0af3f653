// Package ingest turns CRM webhook deliveries into lead and sale facts.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/crm"
	"github.com/AngelCh415/adspend-attribution/internal/dedup"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
	"github.com/AngelCh415/adspend-attribution/internal/telemetry"
)

const (
	EndpointLeads = "leads"
	EndpointSales = "sales"

	leadKeyPrefix = "challenge3d_lead"
	saleKeyPrefix = "crm_sale"
)

// TeamResolver is the attribution call the gate makes per record.
type TeamResolver interface {
	ResolveTeam(ctx context.Context, q attribution.Query) attribution.Result
}

type FactStore interface {
	store.LeadStore
	store.SaleStore
}

type Options struct {
	AcceptedPipelineIDs   []int64
	SalePipelineIDs       []int64
	PrepaymentPipelineIDs []int64
	SuccessStatusID       int64
	Currency              string
	Products              map[int64]models.FunnelType
}

// Response is always sent with HTTP 200 so the CRM never retries.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	DedupKey      string `json:"webhook_id,omitempty"`
	LeadsReceived int    `json:"leads_received"`
	LeadsSaved    int    `json:"leads_saved"`
	LeadsSkipped  int    `json:"leads_skipped"`
	DurationMs    int64  `json:"duration_ms"`
}

type Gate struct {
	facts      FactStore
	dedup      dedup.Store
	classifier *Classifier
	resolver   TeamResolver
	recoverer  crm.Recoverer

	accepted      map[int64]struct{}
	salePipelines map[int64]struct{}
	prepayment    map[int64]struct{}
	successStatus int64
	currency      string

	now func() time.Time
	log log.FieldLogger
}

func NewGate(facts FactStore, d dedup.Store, resolver TeamResolver, recoverer crm.Recoverer, opts Options, logger log.FieldLogger) *Gate {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Currency == "" {
		opts.Currency = "KZT"
	}
	return &Gate{
		facts:         facts,
		dedup:         d,
		classifier:    NewClassifier(opts.Products),
		resolver:      resolver,
		recoverer:     recoverer,
		accepted:      toSet(opts.AcceptedPipelineIDs),
		salePipelines: toSet(opts.SalePipelineIDs),
		prepayment:    toSet(opts.PrepaymentPipelineIDs),
		successStatus: opts.SuccessStatusID,
		currency:      opts.Currency,
		now:           time.Now,
		log:           logger.WithField("component", "ingest"),
	}
}

// WithClock replaces the clock used for dedup buckets and receive times.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Classifier() *Classifier { return g.classifier }

// admit parses the body and claims its dedup key. A non-nil response means
// the request is finished.
func (g *Gate) admit(ctx context.Context, endpoint, prefix string, body []byte, started time.Time) (crm.Payload, string, *Response) {
	p, err := crm.ParsePayload(body)
	if err != nil {
		g.log.WithError(err).WithField("endpoint", endpoint).Warn("webhook payload rejected")
		telemetry.WebhookRequests.WithLabelValues(endpoint, "invalid").Inc()
		return p, "", &Response{Success: false, Error: "JSON parse error", DurationMs: since(g.now, started)}
	}

	key := dedup.Key(prefix, p.IDs(), g.now())
	fresh, err := g.dedup.Claim(ctx, key)
	if err != nil {
		// fail open, upserts make reprocessing harmless
		g.log.WithError(err).WithField("dedup_key", key).Warn("dedup store unavailable, processing anyway")
		fresh = true
	}
	if !fresh {
		g.log.WithField("dedup_key", key).Info("duplicate webhook ignored")
		telemetry.WebhookRequests.WithLabelValues(endpoint, "duplicate").Inc()
		return p, key, &Response{Success: true, Message: "Duplicate webhook", DedupKey: key, DurationMs: since(g.now, started)}
	}

	if len(p.Records()) == 0 {
		telemetry.WebhookRequests.WithLabelValues(endpoint, "empty").Inc()
		return p, key, &Response{Success: false, Error: "No leads found", DedupKey: key, DurationMs: since(g.now, started)}
	}
	return p, key, nil
}

// HandleLeads processes one lead status webhook.
func (g *Gate) HandleLeads(ctx context.Context, body []byte) Response {
	started := g.now()
	p, key, done := g.admit(ctx, EndpointLeads, leadKeyPrefix, body, started)
	if done != nil {
		return *done
	}

	resp := Response{Success: true, DedupKey: key, LeadsReceived: len(p.Records())}
	for _, d := range p.Records() {
		entry := g.log.WithFields(log.Fields{"deal_id": int64(d.ID), "pipeline_id": int64(d.PipelineID)})
		if _, ok := g.accepted[int64(d.PipelineID)]; !ok {
			entry.Debug("pipeline not accepted, skipping")
			resp.LeadsSkipped++
			telemetry.WebhookRecords.WithLabelValues(EndpointLeads, "skipped").Inc()
			continue
		}
		lead := g.buildLead(ctx, d, key)
		if err := g.facts.UpsertLead(ctx, lead); err != nil {
			entry.WithError(err).Error("lead upsert failed")
			resp.LeadsSkipped++
			telemetry.WebhookRecords.WithLabelValues(EndpointLeads, "failed").Inc()
			continue
		}
		entry.WithFields(log.Fields{"funnel": lead.FunnelType, "team": lead.Team, "matched_via": lead.MatchedVia}).Info("lead saved")
		resp.LeadsSaved++
		telemetry.WebhookRecords.WithLabelValues(EndpointLeads, "saved").Inc()
	}
	resp.DurationMs = since(g.now, started)
	telemetry.WebhookRequests.WithLabelValues(EndpointLeads, "ok").Inc()
	return resp
}

func (g *Gate) buildLead(ctx context.Context, d crm.Deal, key string) models.Lead {
	current := crm.ExtractUTM(d.CustomFieldsValues)
	funnel := g.classifier.Classify(int64(d.PipelineID), current)
	orig := g.recover(ctx, d)
	res := g.resolver.ResolveTeam(ctx, attribution.Query{
		Source:   orig.UTM.Source,
		Medium:   orig.UTM.Medium,
		Campaign: orig.UTM.Campaign,
		Funnel:   funnel,
	})

	phone := crm.ExtractPhone(d)
	if phone == "" {
		phone = orig.Phone
	}
	now := g.now().UTC()
	created := d.Created()
	if created.IsZero() {
		created = now
	}
	return models.Lead{
		ExternalID:        int64(d.ID),
		PipelineID:        int64(d.PipelineID),
		StatusID:          int64(d.StatusID),
		FunnelType:        funnel,
		UTM:               current,
		OriginalUTM:       orig.UTM,
		AttributionSource: orig.Source,
		Team:              res.Team,
		MatchedVia:        res.MatchedVia,
		DedupKey:          key,
		CustomerName:      d.Name,
		Phone:             phone,
		CreatedAt:         created,
		ReceivedAt:        now,
	}
}

// HandleSales turns paid status changes into SaleRecords.
func (g *Gate) HandleSales(ctx context.Context, body []byte) Response {
	started := g.now()
	p, key, done := g.admit(ctx, EndpointSales, saleKeyPrefix, body, started)
	if done != nil {
		return *done
	}

	resp := Response{Success: true, DedupKey: key, LeadsReceived: len(p.Records())}
	for _, d := range p.Records() {
		entry := g.log.WithFields(log.Fields{"deal_id": int64(d.ID), "pipeline_id": int64(d.PipelineID), "status_id": int64(d.StatusID)})
		sale, err := g.buildSale(ctx, d)
		if err != nil {
			entry.WithError(err).Debug("not a sale, skipping")
			resp.LeadsSkipped++
			telemetry.WebhookRecords.WithLabelValues(EndpointSales, "skipped").Inc()
			continue
		}
		if err := g.facts.UpsertSale(ctx, sale); err != nil {
			entry.WithError(err).Error("sale upsert failed")
			resp.LeadsSkipped++
			telemetry.WebhookRecords.WithLabelValues(EndpointSales, "failed").Inc()
			continue
		}
		entry.WithFields(log.Fields{"product": sale.Product, "sale_type": sale.SaleType, "team": sale.Team}).Info("sale saved")
		resp.LeadsSaved++
		telemetry.WebhookRecords.WithLabelValues(EndpointSales, "saved").Inc()
	}
	resp.DurationMs = since(g.now, started)
	telemetry.WebhookRequests.WithLabelValues(EndpointSales, "ok").Inc()
	return resp
}

var errNotASale = errors.New("record is not a sale")

func (g *Gate) buildSale(ctx context.Context, d crm.Deal) (models.SaleRecord, error) {
	pipeline := int64(d.PipelineID)
	if _, ok := g.salePipelines[pipeline]; !ok {
		return models.SaleRecord{}, errors.Wrapf(errNotASale, "pipeline %d", pipeline)
	}
	current := crm.ExtractUTM(d.CustomFieldsValues)
	product := g.classifier.Classify(pipeline, current)

	var saleType models.SaleType
	_, prepay := g.prepayment[pipeline]
	switch {
	case int64(d.StatusID) == g.successStatus && product == models.FunnelChallenge3D:
		saleType = models.SaleFullPayment
	case int64(d.StatusID) == g.successStatus:
		saleType = models.SaleFlat
	case prepay:
		saleType = models.SalePrepayment
	default:
		return models.SaleRecord{}, errors.Wrapf(errNotASale, "status %d", int64(d.StatusID))
	}

	orig := g.recover(ctx, d)
	res := g.resolver.ResolveTeam(ctx, attribution.Query{
		Source:   orig.UTM.Source,
		Medium:   orig.UTM.Medium,
		Campaign: orig.UTM.Campaign,
		Funnel:   product,
	})
	now := g.now().UTC()
	saleDate := d.Closed()
	if saleDate.IsZero() {
		saleDate = now
	}
	return models.SaleRecord{
		ExternalID:  int64(d.ID),
		PipelineID:  pipeline,
		StatusID:    int64(d.StatusID),
		Product:     product,
		SaleType:    saleType,
		Amount:      d.Amount(),
		Currency:    g.currency,
		UTM:         current,
		OriginalUTM: orig.UTM,
		Team:        res.Team,
		MatchedVia:  res.MatchedVia,
		SaleDate:    saleDate,
		ReceivedAt:  now,
	}, nil
}

func (g *Gate) recover(ctx context.Context, d crm.Deal) crm.Attribution {
	if g.recoverer == nil {
		utm := crm.ExtractUTM(d.CustomFieldsValues)
		if utm.Complete() {
			return crm.Attribution{UTM: utm, Source: crm.SourceCurrentDeal}
		}
		return crm.Attribution{UTM: models.UTM{Source: "unknown"}, Source: crm.SourceFallback}
	}
	return g.recoverer.RecoverOriginalUTM(ctx, d)
}

func toSet(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func since(now func() time.Time, started time.Time) int64 {
	return now().Sub(started).Milliseconds()
}
