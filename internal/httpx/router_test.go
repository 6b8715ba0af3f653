package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/adspend-attribution/internal/adplatform"
	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/currency"
	"github.com/AngelCh415/adspend-attribution/internal/dedup"
	"github.com/AngelCh415/adspend-attribution/internal/ingest"
	"github.com/AngelCh415/adspend-attribution/internal/metrics"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/spendsync"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

type noSource struct{}

func (noSource) FetchInsights(context.Context, string, adplatform.InsightsRequest) ([]adplatform.Insight, error) {
	return nil, nil
}

func newServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertUser(ctx, models.User{ID: "u1", TeamName: "Kenesary", IsActive: true}))
	require.NoError(t, st.UpsertRate(ctx, models.ExchangeRate{Date: time.Now().UTC(), USDToLocal: decimal.NewFromInt(500)}))

	res, err := attribution.NewResolver(st, attribution.Options{})
	require.NoError(t, err)
	rates := currency.NewService(st)
	gate := ingest.NewGate(st, dedup.NewMemory(5*time.Minute), res, nil, ingest.Options{
		AcceptedPipelineIDs: []int64{9777626},
		Products:            map[int64]models.FunnelType{9777626: models.FunnelChallenge3D},
	}, nil)
	agg := metrics.NewEngine(st, rates, time.UTC, nil)
	sync := spendsync.NewEngine(st, noSource{}, spendsync.StaticToken("tok"), res, rates, nil, spendsync.Options{})

	h := NewRouter(Deps{
		Gate:        gate,
		Sync:        sync,
		Aggregator:  agg,
		Snapshots:   metrics.NewService(st),
		Resolver:    res,
		PipelineIDs: []int64{9777626},
		Ready:       func(context.Context) error { return nil },
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, []interface{}{float64(9777626)}, body["pipeline_ids"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestWebhookAlways200(t *testing.T) {
	srv, st := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/webhooks/crm/leads", "{broken")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "JSON parse error", body["error"])

	payload := `{"leads":{"status":[{"id":42,"pipeline_id":9777626,"status_id":1,
		"custom_fields_values":[{"field_id":434731,"values":[{"value":"kenji"}]}]}]}}`
	resp, body = do(t, http.MethodPost, srv.URL+"/webhooks/crm/leads", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["leads_saved"])

	resp, body = do(t, http.MethodPost, srv.URL+"/webhooks/crm/leads", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Duplicate webhook", body["message"])

	l, err := st.GetLead(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "Kenesary", l.Team)
}

func TestAttributionAdmin(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/attribution/sources",
		`{"user_id":"u1","utm_source":"FBNew","funnel_type":"express"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/attribution/sources",
		`{"user_id":"ghost","utm_source":"x","funnel_type":"express"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/attribution/sources",
		`{"user_id":"u1","utm_source":"x","funnel_type":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/attribution/users/u1/rules", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"fbnew"}, body["sources"])

	resp, body = do(t, http.MethodGet, srv.URL+"/attribution/resolve?utm_source=fbnew", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Kenesary", body["team"])
	assert.Equal(t, "utm_mapping", body["matched_via"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/attribution/users/u1/funnels", `{"funnels":["express","challenge3d"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, srv.URL+"/attribution/users/ghost/funnels", `{"funnels":["express"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/attribution/cache/invalidate", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "invalidated", body["status"])
}

func TestAggregationAndSnapshots(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/aggregation/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/aggregation/run", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(3), body["metrics_updated"])

	resp, body = do(t, http.MethodGet, srv.URL+"/snapshots/u1/7d", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Kenesary", body["team_name"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/snapshots/u1/1y", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/snapshots?period=today&limit=1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/aggregation/users/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/aggregation/runs/latest", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncTriggers(t *testing.T) {
	srv, _ := newServer(t)
	resp, body := do(t, http.MethodPost, srv.URL+"/sync/users/u1", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "u1", body["user_id"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/sync/run", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(errors.Wrap(store.ErrNotFound, "x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(metrics.ErrBadPeriod))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("boom")))
}
