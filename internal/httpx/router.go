package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/ingest"
	"github.com/AngelCh415/adspend-attribution/internal/metrics"
	"github.com/AngelCh415/adspend-attribution/internal/spendsync"
	"github.com/AngelCh415/adspend-attribution/internal/utils"
)

type Deps struct {
	Logger      log.FieldLogger
	Gate        *ingest.Gate
	Sync        *spendsync.Engine
	Aggregator  *metrics.Engine
	Snapshots   *metrics.Service
	Resolver    *attribution.Resolver
	PipelineIDs []int64
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

type router struct {
	Deps
	log log.FieldLogger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	rt := &router{Deps: d, log: d.Logger.WithField("component", "http")}

	mux := chi.NewRouter()
	mux.Use(utils.RequestID)
	mux.Use(utils.Logger(d.Logger))
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", rt.health)
	mux.Get("/readyz", rt.ready)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/webhooks/crm", func(r chi.Router) {
		r.Post("/leads", rt.webhook(d.Gate.HandleLeads))
		r.Post("/sales", rt.webhook(d.Gate.HandleSales))
	})

	mux.Post("/sync/run", rt.syncAll)
	mux.Post("/sync/users/{userID}", rt.syncUser)

	mux.Post("/aggregation/run", rt.aggregateAll)
	mux.Post("/aggregation/users/{userID}", rt.aggregateUser)
	mux.Get("/aggregation/runs/latest", rt.latestRun)

	mux.Get("/snapshots", rt.listSnapshots)
	mux.Get("/snapshots/{userID}/{period}", rt.getSnapshot)

	mux.Route("/attribution", func(r chi.Router) {
		r.Get("/resolve", rt.resolve)
		r.Get("/users/{userID}/rules", rt.userRules)
		r.Put("/users/{userID}/funnels", rt.updateFunnels)
		r.Post("/sources", rt.addSource)
		r.Post("/cache/invalidate", rt.invalidateCache)
	})

	return mux
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"pipeline_ids": rt.PipelineIDs,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (rt *router) ready(w http.ResponseWriter, r *http.Request) {
	if rt.Ready != nil {
		if err := rt.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
