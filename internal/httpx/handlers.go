package httpx

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/AngelCh415/adspend-attribution/internal/attribution"
	"github.com/AngelCh415/adspend-attribution/internal/ingest"
	"github.com/AngelCh415/adspend-attribution/internal/metrics"
	"github.com/AngelCh415/adspend-attribution/internal/models"
	"github.com/AngelCh415/adspend-attribution/internal/store"
)

const maxWebhookBody = 5 << 20

// webhook always answers 200 so the CRM never retries; failures travel in the body.
func (rt *router) webhook(handle func(ctx context.Context, body []byte) ingest.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			rt.log.WithError(err).Warn("webhook body read failed")
			writeJSON(w, http.StatusOK, ingest.Response{Success: false, Error: "read error"})
			return
		}
		writeJSON(w, http.StatusOK, handle(r.Context(), body))
	}
}

func (rt *router) syncAll(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := rt.Sync.SyncAll(ctx); err != nil {
			rt.log.WithError(err).Error("manual sync-all failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (rt *router) syncUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rt.Sync.Schedule(r.Context(), userID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "user_id": userID})
}

func (rt *router) aggregateAll(w http.ResponseWriter, r *http.Request) {
	run, err := rt.Aggregator.RunAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (rt *router) aggregateUser(w http.ResponseWriter, r *http.Request) {
	err := rt.Aggregator.AggregateUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := rt.Snapshots.LatestRun(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (rt *router) listSnapshots(w http.ResponseWriter, r *http.Request) {
	rows, err := rt.Snapshots.QuerySnapshots(r.Context(), r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (rt *router) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.Snapshots.Snapshot(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "period"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (rt *router) resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := rt.Resolver.ResolveTeam(r.Context(), attribution.Query{
		Source:      q.Get("utm_source"),
		Medium:      q.Get("utm_medium"),
		Campaign:    q.Get("utm_campaign"),
		AdAccountID: q.Get("ad_account_id"),
		Funnel:      models.FunnelType(q.Get("funnel")),
		UserID:      q.Get("user_id"),
	})
	writeJSON(w, http.StatusOK, res)
}

func (rt *router) userRules(w http.ResponseWriter, r *http.Request) {
	rules, err := rt.Resolver.ResolveUserUtmRules(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (rt *router) updateFunnels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Funnels []models.FunnelType `json:"funnels"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := rt.Resolver.UpdateEnabledFunnels(r.Context(), chi.URLParam(r, "userID"), body.Funnels); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *router) addSource(w http.ResponseWriter, r *http.Request) {
	var req attribution.AddSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := rt.Resolver.AddUtmSource(r.Context(), req); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (rt *router) invalidateCache(w http.ResponseWriter, r *http.Request) {
	rt.Resolver.InvalidateCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, attribution.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, attribution.ErrInvalidRule), errors.Is(err, metrics.ErrBadPeriod), errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
