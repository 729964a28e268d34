// Package http exposes the engine's operational surface: liveness, readiness
// (a real remote reachability probe, deliberately not sharing the engine's
// degrade-to-zero policy), a status snapshot, and Prometheus metrics. The
// surrounding application's user-facing HTTP lives elsewhere.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gapmodels "punchsync/internal/gapdetect/models"
	"punchsync/internal/poller"
	reconmodels "punchsync/internal/reconcile/models"
)

// RemoteProber reports whether the remote appliance is reachable at all.
type RemoteProber interface {
	Healthy(ctx context.Context) error
}

// StatusSources are the components the status endpoint snapshots.
type StatusSources struct {
	Reconciliation interface {
		Snapshot() ([]reconmodels.DailyReconciliation, time.Time)
	}
	Gaps interface {
		Snapshot() ([]gapmodels.AggregateGap, time.Time)
	}
	Poller *poller.Poller
}

type statusResponse struct {
	Days          []reconmodels.DailyReconciliation `json:"days"`
	LastReconcile time.Time                         `json:"last_reconcile"`
	Gaps          []gapmodels.AggregateGap          `json:"gaps"`
	LastDetect    time.Time                         `json:"last_detect"`
	Watermark     time.Time                         `json:"watermark"`
	Cycles        []poller.CycleRecord              `json:"cycles"`
}

// NewRouter wires the ops endpoints.
func NewRouter(remote RemoteProber, sources StatusSources) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if err := remote.Healthy(ctx); err != nil {
			http.Error(w, "remote unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		var resp statusResponse
		if sources.Reconciliation != nil {
			resp.Days, resp.LastReconcile = sources.Reconciliation.Snapshot()
		}
		if sources.Gaps != nil {
			resp.Gaps, resp.LastDetect = sources.Gaps.Snapshot()
		}
		if sources.Poller != nil {
			resp.Watermark = sources.Poller.Watermark()
			resp.Cycles = sources.Poller.History()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
