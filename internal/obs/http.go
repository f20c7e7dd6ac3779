// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartHTTPServer exposes /metrics, /healthz, /readyz and the /health
// per-dependency aggregate described in SPEC_FULL.md §A.3. readiness is a
// callback returning nil when the process is ready to serve traffic.
func StartHTTPServer(cfg *config.Config, readiness func(context.Context) error, tracker *HealthTracker) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if tracker == nil {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{"overall": true, "deps": []any{}})
			return
		}
		overall, deps := tracker.Report(req.Context())
		status := http.StatusOK
		if !overall {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"overall": overall, "deps": deps})
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: r}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
