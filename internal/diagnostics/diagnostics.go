// Package diagnostics exposes the read-only operational HTTP surface over a
// Facade: liveness, Prometheus metrics, and a point-in-time status snapshot.
// It is an operations window onto the engine, not a management API — none
// of its routes mutate engine state.
package diagnostics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/vitaliisemenov/spsync/internal/domain"
	"github.com/vitaliisemenov/spsync/internal/facade"
)

// StatusSource is the subset of Facade the /status route depends on.
type StatusSource interface {
	EnsureConfig(ctx context.Context) (domain.LocalConfig, error)
	Status(ctx context.Context, cfg domain.LocalConfig, recentConflictsLimit int) (facade.StatusSnapshot, error)
}

const defaultRecentConflicts = 20

// NewRouter builds the diagnostics router over f.
//
// @title Sync Engine Diagnostics
// @version 1.0.0
// @description Read-only operational status for the offline sync engine.
// @BasePath /
func NewRouter(f StatusSource, logger *slog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler(logger)).Methods(http.MethodGet)
	router.HandleFunc("/status", statusHandler(f, logger)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
	return router
}

// healthzHandler reports liveness only; readiness (can the engine actually
// reach its store/remote) is covered by /status.
//
// @Summary Liveness check
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func healthzHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// statusHandler returns outbox depth, per-entity sync state, and recent
// conflicts.
//
// @Summary Engine status snapshot
// @Produce json
// @Success 200 {object} facade.StatusSnapshot
// @Failure 503 {object} map[string]string
// @Router /status [get]
func statusHandler(f StatusSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		cfg, err := f.EnsureConfig(ctx)
		if err != nil {
			writeJSON(w, logger, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		snapshot, err := f.Status(ctx, cfg, defaultRecentConflicts)
		if err != nil {
			writeJSON(w, logger, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, logger, http.StatusOK, snapshot)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("diagnostics: failed to encode response", "error", err)
	}
}
