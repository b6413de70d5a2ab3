package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/feed"
	"mediajobs/internal/jobs"
	"mediajobs/internal/metrics"
	"mediajobs/internal/middleware"
	"mediajobs/internal/providers"
	"mediajobs/internal/storage"
)

// App carries the engine components the HTTP handlers drive.
type App struct {
	Repo       domain.JobRepository
	Dispatcher *jobs.Dispatcher
	Reconciler *jobs.Reconciler
	Feed       *feed.Service
	Registry   *providers.Registry
	Ledger     domain.DeliveryLedger
	Events     domain.EventSubscriber
	Files      *storage.FileStore
	Transfer   *storage.Transferer
	Metrics    *metrics.Engine
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger

	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, codeStr, msg string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": codeStr, "message": msg},
	})
}

// fail maps engine errors onto HTTP responses. Unclassified errors are logged
// and reported as internal.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	if jobs.IsRetryable(err) {
		w.Header().Set("Retry-After", "15")
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnknownModel):
		a.error(w, http.StatusBadRequest, "unknown_model", err.Error())
	case errors.Is(err, domain.ErrNotTerminal):
		a.error(w, http.StatusConflict, "not_terminal", "job is still processing")
	case errors.Is(err, domain.ErrAlreadyTerminal):
		a.error(w, http.StatusConflict, "already_terminal", "job already finished")
	case errors.Is(err, domain.ErrCapability):
		a.error(w, http.StatusUnprocessableEntity, "unsupported", err.Error())
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "provider_failure", "provider did not answer")
	case errors.Is(err, context.DeadlineExceeded):
		a.error(w, http.StatusGatewayTimeout, "timeout", "provider did not answer in time")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
