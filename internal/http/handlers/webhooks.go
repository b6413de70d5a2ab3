package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediajobs/internal/jobs"
	"mediajobs/internal/providers"
)

type webhookResponse struct {
	Outcome   jobs.Outcome `json:"outcome,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// ProviderWebhook applies a provider push. The signature was verified by
// middleware; deliveries are deduplicated on the provider's idempotency key
// and the claim is released again when reconciliation fails so the provider
// can retry.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	hook, err := providers.DecodeWebhook(body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	job, err := a.Repo.Get(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if handle := job.ProviderJobID(); handle != "" && hook.ProviderJobID != "" && handle != hook.ProviderJobID {
		a.error(w, http.StatusConflict, "handle_mismatch", "delivery belongs to another provider request")
		return
	}

	provider := job.ModelID
	if adapter, err := a.Registry.Lookup(job.ModelID); err == nil {
		provider = adapter.Name()
	}
	log := a.Logger.With().Str("job_id", jobID).Str("provider", provider).Logger()

	first, err := a.Ledger.Claim(r.Context(), provider, hook.IdempotencyKey)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !first {
		a.Metrics.WebhookDuplicate.Inc()
		log.Debug().Str("idempotency_key", hook.IdempotencyKey).Msg("webhook: duplicate delivery")
		a.json(w, http.StatusOK, webhookResponse{Duplicate: true})
		return
	}

	res, err := a.Reconciler.Reconcile(r.Context(), jobID, hook.Result, jobs.TriggerWebhook)
	if err != nil {
		if rerr := a.Ledger.Release(context.WithoutCancel(r.Context()), provider, hook.IdempotencyKey); rerr != nil {
			log.Warn().Err(rerr).Msg("webhook: release delivery claim")
		}
		a.fail(w, r, err)
		return
	}
	log.Info().Str("outcome", string(res.Outcome)).Msg("webhook: applied")
	a.json(w, http.StatusOK, webhookResponse{Outcome: res.Outcome})
}

// ContinueJob is the dispatch-continuation entry point for trusted callers.
func (a *App) ContinueJob(w http.ResponseWriter, r *http.Request) {
	res, err := a.Dispatcher.Continue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toReconcileResponse(res))
}
