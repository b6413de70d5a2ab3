package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediajobs/internal/domain"
	"mediajobs/internal/jobs"
	"mediajobs/internal/middleware"
	"mediajobs/internal/storage"
	"mediajobs/pkg/zip"
)

type createJobRequest struct {
	SessionID  string         `json:"sessionId"`
	ModelID    string         `json:"modelId"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
}

type jobResponse struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"sessionId"`
	OwnerID    string            `json:"ownerId,omitempty"`
	ModelID    string            `json:"modelId"`
	Prompt     string            `json:"prompt"`
	Status     domain.JobStatus  `json:"status"`
	Parameters domain.Parameters `json:"parameters"`
	Outputs    []domain.Output   `json:"outputs"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type pageResponse struct {
	Data       []jobResponse `json:"data"`
	NextCursor *string       `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
}

type reconcileResponse struct {
	Outcome jobs.Outcome `json:"outcome"`
	Job     *jobResponse `json:"job,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	outputs := job.Outputs
	if outputs == nil {
		outputs = []domain.Output{}
	}
	params := job.Parameters
	if params == nil {
		params = domain.Parameters{}
	}
	return jobResponse{
		ID:         job.ID,
		SessionID:  job.SessionID,
		OwnerID:    job.OwnerID,
		ModelID:    job.ModelID,
		Prompt:     job.Prompt,
		Status:     job.Status,
		Parameters: params,
		Outputs:    outputs,
		Error:      job.ErrorMessage(),
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func toReconcileResponse(res jobs.Result) reconcileResponse {
	out := reconcileResponse{Outcome: res.Outcome}
	if res.Job != nil {
		view := toJobResponse(res.Job)
		out.Job = &view
	}
	return out
}

// CreateJob persists and dispatches a job. It answers 202 with whatever state
// the job reached within the submit budget.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Dispatcher.Create(r.Context(), jobs.CreateRequest{
		SessionID:  req.SessionID,
		OwnerID:    middleware.OwnerIDFromContext(r.Context()),
		ModelID:    req.ModelID,
		Prompt:     req.Prompt,
		Parameters: req.Parameters,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// ListJobs serves one feed page. Unusable limits fall back to the default.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := a.Feed.List(r.Context(), q.Get("sessionId"), q.Get("cursor"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := pageResponse{Data: make([]jobResponse, 0, len(page.Data)), HasMore: page.HasMore}
	for i := range page.Data {
		out.Data = append(out.Data, toJobResponse(&page.Data[i]))
	}
	if page.NextCursor != "" {
		next := page.NextCursor
		out.NextCursor = &next
	}
	a.json(w, http.StatusOK, out)
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

// ResyncJob pulls the provider's current state and reconciles it.
func (a *App) ResyncJob(w http.ResponseWriter, r *http.Request) {
	res, err := a.Reconciler.Resync(r.Context(), chi.URLParam(r, "id"), jobs.TriggerResync)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toReconcileResponse(res))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Dispatcher.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Dispatcher.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobArchive zips the stored outputs of a completed job. Outputs that kept a
// provider reference are not in local storage and are left out.
func (a *App) JobArchive(w http.ResponseWriter, r *http.Request) {
	job, err := a.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		a.error(w, http.StatusConflict, "not_completed", "job has no outputs yet")
		return
	}
	assets := make([]zip.Asset, 0, len(job.Outputs))
	for _, out := range job.Outputs {
		key, ok := a.Transfer.KeyFromURL(out.FileRef)
		if !ok {
			continue
		}
		data, err := a.Files.Read(r.Context(), key)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Str("key", key).Msg("archive: output unreadable")
			continue
		}
		mime := out.MIME
		if mime == "" {
			mime = storage.MIMEForExtension(key)
		}
		assets = append(assets, zip.Asset{
			Filename: path.Base(key),
			MIME:     mime,
			Data:     data,
			Modified: out.CreatedAt,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no stored outputs")
		return
	}
	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
