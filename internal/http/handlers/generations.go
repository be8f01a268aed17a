package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"visualgen/internal/assets"
	"visualgen/internal/domain"
	"visualgen/internal/middleware"
)

func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := req.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "select at least one shot")
		return
	}
	job, err := a.Sessions.Start(r.Context(), req, nil)
	if err != nil {
		a.startError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, newJobView(middleware.LocaleFromContext(r.Context()), job))
}

func (a *App) startError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		subErr  *domain.JobSubmissionError
		execErr *domain.JobExecutionError
	)
	switch {
	case errors.Is(err, domain.ErrEmptyShotSelection):
		a.error(w, http.StatusBadRequest, "bad_request", "select at least one shot")
	case errors.Is(err, domain.ErrCancelled):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "gateway is shutting down")
	case errors.As(err, &subErr):
		a.log().Warn().Err(err).Str("stage", subErr.Stage).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("gateway: submit failed")
		a.error(w, http.StatusBadGateway, "upstream", "failed to create generation job")
	case errors.As(err, &execErr):
		a.log().Warn().Err(err).Str("job_id", execErr.JobID).Msg("gateway: execute failed")
		a.error(w, http.StatusBadGateway, "upstream", "failed to start generation")
	default:
		a.log().Error().Err(err).Msg("gateway: start generation")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
	}
}

func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Sessions.Get(jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, newJobView(middleware.LocaleFromContext(r.Context()), job))
}

// GenerationsWatch resumes tracking of a job started elsewhere.
func (a *App) GenerationsWatch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Sessions.Attach(r.Context(), jobID, nil)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCancelled):
			a.error(w, http.StatusServiceUnavailable, "unavailable", "gateway is shutting down")
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoPrompts):
			a.error(w, http.StatusNotFound, "not_found", "job not found")
		default:
			a.log().Warn().Err(err).Str("job_id", jobID).Msg("gateway: attach failed")
			a.error(w, http.StatusBadGateway, "upstream", "failed to load job")
		}
		return
	}
	a.json(w, http.StatusAccepted, newJobView(middleware.LocaleFromContext(r.Context()), job))
}

func (a *App) GenerationsRetryItem(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	itemType := chi.URLParam(r, "type")
	job, err := a.Sessions.Retry(r.Context(), jobID, itemType)
	if err != nil {
		var retryErr *domain.ItemRetryError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrItemNotFound):
			a.error(w, http.StatusNotFound, "not_found", "item not found")
		case errors.Is(err, domain.ErrItemNotFailed):
			a.error(w, http.StatusConflict, "conflict", "only failed items can be retried")
		case errors.As(err, &retryErr):
			a.log().Warn().Err(err).Str("job_id", jobID).Str("item_type", itemType).Msg("gateway: retry failed")
			a.error(w, http.StatusBadGateway, "upstream", "failed to retry item")
		default:
			a.error(w, http.StatusInternalServerError, "internal", "failed to retry item")
		}
		return
	}
	a.json(w, http.StatusAccepted, newJobView(middleware.LocaleFromContext(r.Context()), job))
}

func (a *App) GenerationsCancel(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Cancel(chi.URLParam(r, "job_id"))
	w.WriteHeader(http.StatusNoContent)
}

// GenerationsArchive exports the completed visuals of a finished job and
// returns them as one zip.
func (a *App) GenerationsArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Sessions.Get(jobID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if !job.Status.Terminal() {
		a.error(w, http.StatusConflict, "conflict", "job is still generating")
		return
	}
	if a.Exporter == nil {
		a.error(w, http.StatusNotImplemented, "not_implemented", "asset export is not configured")
		return
	}
	sink := a.Sink
	if sink == nil {
		sink = assets.Discard
	}
	exported, err := a.Exporter.Export(r.Context(), job, sink)
	if err != nil {
		a.log().Warn().Err(err).Str("job_id", jobID).Msg("gateway: export failed")
		a.error(w, http.StatusBadGateway, "upstream", "failed to download visuals")
		return
	}
	archive, err := assets.Archive(exported)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", jobID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
