package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"shopimage/internal/domain"
)

type submitJobRequest struct {
	Operation  string `json:"operation"`
	InputAsset string `json:"input_asset"`
}

type jobDTO struct {
	ID           string    `json:"id"`
	Operation    string    `json:"operation"`
	Status       string    `json:"status"`
	InputAsset   string    `json:"input_asset"`
	OutputAsset  *string   `json:"output_asset,omitempty"`
	OutputURL    *string   `json:"output_url,omitempty"`
	PollAttempts int       `json:"poll_attempts"`
	Error        *string   `json:"error,omitempty"`
	FailureKind  *string   `json:"failure_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Jobs.SubmitJob(r.Context(), merchantID, req.Operation, req.InputAsset)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, a.jobResponse(r.Context(), job))
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	job, err := a.Jobs.GetJob(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.jobResponse(r.Context(), job))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	job, err := a.Jobs.CancelJob(r.Context(), merchantID, chi.URLParam(r, "id"))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.jobResponse(r.Context(), job))
}

// jobResponse re-signs the output so clients never see an expired link;
// the stored URL is the fallback when signing fails.
func (a *App) jobResponse(ctx context.Context, job *domain.Job) jobDTO {
	dto := jobDTO{
		ID:           job.ID,
		Operation:    string(job.Operation),
		Status:       string(job.Status),
		InputAsset:   job.InputAsset,
		OutputAsset:  job.OutputAsset,
		OutputURL:    job.OutputURL,
		PollAttempts: job.PollAttempts,
		Error:        job.LastError,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.FailureKind != nil {
		kind := string(*job.FailureKind)
		dto.FailureKind = &kind
	}
	if job.OutputAsset != nil && a.Store != nil {
		ttl := a.SignedURLTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		if signed, err := a.Store.SignedURL(ctx, *job.OutputAsset, ttl); err == nil {
			dto.OutputURL = &signed
		} else {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: re-signing output failed")
		}
	}
	return dto
}
