package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"shopimage/internal/domain"
	"shopimage/internal/middleware"
	"shopimage/internal/storage"
)

// JobService is the slice of jobs.Coordinator the handlers call.
type JobService interface {
	SubmitJob(ctx context.Context, merchantID, operation, inputAsset string) (*domain.Job, error)
	GetJob(ctx context.Context, merchantID, jobID string) (*domain.Job, error)
	CancelJob(ctx context.Context, merchantID, jobID string) (*domain.Job, error)
}

// CreditService is the slice of ledger.Ledger the handlers call.
type CreditService interface {
	EnsureAccount(ctx context.Context, merchantID string, startingBalance int64) (int64, error)
	Transactions(ctx context.Context, merchantID string, limit int) ([]domain.LedgerTransaction, error)
	Purchase(ctx context.Context, merchantID, planID, purchaseID string) (*int64, error)
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Jobs            JobService
	Credits         CreditService
	Store           storage.Gateway
	Files           *storage.FileStore
	DB              Pinger
	Logger          zerolog.Logger
	SignedURLTTL    time.Duration
	StartingCredits int64
	MaxUploadBytes  int64
	// WebhookSecret verifies Shopify webhook signatures. Webhooks are
	// rejected while it is empty.
	WebhookSecret string
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) currentMerchantID(r *http.Request) string {
	return middleware.MerchantIDFromContext(r.Context())
}

// domainError maps a service error onto an HTTP response.
func (a *App) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredit):
		a.error(w, http.StatusPaymentRequired, "insufficient_credit", "not enough credits")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
	case errors.Is(err, domain.ErrJobTerminal):
		a.error(w, http.StatusConflict, "job_terminal", "job already finished")
	case errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrInvalidAsset),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnknownPlan):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		a.error(w, http.StatusServiceUnavailable, "unavailable", "storage unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
