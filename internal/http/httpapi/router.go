package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"shopimage/internal/http/handlers"
	"shopimage/internal/middleware"
)

// Options configures the API router.
type Options struct {
	JWTSecret          string
	CORSAllowedOrigins []string
	Logger             zerolog.Logger
	// SubmitRateLimit caps job submissions per merchant per minute; zero
	// disables the limit.
	SubmitRateLimit int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/static/*", app.Static)
	r.Post("/webhooks/app_purchases_one_time_update", app.PurchaseWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Post("/uploads", app.Upload)

		r.Route("/jobs", func(r chi.Router) {
			r.With(submitLimit(opts.SubmitRateLimit)).Post("/", app.SubmitJob)
			r.Get("/{id}", app.GetJob)
			r.Post("/{id}/cancel", app.CancelJob)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", app.CreditBalance)
			r.Get("/transactions", app.CreditTransactions)
		})
	})

	return r
}

func submitLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(perMinute, time.Minute)
}
