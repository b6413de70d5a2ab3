package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mediajobs/internal/http/handlers"
	"mediajobs/internal/middleware"
)

// Options carries the secrets and limits the router's middleware needs.
type Options struct {
	Logger          zerolog.Logger
	CORSOrigins     []string
	JWTSecret       string
	WebhookSecret   string
	InternalToken   string
	RateLimitPerMin int
	// StaticDir, when set, is served under /static/.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Method(http.MethodGet, "/metrics", app.MetricsHandler())
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(middleware.OptionalAuth(opts.JWTSecret))
		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.CreateJob)
		r.Get("/", app.ListJobs)
		r.Get("/events", app.JobEvents)
		r.Get("/{id}", app.GetJob)
		r.Delete("/{id}", app.DeleteJob)
		r.Post("/{id}/resync", app.ResyncJob)
		r.Post("/{id}/cancel", app.CancelJob)
		r.Get("/{id}/archive", app.JobArchive)
	})

	r.With(middleware.WebhookSignature(opts.WebhookSecret)).Post("/v1/webhooks/{jobID}", app.ProviderWebhook)
	r.With(middleware.InternalToken(opts.InternalToken)).Post("/internal/jobs/{id}/continue", app.ContinueJob)

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Handle("/static/*", fs)
	}

	return r
}
