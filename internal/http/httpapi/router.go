package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"visualgen/internal/http/handlers"
	"visualgen/internal/infra"
	"visualgen/internal/middleware"
)

// RouterOptions configures NewRouter. CountryLookup may be nil.
type RouterOptions struct {
	AllowedOrigins  []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	Logger          *infra.Logger
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(*infra.OrDiscard(opts.Logger)),
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/generations", func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		r.Post("/", app.GenerationsCreate)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", app.GenerationsGet)
			r.Delete("/", app.GenerationsCancel)
			r.Post("/watch", app.GenerationsWatch)
			r.Get("/assets.zip", app.GenerationsArchive)
			r.Post("/items/{type}/retry", app.GenerationsRetryItem)
		})
	})

	return r
}
