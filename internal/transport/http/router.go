package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/middleware"
)

// RouterConfig collects the handlers and middleware the local API is built from
type RouterConfig struct {
	Logger         *slog.Logger
	Errors         *licenseErrors.ErrorHandler
	License        *LicenseHandler
	Health         *HealthHandler
	Entitlements   *EntitlementsHandler
	WebSocket      *WebSocketHandler
	Metrics        *MetricsHandler
	Gate           *middleware.LicenseGate
	OTel           *middleware.OTelMiddleware
	AllowedOrigins []string
}

// NewRouter assembles the local API
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if cfg.OTel != nil {
		r.Use(cfg.OTel.Handler)
	}
	r.Use(middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Errors))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}))

	r.NotFound(cfg.Errors.NotFound)
	r.MethodNotAllowed(cfg.Errors.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", cfg.Health.HealthCheck)
		r.Get("/health/live", cfg.Health.LivenessCheck)
		r.Get("/health/ready", cfg.Health.ReadinessCheck)
		r.Get("/version", cfg.Health.Version)

		license := cfg.License.Routes()
		if cfg.WebSocket != nil {
			license.Method(http.MethodGet, "/events", cfg.WebSocket)
		}
		r.Mount("/license", license)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Gate.Handler)
			r.Method(http.MethodGet, "/entitlements", cfg.Entitlements)
		})
	})

	if cfg.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}
