package endpoints

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/middleware"
)

// RouterConfig holds everything the admin router serves
type RouterConfig struct {
	Pipeline Pipeline
	Breaker  Breaker
	Bids     Bids // optional, bid routes are not mounted when nil
	Gatherer prometheus.Gatherer
	Auth     *middleware.Auth
}

// NewRouter builds the admin HTTP surface
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging)
	if cfg.Auth != nil {
		r.Use(cfg.Auth.Middleware)
	}

	r.Method(http.MethodGet, "/health", NewHealthHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Gatherer))
	r.Method(http.MethodGet, "/status", NewStatusHandler(cfg.Pipeline, cfg.Breaker))
	r.Method(http.MethodPost, "/flush", NewFlushHandler(cfg.Pipeline))
	r.Method(http.MethodPost, "/circuit/reset", NewCircuitResetHandler(cfg.Breaker))

	if cfg.Bids != nil {
		r.Method(http.MethodPost, "/prefetch", NewPrefetchHandler(cfg.Bids))
		r.Method(http.MethodPost, "/consume/{placement}/{size}", NewConsumeHandler(cfg.Bids))
	}
	return r
}
