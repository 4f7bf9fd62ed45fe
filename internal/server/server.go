package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/streamhub/internal/api"
	"github.com/gaspardpetit/streamhub/internal/config"
	"github.com/gaspardpetit/streamhub/internal/gateway"
	"github.com/gaspardpetit/streamhub/internal/hub"
	"github.com/gaspardpetit/streamhub/internal/inflight"
	"github.com/gaspardpetit/streamhub/internal/metrics"
	"github.com/gaspardpetit/streamhub/internal/serverstate"
)

// Deps are the running components the HTTP surface routes to.
type Deps struct {
	Gateway  *gateway.Gateway
	Hub      *hub.Hub
	StateReg *serverstate.Registry
	// Inflight counts open streams; main waits on it while draining.
	Inflight *inflight.Counter
	// Resolve identifies the user behind a hub connection.
	Resolve hub.UserResolver
}

// New constructs the HTTP handler for the server.
func New(cfg config.ServerConfig, d Deps) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"X-Connection-Id"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	if d.StateReg == nil {
		d.StateReg = serverstate.NewRegistry()
	}
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}
	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	if d.Gateway != nil {
		g := d.Gateway
		d.StateReg.Add(serverstate.Element{ID: "gateway", Data: func() any { return g.Stats() }})
	}
	if d.Hub != nil {
		h := d.Hub
		d.StateReg.Add(serverstate.Element{ID: "hub", Data: func() any { return h.Stats() }})
	}

	r.Get("/healthz", api.HealthzHandler())
	r.Route("/api", func(ar chi.Router) {
		if d.Gateway != nil {
			ar.With(d.Inflight.Middleware()).Method(http.MethodGet, "/stream", d.Gateway)
			ar.With(d.Inflight.Middleware()).Method(http.MethodPost, "/stream", d.Gateway)
		}
		if d.Hub != nil {
			ar.Get("/hub/ws", hub.WSHandler(d.Hub, d.Resolve, originPatterns(cfg.AllowedOrigins)))
		}
		ar.Group(func(g chi.Router) {
			g.Use(api.APIKeyMiddleware(cfg.APIKey))
			g.Get("/state", api.StateHandler(d.StateReg))
			if d.Hub != nil {
				g.Mount("/admin", hub.AdminRoutes(d.Hub))
			}
		})
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake checks against.
func originPatterns(origins []string) []string {
	var res []string
	for _, o := range origins {
		if o == "*" {
			res = append(res, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			res = append(res, o)
			continue
		}
		res = append(res, u.Host)
	}
	return res
}
