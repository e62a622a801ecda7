// Package gateway exposes the HTTP surface: credential issuance, inventory
// reads and writes, forecast requests and the broadcast WebSocket. Handlers
// announce what they did on the hub as human-readable audit lines.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/edge-retail/gateway/internal/auth"
	"github.com/edge-retail/gateway/internal/forecast"
	"github.com/edge-retail/gateway/internal/hub"
	"github.com/edge-retail/gateway/internal/inventory"
)

// Forecaster is the forecast proxy used by the forecast handler.
type Forecaster interface {
	Predict(ctx context.Context, req forecast.Request) (*forecast.Response, error)
}

// Options wires a Server to its collaborators.
type Options struct {
	Hub        *hub.Hub
	Gate       *auth.Gate
	Forecaster Forecaster
	// Catalog supplies inventory rows; inventory.DemoCatalog when nil.
	Catalog func() []inventory.Record
	// Session configures each WebSocket session.
	Session hub.SessionConfig
	// AllowedOrigins are full origins (scheme://host[:port]) allowed by CORS
	// and by the WebSocket origin check.
	AllowedOrigins []string
	// CORSMaxAge is the preflight cache lifetime.
	CORSMaxAge time.Duration
	// LoginRate and LoginBurst limit issue-credential calls per client IP.
	LoginRate  rate.Limit
	LoginBurst int
}

// Server holds the gateway's handlers.
type Server struct {
	hub        *hub.Hub
	gate       *auth.Gate
	forecaster Forecaster
	catalog    func() []inventory.Record
	session    hub.SessionConfig
	origins    []string
	wsOrigins  []string
	corsMaxAge time.Duration
	limiter    *loginLimiter
	validate   *validator.Validate
}

// NewServer creates a Server from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Hub == nil || opts.Gate == nil || opts.Forecaster == nil {
		return nil, errors.New("gateway: hub, gate and forecaster are required")
	}
	s := &Server{
		hub:        opts.Hub,
		gate:       opts.Gate,
		forecaster: opts.Forecaster,
		catalog:    opts.Catalog,
		session:    opts.Session,
		origins:    opts.AllowedOrigins,
		corsMaxAge: opts.CORSMaxAge,
		validate:   validator.New(),
	}
	if s.catalog == nil {
		s.catalog = inventory.DemoCatalog
	}
	if opts.LoginRate <= 0 {
		opts.LoginRate = rate.Inf
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 1
	}
	s.limiter = newLoginLimiter(opts.LoginRate, opts.LoginBurst)

	for _, o := range opts.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			return nil, errors.New("gateway: invalid allowed origin " + o)
		}
		s.wsOrigins = append(s.wsOrigins, u.Host)
	}
	return s, nil
}

// Routes returns the gateway's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int(s.corsMaxAge / time.Second),
	}))

	// The upgrade route stays outside the access log so the response writer
	// is never wrapped before the hijack.
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(accessLog)

		r.Get("/", handleIndex)
		r.Get("/health", s.handleHealth)

		r.With(s.gate.Require(auth.OpIssueCredential)).Post("/auth/token", s.handleIssueCredential)
		r.With(s.gate.Require(auth.OpInventoryWrite)).Post("/inventory", s.handleInventoryWrite)
		r.With(s.gate.Require(auth.OpInventoryRead)).Get("/inventory/view", s.handleInventoryRead)
		r.With(s.gate.Require(auth.OpForecastRequest)).Post("/demand/forecast", s.handleForecast)
	})
	return r
}

// publish announces event on the hub. Broadcast trouble never fails the
// request that caused it.
func (s *Server) publish(ctx context.Context, event string) {
	delivered, err := s.hub.Publish(ctx, event)
	if err != nil {
		slog.Warn("broadcast not published", "event", event, "error", err)
		return
	}
	slog.Info("broadcast", "event", event, "delivered", delivered)
}
