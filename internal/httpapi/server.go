// Package httpapi exposes parley's turn pipelines and session store over
// HTTP. Routes are served by a chi router:
//
//	POST   /chat                              direct persona reply
//	POST   /negotiate                         negotiation-controlled reply
//	GET    /sessions/{userID}/{sessionID}     session snapshot
//	DELETE /sessions/{userID}/{sessionID}     reset a session
//	GET    /health, /healthz, /readyz         health checks (see package health)
//	GET    /metrics                           Prometheus scrape endpoint
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

// DefaultMaxBodyBytes caps the size of a turn request body.
const DefaultMaxBodyBytes = 1 << 20

// TurnRunner processes one user message against a session state and
// persists the result. Both the conversation pipeline and the negotiation
// controller satisfy it.
type TurnRunner interface {
	RunTurn(ctx context.Context, st *session.State, userMessage string) (string, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store          session.Store
	chat           TurnRunner
	negotiate      TurnRunner
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	requestTimeout time.Duration
	maxBodyBytes   int64
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts the health endpoints. Without it only /health answers,
// with a static ok.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the instruments used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithRequestTimeout bounds each turn request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// WithMaxBodyBytes overrides [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// New creates a Server. chat and negotiate must be non-nil.
func New(store session.Store, chat, negotiate TurnRunner, opts ...Option) *Server {
	s := &Server{
		store:        store,
		chat:         chat,
		negotiate:    negotiate,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	s.health.Register(r)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		if s.requestTimeout > 0 {
			r.Use(middleware.Timeout(s.requestTimeout))
		}
		r.Post("/chat", s.turnHandler("chat", s.chat))
		r.Post("/negotiate", s.turnHandler("negotiate", s.negotiate))
	})

	r.Route("/sessions/{userID}/{sessionID}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleResetSession)
	})
	return r
}
