package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/answermachine/internal/api/middleware"
	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/ratelimit"
	"github.com/flowpbx/answermachine/internal/sip"
)

// snapshotTimeout bounds how long a request waits for the event loop.
const snapshotTimeout = 2 * time.Second

// CallSource returns copies of the live calls. *machine.Machine satisfies it.
type CallSource interface {
	Snapshot(ctx context.Context) ([]machine.CallInfo, error)
	MaxCalls() int
}

// SignalSource lists the registered signals. *machine.SignalRegistry
// satisfies it.
type SignalSource interface {
	Signals() []machine.SignalInfo
}

// TraceControl reads and changes the SIP trace level.
// *sip.MessageTracer satisfies it.
type TraceControl interface {
	Level() sip.TraceLevel
	SetLevel(sip.TraceLevel)
}

// Deps are the collaborators the status API reads from. Any may be nil, in
// which case the matching routes answer 503.
type Deps struct {
	Calls    CallSource
	Signals  SignalSource
	Trace    TraceControl
	Gatherer prometheus.Gatherer
	Limiter  *ratelimit.Limiter
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	deps      Deps
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		startTime: time.Now(),
		logger:    logger.With("subsystem", "api"),
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	if s.deps.Limiter != nil {
		r.Use(middleware.RateLimit(s.deps.Limiter, logger))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)

		r.Get("/health", s.handleHealth)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Get("/signals", s.handleListSignals)
		r.Get("/sip/trace", s.handleGetTrace)
		r.Put("/sip/trace", s.handleSetTrace)
	})
}
