package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
	"staydesk.handoff/internal/core/services"
)

// Deps are the routing services the REST surface drives.
type Deps struct {
	Presence    *services.PresenceTracker
	Manager     *services.AssignmentManager
	Dispatcher  *services.Dispatcher
	SLA         *services.SLARecorder
	Health      *services.HealthService
	Transfers   ports.TransferRepository
	Assignments ports.AssignmentRepository
	Queue       ports.TransferQueue
	Manual      ports.ManualQueue
	Hub         *Hub
}

type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int
	RateLimitBurst  int
	ServiceName     string
}

type Server struct {
	router      *chi.Mux
	handler     http.Handler
	presence    *services.PresenceTracker
	manager     *services.AssignmentManager
	dispatcher  *services.Dispatcher
	sla         *services.SLARecorder
	healthSvc   *services.HealthService
	transfers   ports.TransferRepository
	assignments ports.AssignmentRepository
	queue       ports.TransferQueue
	manual      ports.ManualQueue
	hub         *Hub
	upgrader    websocket.Upgrader
	opts        Options
	stop        context.CancelFunc
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "staydesk-handoff"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		router:      chi.NewRouter(),
		presence:    deps.Presence,
		manager:     deps.Manager,
		dispatcher:  deps.Dispatcher,
		sla:         deps.SLA,
		healthSvc:   deps.Health,
		transfers:   deps.Transfers,
		assignments: deps.Assignments,
		queue:       deps.Queue,
		manual:      deps.Manual,
		hub:         deps.Hub,
		upgrader:    newUpgrader(opts.CORSOrigins),
		opts:        opts,
	}
	var ctx context.Context
	ctx, s.stop = context.WithCancel(context.Background())
	s.routes(ctx)
	s.handler = otelhttp.NewHandler(s.router, opts.ServiceName,
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }))
	return s
}

func (s *Server) routes(ctx context.Context) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(ActorContext)
	s.router.Use(RequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerProperty, headerAgent},
		ExposedHeaders:   []string{"Link", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/health/detailed", s.handleDetailedHealth)
		api.Get("/ws", s.handleWS)

		api.Group(func(r chi.Router) {
			r.Use(RateLimiter(ctx, s.opts.RateLimitPerMin, s.opts.RateLimitBurst))

			r.Post("/agents", s.handleRegisterAgent)
			r.With(RequireProperty).Get("/agents", s.handleListAgents)

			r.Route("/agent", func(r chi.Router) {
				r.Post("/release", s.handleAgentRelease)
				r.Get("/{id}/status", s.handleAgentStatus)
				r.Put("/{id}/status", s.handleSetAgentStatus)
				r.Get("/{id}/workload", s.handleAgentWorkload)
				r.Post("/{id}/heartbeat", s.handleHeartbeat)
				r.Post("/{id}/assign", s.handleAgentAssign)
			})

			r.Route("/transfers", func(r chi.Router) {
				r.Post("/", s.handleCreateTransfer)
				r.With(RequireProperty).Get("/queue", s.handleQueue)
				r.With(RequireProperty).Get("/statistics", s.handleTransferStatistics)
				r.Post("/process-all-pending", s.handleProcessAllPending)
				r.Post("/create-manual", s.handleCreateManual)
				r.Get("/{id}/details", s.handleTransferDetails)
				r.Post("/{id}/accept", s.handleAccept)
				r.Post("/{id}/assign-agent", s.handleAssignAgent)
				r.Post("/{id}/complete", s.handleCompleteTransfer)
				r.Post("/{id}/cancel", s.handleCancelTransfer)
			})

			r.Route("/assignments", func(r chi.Router) {
				r.With(RequireProperty).Get("/active", s.handleActiveAssignments)
				r.With(RequireProperty).Get("/history", s.handleAssignmentHistory)
				r.With(RequireProperty).Get("/statistics", s.handleAssignmentStatistics)
				r.With(RequireProperty).Get("/agent-performance", s.handleAgentPerformance)
				r.With(RequireProperty).Post("/bulk-auto-assign", s.handleBulkAutoAssign)
				r.Post("/{id}/transfer", s.handleTransferAssignment)
				r.Post("/{id}/complete", s.handleCompleteAssignment)
				r.Post("/{id}/release", s.handleReleaseAssignment)
			})
		})
	})
}

// Handler exposes the instrumented router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	defer s.stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

// Close stops background helpers of a server that never ran.
func (s *Server) Close() {
	s.stop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, &s.upgrader, w, r)
}

// inScope reports whether a resource of propertyID is visible to the caller.
// Calls that name no property see every property.
func inScope(r *http.Request, propertyID string) bool {
	actor, _ := domain.ActorFrom(r.Context())
	return actor.PropertyID == "" || actor.PropertyID == propertyID
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := domain.ActorFrom(r.Context())
	return actor
}

func (s *Server) scopedTransfer(r *http.Request, id string) (*domain.TransferRequest, error) {
	req, err := s.transfers.GetTransfer(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !inScope(r, req.PropertyID) {
		return nil, fmt.Errorf("transfer %s: %w", id, domain.ErrNotFound)
	}
	return req, nil
}

func (s *Server) scopedAssignment(r *http.Request, id string) (*domain.Assignment, error) {
	a, err := s.assignments.GetAssignment(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !inScope(r, a.PropertyID) {
		return nil, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *Server) scopedAgent(r *http.Request, id string) (services.AgentStatus, error) {
	status, err := s.presence.Snapshot(id)
	if err != nil {
		return services.AgentStatus{}, err
	}
	if !inScope(r, status.Agent.PropertyID) {
		return services.AgentStatus{}, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return status, nil
}
