// Package httpapi exposes the platform core's versioned /api/ surface (§6):
// governed actions, mesh topology and health, circuit breaker state,
// incident history, and a live event stream, plus the ambient /metrics,
// /healthz, /readyz, /livez, and /system/descriptors endpoints every
// service carries regardless of domain. Grounded on the teacher's
// infrastructure/httpapi gorilla/mux router with a middleware chain
// (logging, recovery, auth), generalized from the blockchain domain's REST
// surface to this platform's mesh/action surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegiscore/platform/internal/action"
	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/gateway"
	"github.com/aegiscore/platform/internal/health"
	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/pkg/logger"
)

// Server wires the handlers above to the components they read and holds
// the http.Server listening on it.
type Server struct {
	router *mux.Router
	http   *http.Server
	log    *logger.Logger

	actions      *action.Gateway
	registry     *registry.Registry
	health       *health.Monitor
	gateway      *gateway.Gateway
	incidentsLog *incident.Log
	bus          *eventbus.Bus

	descriptors    func() []core.Descriptor
	metricsHandler http.Handler
	upgrader       websocket.Upgrader
}

// Deps bundles every component the HTTP surface reads from.
type Deps struct {
	Actions      *action.Gateway
	Registry     *registry.Registry
	Health       *health.Monitor
	Gateway      *gateway.Gateway
	Incidents    *incident.Log
	Bus          *eventbus.Bus
	Descriptors  func() []core.Descriptor
	JWTSecret    []byte
	Log          *logger.Logger
}

// NewServer builds the router and wraps it with the logging/recovery/auth
// middleware chain. addr is the listen address (host:port).
func NewServer(addr string, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	s := &Server{
		log:            log,
		actions:        deps.Actions,
		registry:       deps.Registry,
		health:         deps.Health,
		gateway:        deps.Gateway,
		incidentsLog:   deps.Incidents,
		bus:            deps.Bus,
		descriptors:    deps.Descriptors,
		metricsHandler: promhttp.Handler(),
		upgrader:       websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}

	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(LoggingMiddleware(log)))
	r.Use(mux.MiddlewareFunc(RecoverMiddleware(log)))

	api := r.PathPrefix("/api").Subrouter()
	guarded := api.NewRoute().Subrouter()
	guarded.Use(mux.MiddlewareFunc(AuthMiddleware(deps.JWTSecret)))

	guarded.HandleFunc("/actions", s.postActions).Methods(http.MethodPost)
	guarded.HandleFunc("/actions/{trace_id}/approve", s.approveAction).Methods(http.MethodPost)
	guarded.HandleFunc("/actions/{trace_id}/reject", s.rejectAction).Methods(http.MethodPost)
	api.HandleFunc("/actions/pending", s.listPendingActions).Methods(http.MethodGet)

	api.HandleFunc("/mesh/topology", s.meshTopology).Methods(http.MethodGet)
	api.HandleFunc("/mesh/health", s.meshHealth).Methods(http.MethodGet)
	api.HandleFunc("/gateway/circuit-breakers", s.circuitBreakers).Methods(http.MethodGet)
	guarded.HandleFunc("/guardian/incidents", s.incidents).Methods(http.MethodGet)
	api.HandleFunc("/events/stream", s.eventsStream).Methods(http.MethodGet)

	r.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	r.HandleFunc("/livez", s.livez).Methods(http.MethodGet)
	r.HandleFunc("/system/descriptors", s.systemDescriptors).Methods(http.MethodGet)

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts the listener. It blocks until the server stops or
// errors; callers run it in a goroutine and shut down via Shutdown.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
