// Package server exposes the octopoid HTTP API. It wires the state
// machine, repositories, and event broker behind a stdlib ServeMux; every
// queue move goes through the lifecycle endpoints and nothing else.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/maxthelion/octopoid/internal/lease"
	"github.com/maxthelion/octopoid/internal/log"
	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/task"
)

// Repositories bundles every store contract the handler needs.
type Repositories struct {
	Tasks         task.Repository
	Orchestrators task.OrchestratorRepository
	Projects      task.ProjectRepository
	Flows         task.FlowRepository
	Messages      task.MessageRepository
	History       task.HistoryRepository
	Roles         task.RoleRepository
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	Engine *statemachine.Engine
	Repos  Repositories
	// Broker feeds the SSE stream (optional).
	Broker *pubsub.Broker
	// Coordinator, when set, sweeps on every scheduler poll so
	// single-process deployments expire leases without the ticker.
	Coordinator *lease.Coordinator
	// Ping reports database reachability for the health endpoint.
	Ping func(ctx context.Context) error
	// Version is reported by the health endpoint.
	Version string
}

// Handler provides the HTTP endpoints.
type Handler struct {
	engine      *statemachine.Engine
	repos       Repositories
	broker      *pubsub.Broker
	coordinator *lease.Coordinator
	ping        func(ctx context.Context) error
	version     string

	// queueCache holds the set of flow-declared states; registration
	// invalidates it, otherwise entries age out.
	queueCache *gocache.Cache
}

// NewHandler creates an API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		engine:      cfg.Engine,
		repos:       cfg.Repos,
		broker:      cfg.Broker,
		coordinator: cfg.Coordinator,
		ping:        cfg.Ping,
		version:     cfg.Version,
		queueCache:  gocache.New(30*time.Second, time.Minute),
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Task CRUD
	mux.HandleFunc("POST /api/v1/tasks", h.CreateTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}", h.UpdateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", h.DeleteTask)

	// Lifecycle: the only writers of the queue column
	mux.HandleFunc("POST /api/v1/tasks/claim", h.Claim)
	mux.HandleFunc("POST /api/v1/tasks/{id}/submit", h.Submit)
	mux.HandleFunc("POST /api/v1/tasks/{id}/accept", h.Accept)
	mux.HandleFunc("POST /api/v1/tasks/{id}/reject", h.Reject)
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", h.Fail)
	mux.HandleFunc("POST /api/v1/tasks/{id}/requeue", h.Requeue)

	// Mailbox and audit log. The global paths name the task in the body
	// or query instead of the path.
	mux.HandleFunc("POST /api/v1/tasks/{id}/messages", h.PostMessage)
	mux.HandleFunc("GET /api/v1/tasks/{id}/messages", h.ListMessages)
	mux.HandleFunc("POST /api/v1/messages", h.PostGlobalMessage)
	mux.HandleFunc("GET /api/v1/messages", h.ListGlobalMessages)
	mux.HandleFunc("GET /api/v1/tasks/{id}/history", h.TaskHistory)

	// Orchestrator presence
	mux.HandleFunc("POST /api/v1/orchestrators/register", h.RegisterOrchestrator)
	mux.HandleFunc("POST /api/v1/orchestrators/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("GET /api/v1/orchestrators", h.ListOrchestrators)
	mux.HandleFunc("GET /api/v1/scheduler/poll", h.Poll)

	// Projects
	mux.HandleFunc("POST /api/v1/projects", h.CreateProject)
	mux.HandleFunc("GET /api/v1/projects", h.ListProjects)
	mux.HandleFunc("GET /api/v1/projects/{id}", h.GetProject)

	// Flow registry and roles
	mux.HandleFunc("PUT /api/v1/flows/{name}", h.PutFlow)
	mux.HandleFunc("GET /api/v1/flows/{name}", h.GetFlow)
	mux.HandleFunc("GET /api/v1/flows", h.ListFlows)
	mux.HandleFunc("POST /api/v1/roles/register", h.RegisterRoles)
	mux.HandleFunc("GET /api/v1/roles", h.ListRoles)

	// Event streaming
	mux.HandleFunc("GET /api/v1/events", h.StreamEvents)

	// Health check
	mux.HandleFunc("GET /api/v1/health", h.Health)

	return mux
}

// ErrorResponse is the response body for errors. Kind round-trips the
// typed transition errors through the SDK.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	DB      string `json:"db"`
	Version string `json:"version,omitempty"`
}

// Health reports server and database status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", DB: "ok", Version: h.version}
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.DB = err.Error()
			h.writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// === Helpers ===

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// writeTypedError maps the typed transition errors onto status codes:
// 404 not_found, 409 wrong_state/guard_failed, 412 stale_version,
// 400 for validation-class errors, 500 otherwise.
func (h *Handler) writeTypedError(w http.ResponseWriter, err error) {
	kind := task.ErrorKind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrStaleVersion):
		status = http.StatusPreconditionFailed
	case errors.Is(err, task.ErrWrongState), errors.Is(err, task.ErrGuardFailed):
		status = http.StatusConflict
	case errors.Is(err, task.ErrUnknownQueue),
		errors.Is(err, task.ErrQueueImmutable),
		errors.Is(err, task.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	h.writeError(w, status, kind, err.Error())
}

// knownQueue reports whether a queue name is acceptable on writes.
// Built-ins always pass. Custom names pass until the first flow is
// registered; after that they must be declared by some flow.
func (h *Handler) knownQueue(ctx context.Context, name string) (bool, error) {
	if task.IsBuiltinQueue(name) {
		return true, nil
	}
	states, err := h.flowStates(ctx)
	if err != nil {
		return false, err
	}
	if states == nil {
		return true, nil
	}
	return states[name], nil
}

// flowStates returns the set of every flow-declared state, or nil when no
// flows are registered. Cached briefly; PutFlow invalidates.
func (h *Handler) flowStates(ctx context.Context) (map[string]bool, error) {
	const key = "flow_states"
	if cached, ok := h.queueCache.Get(key); ok {
		return cached.(map[string]bool), nil
	}
	records, err := h.repos.Flows.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow states: %w", err)
	}
	if len(records) == 0 {
		h.queueCache.Set(key, map[string]bool(nil), gocache.DefaultExpiration)
		return nil, nil
	}
	states := make(map[string]bool)
	for _, rec := range records {
		for _, s := range rec.States {
			states[s] = true
		}
	}
	h.queueCache.Set(key, states, gocache.DefaultExpiration)
	return states, nil
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "localhost:4600").
	Addr    string
	Handler *Handler
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
}

// NewServer creates the API server. Port 0 asks the OS for a free port;
// use Port() after NewServer to read it.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: the SSE stream is long-lived.
		},
	}, nil
}

// Start serves until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info().Str("addr", s.listener.Addr().String()).Msg("starting API server")
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual listening port.
func (s *Server) Port() int {
	return s.port
}
