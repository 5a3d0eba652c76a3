package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
)

const (
	healthTimeout     = 2 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// StatusSource reports the active session.
type StatusSource interface {
	Status(ctx context.Context) (domain.Session, bool, error)
}

// Lister lists stored alarms and rules.
type Lister interface {
	ListAlarms(ctx context.Context) ([]*domain.Alarm, error)
	ListRules(ctx context.Context) ([]*domain.RecurrenceRule, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Deps are the handlers and sources behind the routes. Nil handlers leave their route out.
type Deps struct {
	Status  StatusSource
	Store   Lister
	Metrics http.Handler
	Hub     http.Handler
	Checks  map[string]Check
}

type handlers struct {
	deps Deps
}

// NewRouter builds the HTTP routes.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{deps: deps}
	router := mux.NewRouter()
	router.Use(recovery)

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	if deps.Hub != nil {
		router.Handle("/ws", deps.Hub).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(requestLogger)
	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/alarms", h.alarms).Methods(http.MethodGet)
	api.HandleFunc("/rules", h.rules).Methods(http.MethodGet)

	return router
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]bool, len(h.deps.Checks))
	healthy := true

	for name, check := range h.deps.Checks {
		err := check(ctx)
		checks[name] = err == nil

		if err != nil {
			healthy = false

			logger.WarnKV(ctx, "Health check failed", "check", name, "error", err)
		}
	}

	response := map[string]any{"status": "healthy", "checks": checks}
	code := http.StatusOK

	if !healthy {
		response["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, response)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	session, active, err := h.deps.Status.Status(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondProto(w, grpcapi.FromSession(&session, active))
}

func (h *handlers) alarms(w http.ResponseWriter, r *http.Request) {
	alarms, err := h.deps.Store.ListAlarms(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	values := make([]*structpb.Value, 0, len(alarms))
	for _, alarm := range alarms {
		values = append(values, structpb.NewStructValue(grpcapi.FromDomainAlarm(alarm)))
	}

	respondProto(w, &structpb.ListValue{Values: values})
}

func (h *handlers) rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.deps.Store.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	values := make([]*structpb.Value, 0, len(rules))
	for _, rule := range rules {
		values = append(values, structpb.NewStructValue(grpcapi.FromDomainRule(rule)))
	}

	respondProto(w, &structpb.ListValue{Values: values})
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(data)
}

func respondProto(w http.ResponseWriter, m proto.Message) {
	data, err := protojson.Marshal(m)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// Server runs the router on a listener.
type Server struct {
	httpServer *http.Server
}

// NewServer wraps a handler into an HTTP server.
func NewServer(handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Serve blocks until the server is shut down.
func (s *Server) Serve(listener net.Listener) error {
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for active ones until ctx is done.
// Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}

	return nil
}
