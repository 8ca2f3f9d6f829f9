// Package server implements the worker's operational HTTP server: health and
// readiness checks, Prometheus metrics and synchronous event dispatch.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	storerr "github.com/bleepstore/tenantstore/internal/errors"
	"github.com/bleepstore/tenantstore/internal/events"
)

// maxEventBytes bounds the body of POST /events.
const maxEventBytes = 1 << 20

// Dispatcher runs one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *events.Event) error
}

// Check reports the readiness of one dependency.
type Check func(ctx context.Context) error

// Server is the ops HTTP server.
type Server struct {
	router       chi.Router
	dispatcher   Dispatcher
	checks       map[string]Check
	checkTimeout time.Duration
	logger       *slog.Logger
	auth         func(http.Handler) http.Handler
	httpServer   *http.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithDispatcher enables POST /events.
func WithDispatcher(d Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithReadinessCheck adds a named check to /readyz.
func WithReadinessCheck(name string, check Check) ServerOption {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAuth wraps every route in an authentication middleware. The
// middleware is responsible for letting health endpoints through.
func WithAuth(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) {
		s.auth = mw
	}
}

// New creates a Server and registers its routes.
func New(opts ...ServerOption) *Server {
	s := &Server{
		router:       chi.NewMux(),
		checks:       make(map[string]Check),
		checkTimeout: 2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> requestID -> logRequests -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.auth != nil {
		handler = s.auth(handler)
	}
	handler = logRequests(s.logger, []string{"/healthz", "/readyz", "/metrics"}, handler)
	handler = requestID(handler)
	handler = metricsMiddleware(s.router, handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.health)
	s.router.Head("/healthz", s.health)
	s.router.Get("/readyz", s.ready)
	s.router.Handle("/metrics", promhttp.Handler())
	if s.dispatcher != nil {
		s.router.Post("/events", s.dispatch)
	}
}

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// ready runs every check concurrently and reports 503 if any fails.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			res := "ok"
			if err := check(ctx); err != nil {
				res = err.Error()
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, s.checks[name])
	}
	wg.Wait()

	body := statusBody{Status: "ok", Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if res != "ok" {
			body.Status = "unavailable"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, body)
}

// dispatch runs one event synchronously. The webhook still completes in the
// background.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "MalformedEvent", Message: err.Error()})
		return
	}
	annotateRequest(r, ev.Tenant.ID, nil)
	if ev.Type == "" || ev.Tenant.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "MalformedEvent", Message: "type and tenant.ref are required"})
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), &ev); err != nil {
		status, code := errorStatus(err)
		annotateRequest(r, ev.Tenant.ID, err)
		s.logger.Warn("Event dispatch failed", "type", ev.Type, "tenant_id", ev.Tenant.ID, "error", err)
		writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, events.ErrUnknownEvent):
		return http.StatusBadRequest, "UnknownEvent"
	case errors.Is(err, events.ErrInvalidPayload):
		return http.StatusBadRequest, "InvalidPayload"
	}
	var se *storerr.StorageError
	if errors.As(err, &se) && se.HTTPStatus > 0 {
		return se.HTTPStatus, se.Code
	}
	return http.StatusInternalServerError, "InternalError"
}
