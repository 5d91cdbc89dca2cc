// Package server exposes the coordination core to the surrounding
// application over HTTP: the request-issuing API, status for UI banners,
// and a server-sent event stream feeding the global busy indicator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/soledb/soledb/internal/bridge"
	"github.com/soledb/soledb/internal/core"
	"github.com/soledb/soledb/internal/engine"
	"github.com/soledb/soledb/internal/policy"
)

// Server is the HTTP adapter for one instance.
type Server struct {
	core       *core.Core
	httpServer *http.Server
	router     chi.Router
	events     *eventHub
}

// New creates a Server and wires the core's observability hooks into the
// SSE hub.
func New(c *core.Core, bindAddr string) *Server {
	srv := &Server{core: c, events: newEventHub()}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}

	c.SetObserver(
		func(info core.OpInfo) {
			srv.events.broadcast("op_started", map[string]any{
				"id": info.ID, "op": info.Type.String(),
			})
		},
		func(info core.OpInfo) {
			payload := map[string]any{
				"id": info.ID, "op": info.Type.String(),
				"duration_ms": info.Duration.Milliseconds(),
			}
			if info.Err != nil {
				payload["error"] = info.Err.Error()
			}
			srv.events.broadcast("op_ended", payload)
		},
	)
	go srv.pumpNotifications()
	return srv
}

// pumpNotifications forwards state and change notifications to SSE clients.
func (s *Server) pumpNotifications() {
	states := s.core.States()
	changes := s.core.Changes()
	for {
		select {
		case n, ok := <-states:
			if !ok {
				return
			}
			s.events.broadcast("state", n)
		case ev, ok := <-changes:
			if !ok {
				return
			}
			s.events.broadcast("change", ev)
		}
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/bulk/{target}", s.handleBulkInsert)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/clear", s.handleClear)
		r.Post("/clear/{table}", s.handleClearTable)
		r.Post("/factory-reset", s.handleFactoryReset)
		r.Post("/cancel", s.handleCancel)
		r.Post("/read-only/accept", s.handleAcceptReadOnly)
		r.Post("/log-level", s.handleSetLogLevel)

		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/storage", s.handleStorageStatus)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleSSE)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	code := "ENGINE_ERROR"
	switch {
	case errors.Is(err, policy.ErrReadOnly):
		status, code = http.StatusForbidden, "READ_ONLY"
	case errors.Is(err, bridge.ErrOwnerUnresponsive):
		status, code = http.StatusGatewayTimeout, "OWNER_UNRESPONSIVE"
	case errors.Is(err, engine.ErrCancelled):
		status, code = http.StatusConflict, "CANCELLED"
	case errors.Is(err, engine.ErrInterrupted):
		status, code = http.StatusConflict, "INTERRUPTED"
	case errors.Is(err, bridge.ErrNotOwner):
		status, code = http.StatusConflict, "NOT_OWNER"
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
