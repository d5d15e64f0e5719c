// Package api serves the gateway's HTTP surface: live events over SSE and
// WebSocket, Prometheus metrics and a health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shineum/mailguard/internal/events"
	"github.com/shineum/mailguard/internal/metrics"
)

const (
	defaultListenAddr = ":8080"
	healthTimeout     = 3 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// Pinger reports whether the audit database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober reports whether the extraction service is reachable.
type Prober interface {
	Available(ctx context.Context) bool
}

// Config wires the server to the running gateway. Every collaborator other
// than Broker may be nil.
type Config struct {
	ListenAddr string
	Broker     *events.Broker
	Metrics    *metrics.Metrics
	Database   Pinger
	Extractor  Prober
}

// Server is the HTTP surface.
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)

	ev := r.PathPrefix("/api/events").Subrouter()
	ev.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	ev.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP API shutdown did not complete", "error", err)
		srv.Close()
	}
	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Tika     string `json:"tika"`
}

// handleHealth answers 503 only when the audit database is down. An
// unreachable Tika degrades extraction but messages still flow.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "disabled", Tika: "disabled"}
	code := http.StatusOK

	if s.cfg.Database != nil {
		resp.Database = "ok"
		if err := s.cfg.Database.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			resp.Database = "unreachable"
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Extractor != nil {
		resp.Tika = "ok"
		if !s.cfg.Extractor.Available(ctx) {
			resp.Tika = "unreachable"
			if code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, code, resp)
}

// handleStream writes each event as one SSE "data:" frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Broker.Subscribe()
	defer sub.Close()
	slog.Info("event stream subscriber connected", "client_id", sub.ID(), "transport", "sse")

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			slog.Info("event stream subscriber disconnected", "client_id", sub.ID(), "transport", "sse")
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleWebSocket writes each event as one JSON text frame. Client frames
// are read only to notice the connection closing.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Broker.Subscribe()
	defer sub.Close()
	slog.Info("event stream subscriber connected", "client_id", sub.ID(), "transport", "websocket")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			break
		}
	}
	slog.Info("event stream subscriber disconnected", "client_id", sub.ID(), "transport", "websocket")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
