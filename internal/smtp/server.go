package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/mailguard/internal/metrics"
)

const defaultShutdownTimeout = 30 * time.Second

// Delivery is one completed SMTP transaction.
type Delivery struct {
	MailFrom   string
	RcptTo     []string
	Data       []byte
	RemoteAddr string
}

// Handler accepts completed transactions. A nil error is answered with 250;
// a CodedError with its own code; any other error with 451.
type Handler interface {
	Deliver(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Deliver calls f.
func (f HandlerFunc) Deliver(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// CodedError is an error carrying the SMTP reply code to send. Its Error text
// is used as the reply text.
type CodedError interface {
	error
	SMTPCode() int
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// Handler receives every completed transaction.
	Handler Handler

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable SMTP AUTH when both are set.
	AuthUsername string
	AuthPassword string

	MaxMessageSize  int64
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Metrics *metrics.Metrics
}

// Server accepts SMTP connections, one goroutine per connection.
type Server struct {
	config ServerConfig
	auth   *Authenticator

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to the shutdown timeout for open sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, &s.config, s.auth).Handle(ctx)
		}()
	}
}

// waitForSessions waits for in-flight sessions, bounded by the shutdown timeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.config.ShutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
