// Package smtprelay implements a Provider that relays messages to an upstream
// SMTP server.
package smtprelay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mailguard/internal/provider"
)

const defaultTimeout = 30 * time.Second

// Config describes the upstream relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// StartTLS upgrades the connection when the server offers it. With
	// RequireTLS set, a server that does not offer it is an error.
	StartTLS   bool
	RequireTLS bool

	// HeloName is sent in EHLO. Defaults to "localhost".
	HeloName string
	Timeout  time.Duration
	TLS      *tls.Config
}

// Provider relays each envelope over a fresh SMTP connection.
type Provider struct {
	cfg Config
}

// New creates a Provider for cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("upstream smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLS == nil {
		cfg.TLS = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return &Provider{cfg: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Addr returns the upstream address.
func (p *Provider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Send performs one SMTP transaction for env.
func (p *Provider) Send(ctx context.Context, env *provider.Envelope) error {
	if len(env.Recipients) == 0 {
		return errors.New("no recipients")
	}

	client, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if p.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := client.Mail(env.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range env.Recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(env.Data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if !bytes.HasSuffix(env.Data, []byte("\r\n")) {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			w.Close()
			return fmt.Errorf("failed to write message data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Debug("QUIT failed", "addr", p.Addr(), "error", err)
	}
	return nil
}

// connect opens a session and, when configured, upgrades it with STARTTLS.
// Without RequireTLS a failed upgrade is retried on a fresh plaintext
// connection, since the failed attempt leaves the session unusable.
func (p *Provider) connect(ctx context.Context) (*smtp.Client, error) {
	if p.cfg.StartTLS {
		conn, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		client, err := smtp.NewClientStartTLS(conn, p.cfg.TLS)
		if err == nil {
			if err := p.hello(client); err != nil {
				client.Close()
				return nil, err
			}
			return client, nil
		}
		if p.cfg.RequireTLS {
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		slog.Warn("STARTTLS failed, continuing in plaintext", "addr", p.Addr(), "error", err)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	client := smtp.NewClient(conn)
	if err := p.hello(client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.Addr(), err)
	}

	deadline := time.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	return conn, nil
}

// hello sends EHLO with the configured name. After STARTTLS this is the
// first EHLO of the encrypted session.
func (p *Provider) hello(client *smtp.Client) error {
	client.CommandTimeout = p.cfg.Timeout
	client.SubmissionTimeout = p.cfg.Timeout
	if err := client.Hello(p.cfg.HeloName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	return nil
}
