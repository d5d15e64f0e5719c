package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailguard/internal/metrics"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const defaultIdleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when the server config leaves it unset.
const DefaultMaxMessageSize = 25 * 1024 * 1024

// Session is one client connection and its SMTP state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	handler  Handler
	hostname string
	maxSize  int64
	idle     time.Duration
	metrics  *metrics.Metrics

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn using the handler and limits in cfg.
func NewSession(conn net.Conn, cfg *ServerConfig, auth *Authenticator) *Session {
	s := &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		handler:   cfg.Handler,
		hostname:  cfg.Hostname,
		maxSize:   cfg.MaxMessageSize,
		idle:      cfg.IdleTimeout,
		metrics:   cfg.Metrics,
		tlsConfig: cfg.TLSConfig,
	}
	if s.hostname == "" {
		s.hostname = "localhost"
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxMessageSize
	}
	if s.idle <= 0 {
		s.idle = defaultIdleTimeout
	}
	return s
}

// Handle processes commands until the client disconnects, sends QUIT, or ctx
// is cancelled.
func (s *Session) Handle(ctx context.Context) {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailguard", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.idle)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "remote_addr", s.remoteAddr(), "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "remote_addr", s.remoteAddr(), "error", err)
		return
	}

	// RFC 3207: the client must greet again after the upgrade.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}
	s.finishAuth(s.auth.VerifyPlain(encoded))
}

func (s *Session) handleAuthLogin() {
	// "Username:" and "Password:" in base64.
	s.writeLine("334 VXNlcm5hbWU6")
	user, ok := s.readAuthLine()
	if !ok {
		return
	}
	if user == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	pass, ok := s.readAuthLine()
	if !ok {
		return
	}
	if pass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}
	s.finishAuth(s.auth.VerifyLogin(user, pass))
}

func (s *Session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("failed to read AUTH response", "remote_addr", s.remoteAddr(), "error", err)
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (s *Session) finishAuth(err error) {
	if err != nil {
		s.metrics.AuthFailed()
		slog.Warn("SMTP authentication failed", "remote_addr", s.remoteAddr(), "error", err)
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	rest := strings.TrimSpace(arg[5:])
	addr := extractAddress(rest)
	if addr == "" && !strings.HasPrefix(rest, "<>") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := sizeParam(rest); ok && size > s.maxSize {
		s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the terminating dot line. Content past
// the size limit is discarded but still consumed so the session stays in sync.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var (
		data     bytes.Buffer
		tooLarge bool
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("error reading DATA", "remote_addr", s.remoteAddr(), "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(data.Len()+len(line)) > s.maxSize {
			tooLarge = true
			data.Reset()
			continue
		}
		data.WriteString(line)
	}

	if tooLarge {
		s.writeLine("552 5.3.4 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	d := &Delivery{
		MailFrom:   s.mailFrom,
		RcptTo:     append([]string(nil), s.rcptTo...),
		Data:       data.Bytes(),
		RemoteAddr: s.remoteAddr(),
	}
	s.resetTransaction()

	if err := s.handler.Deliver(ctx, d); err != nil {
		var coded CodedError
		if errors.As(err, &coded) {
			s.writeLine("%d %s", coded.SMTPCode(), coded.Error())
			return
		}
		slog.Error("delivery failed", "remote_addr", d.RemoteAddr, "error", err)
		s.writeLine("451 4.3.0 Temporary failure, please try again later")
		return
	}

	s.writeLine("250 2.0.0 OK message queued")
}

func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the envelope without losing greeting or auth state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *Session) remoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress returns the address of a MAIL or RCPT parameter, in angle
// brackets or bare, ignoring any ESMTP parameters that follow it.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// sizeParam returns the value of a SIZE= ESMTP parameter.
func sizeParam(s string) (int64, bool) {
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
