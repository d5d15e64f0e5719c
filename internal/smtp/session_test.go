package smtp

import (
	"bufio"
	"context"
	stdtls "crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/mailguard/internal/metrics"
	mgtls "github.com/shineum/mailguard/internal/tls"
)

// fakeHandler records deliveries and answers with err.
type fakeHandler struct {
	mu         sync.Mutex
	deliveries []*Delivery
	err        error
}

func (f *fakeHandler) Deliver(_ context.Context, d *Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return f.err
}

func (f *fakeHandler) last() *Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deliveries) == 0 {
		return nil
	}
	return f.deliveries[len(f.deliveries)-1]
}

type rejection struct{}

func (rejection) Error() string { return "5.7.1 Message rejected by content policy" }
func (rejection) SMTPCode() int { return 550 }

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session over a fresh connection pair and returns the
// client side with the greeting already consumed.
func startSession(t *testing.T, cfg ServerConfig) (net.Conn, *bufio.Reader) {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "mail.test.com"
	}
	if cfg.Handler == nil {
		cfg.Handler = &fakeHandler{}
	}

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	sess := NewSession(server, &cfg, NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword))
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// ehlo sends EHLO and returns every response line.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

// expect sends cmd and checks the reply prefix.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, prefix string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, prefix) {
		t.Errorf("%s: got %q, want prefix %q", cmd, resp, prefix)
	}
	return resp
}

// transaction runs MAIL, RCPT and DATA with body and returns the final reply.
func transaction(t *testing.T, conn net.Conn, reader *bufio.Reader, body string) string {
	t.Helper()
	expect(t, conn, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, conn, reader, "RCPT TO:<recipient@example.com>", "250 ")
	expect(t, conn, reader, "DATA", "354 ")
	if _, err := conn.Write([]byte(body + "\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

const testMessage = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Test Email\r\n" +
	"\r\n" +
	"Hello, this is a test email.\r\n" +
	"..dot-stuffed line"

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, &ServerConfig{Hostname: "mail.test.com", Handler: &fakeHandler{}}, NewAuthenticator("", ""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Handle(ctx)

	greeting := readLine(t, bufio.NewReader(client))
	if !strings.HasPrefix(greeting, "220 ") || !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting: got %q", greeting)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass", MaxMessageSize: 1000})
	lines := strings.Join(ehlo(t, client, reader), "\n")

	for _, want := range []string{"AUTH PLAIN LOGIN", "SIZE 1000", "8BITMIME"} {
		if !strings.Contains(lines, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, lines)
		}
	}
	if strings.Contains(lines, "STARTTLS") {
		t.Error("EHLO advertised STARTTLS without TLS config")
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd    string
		prefix string
	}{
		{"HELO client.test.com", "250 "},
		{"NOOP", "250 "},
		{"INVALID", "500 "},
		{"EHLO", "501 "},
		{"STARTTLS", "454 "},
		{"QUIT", "221 "},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, ServerConfig{})
			expect(t, client, reader, tt.cmd, tt.prefix)
		})
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	client, reader := startSession(t, ServerConfig{Handler: handler})
	ehlo(t, client, reader)

	if resp := transaction(t, client, reader, testMessage); !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q, want prefix '250 '", resp)
	}

	d := handler.last()
	if d == nil {
		t.Fatal("handler did not receive the transaction")
	}
	if d.MailFrom != "sender@example.com" {
		t.Errorf("MailFrom: got %q", d.MailFrom)
	}
	if len(d.RcptTo) != 1 || d.RcptTo[0] != "recipient@example.com" {
		t.Errorf("RcptTo: got %v", d.RcptTo)
	}
	if !strings.HasSuffix(string(d.Data), "Hello, this is a test email.\r\n.dot-stuffed line\r\n") {
		t.Errorf("Data: got %q", d.Data)
	}
	if d.RemoteAddr == "" {
		t.Error("RemoteAddr is empty")
	}

	// The envelope is reset after DATA.
	expect(t, client, reader, "RCPT TO:<other@example.com>", "503 ")
}

func TestSession_HandlerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{"coded", rejection{}, "550 5.7.1 "},
		{"wrapped coded", errors.Join(errors.New("context"), rejection{}), "550 "},
		{"plain", errors.New("queue full"), "451 "},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, ServerConfig{Handler: &fakeHandler{err: tt.err}})
			ehlo(t, client, reader)
			if resp := transaction(t, client, reader, testMessage); !strings.HasPrefix(resp, tt.prefix) {
				t.Errorf("DATA completion: got %q, want prefix %q", resp, tt.prefix)
			}
			// The session stays usable.
			expect(t, client, reader, "NOOP", "250 ")
		})
	}
}

func TestSession_SizeLimit(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{}
	client, reader := startSession(t, ServerConfig{Handler: handler, MaxMessageSize: 64})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<sender@example.com> SIZE=65", "552 ")

	if resp := transaction(t, client, reader, strings.Repeat("x", 100)); !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized DATA: got %q, want prefix '552 '", resp)
	}
	if handler.last() != nil {
		t.Error("oversized message reached the handler")
	}

	if resp := transaction(t, client, reader, "Subject: ok\r\n\r\nsmall"); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("small message after oversized: got %q", resp)
	}
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{})
	ehlo(t, client, reader)

	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, client, reader, "RSET", "250 ")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503 ")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass"})

	expect(t, client, reader, "AUTH PLAIN dGVzdA==", "503 ")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "503 ")
	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "530 ")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503 ")
	expect(t, client, reader, "DATA", "503 ")
}

func TestSession_AuthPlain(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass", Metrics: m})
	ehlo(t, client, reader)

	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00wrong"), "535 ")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "235 ")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")

	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("auth failures: got %v, want 1", got)
	}
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, ServerConfig{AuthUsername: "user", AuthPassword: "pass"})
	ehlo(t, client, reader)

	expect(t, client, reader, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	expect(t, client, reader, b64("user"), "334 UGFzc3dvcmQ6")
	expect(t, client, reader, b64("pass"), "235 ")
}

func TestSession_STARTTLS(t *testing.T) {
	t.Parallel()

	serverTLS, err := mgtls.LoadOrGenerateTLS("", "", "mail.test.com")
	if err != nil {
		t.Fatalf("LoadOrGenerateTLS() error: %v", err)
	}

	handler := &fakeHandler{}
	client, reader := startSession(t, ServerConfig{Handler: handler, TLSConfig: serverTLS})
	if lines := strings.Join(ehlo(t, client, reader), "\n"); !strings.Contains(lines, "STARTTLS") {
		t.Fatalf("EHLO missing STARTTLS:\n%s", lines)
	}
	expect(t, client, reader, "STARTTLS", "220 ")

	tlsConn := stdtls.Client(client, &stdtls.Config{ServerName: "mail.test.com", InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	tlsReader := bufio.NewReader(tlsConn)

	if lines := strings.Join(ehlo(t, tlsConn, tlsReader), "\n"); strings.Contains(lines, "STARTTLS") {
		t.Error("STARTTLS advertised again after upgrade")
	}
	if resp := transaction(t, tlsConn, tlsReader, testMessage); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("DATA over TLS: got %q", resp)
	}
	if handler.last() == nil {
		t.Error("handler did not receive the transaction")
	}
}

func TestSession_Metrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	client, reader := startSession(t, ServerConfig{Metrics: m})
	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Errorf("connections: got %v, want 1", got)
	}
	expect(t, client, reader, "QUIT", "221 ")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd || arg != tt.wantArg {
				t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)", tt.input, cmd, arg, tt.wantCmd, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"<user@example.com> SIZE=100", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"user@example.com BODY=8BITMIME", "user@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := extractAddress(tt.input); got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSizeParam(t *testing.T) {
	t.Parallel()

	if n, ok := sizeParam("<a@example.com> size=42 BODY=8BITMIME"); !ok || n != 42 {
		t.Errorf("sizeParam: got (%d, %v), want (42, true)", n, ok)
	}
	if _, ok := sizeParam("<a@example.com>"); ok {
		t.Error("sizeParam reported a value without SIZE")
	}
	if _, ok := sizeParam("<a@example.com> SIZE=abc"); ok {
		t.Error("sizeParam accepted a non-numeric value")
	}
}
