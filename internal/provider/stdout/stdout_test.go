package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/mailguard/internal/parser"
	"github.com/shineum/mailguard/internal/provider"
)

func envelope(t *testing.T, raw string) *provider.Envelope {
	t.Helper()
	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return &provider.Envelope{
		From:       msg.From(),
		Recipients: msg.Addresses("To", "Cc"),
		Message:    msg,
		Data:       []byte(raw),
	}
}

func TestSend_BasicEmail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := envelope(t, "From: sender@example.com\r\n"+
		"To: alice@example.com, bob@example.com\r\n"+
		"Subject: Monthly Report\r\n"+
		"Message-Id: <r1@example.com>\r\n"+
		"\r\n"+
		"Please find the report attached.\r\n")

	if err := p.Send(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: sender@example.com\n",
		"To: alice@example.com, bob@example.com\n",
		"Subject: Monthly Report\n",
		"Message-ID: <r1@example.com>\n",
		"Please find the report attached.\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := envelope(t, "From: sender@example.com\r\n"+
		"To: alice@example.com\r\n"+
		"Subject: Files\r\n"+
		"Content-Type: multipart/mixed; boundary=b\r\n"+
		"\r\n"+
		"--b\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"see attached\r\n"+
		"--b\r\n"+
		"Content-Type: application/pdf\r\n"+
		"Content-Disposition: attachment; filename=report.pdf\r\n"+
		"\r\n"+
		"0123456789\r\n"+
		"--b--\r\n")

	if err := p.Send(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Attachments: report.pdf (10 B)") {
		t.Errorf("output missing attachment summary:\n%s", buf.String())
	}
}

func TestSend_WithoutMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	env := &provider.Envelope{From: "a@example.com", Recipients: []string{"b@example.com"}, Data: make([]byte, 2048)}
	if err := p.Send(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Size: 2.0 KB") {
		t.Errorf("output missing size:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "Subject:") {
		t.Error("output should not contain Subject without a parsed message")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{})
	if err := p.Send(context.Background(), &provider.Envelope{}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
