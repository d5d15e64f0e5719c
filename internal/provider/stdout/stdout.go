// Package stdout implements a Provider that prints a summary of each message.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/mailguard/internal/provider"
)

const separator = "========================================\n"

// Provider writes a human-readable summary of every delivery to a writer.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints env. Write failures are returned.
func (p *Provider) Send(_ context.Context, env *provider.Envelope) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.Recipients, ", "))

	if msg := env.Message; msg != nil {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())
		if id := msg.MessageID(); id != "" {
			fmt.Fprintf(&b, "Message-ID: %s\n", id)
		}
		b.WriteString("Body:\n")
		b.WriteString(strings.TrimRight(msg.TextBody(), "\r\n") + "\n")

		if atts := msg.Attachments(); len(atts) > 0 {
			names := make([]string, 0, len(atts))
			for _, att := range atts {
				names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
		}
	}

	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(env.Data)))
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
