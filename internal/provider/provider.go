// Package provider defines the interface for upstream delivery backends.
package provider

import (
	"context"

	"github.com/shineum/mailguard/internal/email"
)

// Envelope is one outbound delivery: the SMTP envelope plus the message as it
// will be sent. Data is the serialized form of Message.
type Envelope struct {
	From       string
	Recipients []string
	Message    *email.Message
	Data       []byte
}

// Provider delivers an accepted message upstream.
type Provider interface {
	// Send delivers env. It returns an error if the delivery fails.
	Send(ctx context.Context, env *Envelope) error

	// Name returns the provider name used in configuration and logs.
	Name() string
}
