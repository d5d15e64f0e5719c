// Package forward relays accepted messages to the configured upstream.
package forward

import (
	"context"
	"log/slog"

	"github.com/shineum/mailguard/internal/email"
	"github.com/shineum/mailguard/internal/provider"
)

// FallbackSender is used when the message has no parseable From address.
const FallbackSender = "no-reply@proxy"

// Forwarder sends messages through a Provider. A Forwarder without a provider
// skips delivery and reports success.
type Forwarder struct {
	provider provider.Provider
}

// New creates a Forwarder. p may be nil.
func New(p provider.Provider) *Forwarder {
	return &Forwarder{provider: p}
}

// Provider returns the configured provider name, or "none".
func (f *Forwarder) Provider() string {
	if f.provider == nil {
		return "none"
	}
	return f.provider.Name()
}

// Forward strips Bcc and relays msg to its To and Cc recipients. It reports
// whether the upstream accepted the message.
func (f *Forwarder) Forward(ctx context.Context, msg *email.Message) bool {
	if f.provider == nil {
		slog.Info("upstream not configured, skipping forward", "message_id", msg.MessageID())
		return true
	}

	env, ok := Envelope(msg)
	if !ok {
		slog.Warn("no recipients to forward to", "message_id", msg.MessageID())
		return false
	}

	if err := f.provider.Send(ctx, env); err != nil {
		slog.Error("failed to forward message",
			"provider", f.provider.Name(),
			"message_id", msg.MessageID(),
			"error", err,
		)
		return false
	}

	slog.Info("message forwarded",
		"provider", f.provider.Name(),
		"message_id", msg.MessageID(),
		"recipients", len(env.Recipients),
	)
	return true
}

// Envelope builds the outbound envelope for msg. It reports false when msg has
// no To or Cc recipients or cannot be serialized.
func Envelope(msg *email.Message) (*provider.Envelope, bool) {
	recipients := msg.Addresses("To", "Cc")
	if len(recipients) == 0 {
		return nil, false
	}

	out := msg
	if msg.Has("Bcc") {
		out = msg.Edit().DelHeader("Bcc").Message()
	}
	data, err := out.Bytes()
	if err != nil {
		slog.Error("failed to serialize message", "message_id", msg.MessageID(), "error", err)
		return nil, false
	}

	from := msg.From()
	if from == "" {
		from = FallbackSender
	}

	return &provider.Envelope{
		From:       from,
		Recipients: recipients,
		Message:    out,
		Data:       data,
	}, true
}
