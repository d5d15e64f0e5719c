// Package ses implements a Provider that relays messages through AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailguard/internal/provider"
)

const maxRetries = 3

const defaultRetryDelay = 1 * time.Second

// Config holds the settings for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope sender with a verified SES identity.
	Sender string
}

// SendEmailAPI is the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends raw MIME messages via the SES v2 API.
type Provider struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

// New loads AWS configuration for cfg and creates a Provider. Static
// credentials are used when both keys are set; otherwise the default chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider around an existing client.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:     sender,
		client:     client,
		retryDelay: defaultRetryDelay,
	}
}

// Send relays env.Data unchanged, retrying transient failures with
// exponential backoff.
func (p *Provider) Send(ctx context.Context, env *provider.Envelope) error {
	if len(env.Recipients) == 0 {
		return errors.New("no recipients")
	}

	input := buildInput(p.sender, env)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES request", "attempt", attempt, "max_retries", maxRetries)
			if err := sleepWithContext(ctx, backoffDelay(p.retryDelay, attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES request failed", "attempt", attempt, "error", err)
	}

	return fmt.Errorf("SES request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func buildInput(sender string, env *provider.Envelope) *sesv2.SendEmailInput {
	from := env.From
	if sender != "" {
		from = sender
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: env.Recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Data},
		},
	}
}

// backoffDelay doubles base once per attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
