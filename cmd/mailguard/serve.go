package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailguard/internal/api"
	"github.com/shineum/mailguard/internal/audit"
	"github.com/shineum/mailguard/internal/classifier"
	"github.com/shineum/mailguard/internal/config"
	"github.com/shineum/mailguard/internal/detect"
	"github.com/shineum/mailguard/internal/events"
	"github.com/shineum/mailguard/internal/extract"
	"github.com/shineum/mailguard/internal/forward"
	"github.com/shineum/mailguard/internal/metrics"
	"github.com/shineum/mailguard/internal/pipeline"
	"github.com/shineum/mailguard/internal/policy"
	"github.com/shineum/mailguard/internal/provider"
	"github.com/shineum/mailguard/internal/provider/ses"
	"github.com/shineum/mailguard/internal/provider/smtprelay"
	"github.com/shineum/mailguard/internal/provider/stdout"
	"github.com/shineum/mailguard/internal/smtp"
	"github.com/shineum/mailguard/internal/storage"
	mgtls "github.com/shineum/mailguard/internal/tls"
)

// drainTimeout bounds how long shutdown waits for queued messages.
const drainTimeout = 30 * time.Second

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP gateway and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			setupLogger(os.Stdout, cfg.Logging.Level)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					slog.Info("received signal, initiating shutdown", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New()

	store, err := audit.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	quarantine, err := storage.NewQuarantineStore(cfg.Storage.QuarantineDir)
	if err != nil {
		return err
	}
	attachments, err := storage.NewAttachmentStore(cfg.Storage.AttachmentsDir)
	if err != nil {
		return err
	}

	engine, err := buildPolicy(cfg, quarantine)
	if err != nil {
		return err
	}

	extractor := extract.New(extract.NewTikaClient(cfg.Tika.URL, cfg.Tika.Timeout), cfg.MaxAttachmentBytes())
	if !extractor.Available(ctx) {
		slog.Warn("Tika server not reachable, attachment text extraction will be skipped until it is", "url", cfg.Tika.URL)
	}

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}
	fwd := forward.New(prov)

	broker := events.NewBroker(cfg.Events.QueueSize, cfg.Events.Keepalive)
	m.WatchBroker(broker)

	handler := pipeline.NewHandler(pipeline.Options{
		Detector:          buildDetector(cfg),
		Extractor:         extractor,
		Policy:            engine,
		Attachments:       attachments,
		Audit:             store,
		Events:            broker,
		Forwarder:         fwd,
		Metrics:           m,
		MinConfidence:     cfg.Detection.MinConfidence,
		MaxAttachmentSize: cfg.MaxAttachmentBytes(),
		MaxArchiveDepth:   cfg.Extraction.MaxArchiveDepth,
	})
	pool := pipeline.NewPool(handler, cfg.SMTP.Workers, cfg.SMTP.RejectBlocked)

	tlsConfig, tlsMode, err := buildTLS(cfg)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        pool,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Metrics:        m,
	})

	slog.Info("starting mailguard",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"api_listen", cfg.API.Listen,
		"provider", fwd.Provider(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"reject_blocked", cfg.SMTP.RejectBlocked,
		"workers", cfg.SMTP.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.API.Listen != "" {
		httpAPI := api.New(api.Config{
			ListenAddr: cfg.API.Listen,
			Broker:     broker,
			Metrics:    m,
			Database:   store,
			Extractor:  extractor,
		})
		g.Go(func() error {
			return httpAPI.ListenAndServe(gctx)
		})
	}

	err = g.Wait()

	if !pool.Wait(drainTimeout) {
		slog.Warn("shutdown timed out with messages still in progress", "timeout", drainTimeout.String())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("mailguard stopped")
	return nil
}

func buildPolicy(cfg *config.Config, quarantine policy.Quarantiner) (*policy.Engine, error) {
	action, err := policy.ParseAction(cfg.Policy.DefaultAction)
	if err != nil {
		return nil, err
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		return nil, err
	}
	return policy.NewEngine(policy.Options{
		DefaultAction: action,
		Rules:         rules,
		Quarantine:    quarantine,
	}), nil
}

// buildDetector puts the entity recognizer first when the classifier is
// enabled. The regex strategy is always the last resort.
func buildDetector(cfg *config.Config) *detect.Engine {
	var strategies []detect.Detector
	if cfg.Classifier.Enabled {
		slog.Info("entity classifier enabled", "url", cfg.Classifier.URL)
		strategies = append(strategies, detect.NewNERDetector(classifier.New(cfg.Classifier.URL, cfg.Classifier.Timeout)))
	}
	strategies = append(strategies, detect.NewRegexDetector())
	return detect.NewEngine(strategies...)
}

func buildTLS(cfg *config.Config) (*tls.Config, string, error) {
	if !cfg.TLS.Enabled {
		return nil, "disabled", nil
	}
	tlsConfig, err := mgtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return nil, "", fmt.Errorf("failed to setup TLS: %w", err)
	}
	mode := "self-signed"
	if cfg.TLS.CertFile != "" {
		mode = "file"
	}
	return tlsConfig, mode, nil
}

// selectProvider chooses the upstream relay. The none provider yields a nil
// Provider, which the forwarder treats as skip-and-succeed.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch name := cfg.ProviderName(); name {
	case config.ProviderSMTP:
		p, err := smtprelay.New(smtprelay.Config{
			Host:       cfg.Upstream.SMTP.Host,
			Port:       cfg.Upstream.SMTP.Port,
			Username:   cfg.Upstream.SMTP.Username,
			Password:   cfg.Upstream.SMTP.Password,
			StartTLS:   cfg.Upstream.SMTP.StartTLS,
			RequireTLS: cfg.Upstream.SMTP.RequireTLS,
			HeloName:   cfg.SMTP.Hostname,
			Timeout:    cfg.Upstream.SMTP.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP relay provider: %w", err)
		}
		slog.Info("using SMTP relay provider", "addr", p.Addr(), "starttls", cfg.Upstream.SMTP.StartTLS)
		return p, nil

	case config.ProviderSES:
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case config.ProviderNone:
		slog.Warn("upstream forwarding disabled, permitted messages are dropped after processing")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
