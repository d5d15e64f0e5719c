// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailguard/internal/policy"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Upstream provider names.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
	ProviderNone   = "none"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	SES        SESConfig        `yaml:"ses"`
	Tika       TikaConfig       `yaml:"tika"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Detection  DetectionConfig  `yaml:"detection"`
	Policy     PolicyConfig     `yaml:"policy"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Events     EventsConfig     `yaml:"events"`
	TLS        TLSConfig        `yaml:"tls"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SMTPConfig holds the listening SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	RejectBlocked  bool   `yaml:"reject_blocked"`
	Workers        int    `yaml:"workers"`
}

// UpstreamConfig selects where allowed messages are relayed.
type UpstreamConfig struct {
	Provider string             `yaml:"provider"`
	SMTP     UpstreamSMTPConfig `yaml:"smtp"`
}

// UpstreamSMTPConfig holds the relay server settings.
type UpstreamSMTPConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	StartTLS   bool          `yaml:"starttls"`
	RequireTLS bool          `yaml:"require_tls"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TikaConfig locates the text extraction service.
type TikaConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClassifierConfig locates the entity recognition service.
type ClassifierConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DetectionConfig tunes pattern detection.
type DetectionConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
}

// PolicyConfig maps detection categories to actions. Rules are merged over
// the built-in table.
type PolicyConfig struct {
	DefaultAction string            `yaml:"default_action"`
	Rules         map[string]string `yaml:"rules"`
}

// ExtractionConfig bounds attachment processing.
type ExtractionConfig struct {
	MaxAttachmentSizeMB int `yaml:"max_attachment_size_mb"`
	MaxArchiveDepth     int `yaml:"max_archive_depth"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	QuarantineDir  string `yaml:"quarantine_dir"`
	AttachmentsDir string `yaml:"attachments_dir"`
}

// DatabaseConfig locates the audit database.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// APIConfig holds the HTTP surface settings. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// EventsConfig tunes live event delivery.
type EventsConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Keepalive time.Duration `yaml:"keepalive"`
}

// TLSConfig holds TLS certificate file paths. Without files a self-signed
// certificate is generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ProviderName returns the upstream provider. When none is named it is
// auto-detected: smtp if a relay host is set, ses if a region is set,
// otherwise stdout.
func (c *Config) ProviderName() string {
	if c.Upstream.Provider != "" {
		return c.Upstream.Provider
	}
	if c.Upstream.SMTP.Host != "" {
		return ProviderSMTP
	}
	if c.SES.Region != "" {
		return ProviderSES
	}
	return ProviderStdout
}

// MaxAttachmentBytes converts the configured attachment limit to bytes.
func (c *Config) MaxAttachmentBytes() int64 {
	return int64(c.Extraction.MaxAttachmentSizeMB) << 20
}

// PolicyRules returns the built-in rules with the configured overrides
// applied.
func (c *Config) PolicyRules() (map[string]policy.Action, error) {
	rules := policy.DefaultRules()
	for category, name := range c.Policy.Rules {
		action, err := policy.ParseAction(name)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", category, err)
		}
		rules[strings.ToLower(category)] = action
	}
	return rules, nil
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		errs = append(errs, errors.New("smtp.username and smtp.password must be set together"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize))
	}
	if c.SMTP.Workers <= 0 {
		errs = append(errs, fmt.Errorf("smtp.workers must be positive, got %d", c.SMTP.Workers))
	}

	switch p := c.ProviderName(); p {
	case ProviderSMTP:
		if c.Upstream.SMTP.Host == "" {
			errs = append(errs, errors.New("upstream.smtp.host is required for the smtp provider"))
		}
		if c.Upstream.SMTP.Port <= 0 || c.Upstream.SMTP.Port > 65535 {
			errs = append(errs, fmt.Errorf("upstream.smtp.port out of range: %d", c.Upstream.SMTP.Port))
		}
	case ProviderSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("ses.region is required for the ses provider"))
		}
	case ProviderStdout, ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("unknown upstream provider %q", p))
	}

	if c.Classifier.Enabled && c.Classifier.URL == "" {
		errs = append(errs, errors.New("classifier.url is required when the classifier is enabled"))
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be within [0, 1], got %v", c.Detection.MinConfidence))
	}
	if _, err := policy.ParseAction(c.Policy.DefaultAction); err != nil {
		errs = append(errs, fmt.Errorf("policy.default_action: %w", err))
	}
	if _, err := c.PolicyRules(); err != nil {
		errs = append(errs, err)
	}
	if c.Extraction.MaxAttachmentSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("extraction.max_attachment_size_mb must be positive, got %d", c.Extraction.MaxAttachmentSizeMB))
	}
	if c.Extraction.MaxArchiveDepth < 1 {
		errs = append(errs, fmt.Errorf("extraction.max_archive_depth must be at least 1, got %d", c.Extraction.MaxArchiveDepth))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Events.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.Workers = 8

	c.Upstream.SMTP.Port = 25
	c.Upstream.SMTP.Timeout = 30 * time.Second

	c.Tika.URL = "http://localhost:9998"
	c.Tika.Timeout = 30 * time.Second
	c.Classifier.URL = "http://localhost:5002"
	c.Classifier.Timeout = 10 * time.Second

	c.Detection.MinConfidence = 0.7
	c.Policy.DefaultAction = string(policy.Tag)
	c.Extraction.MaxAttachmentSizeMB = 50
	c.Extraction.MaxArchiveDepth = 5

	c.Storage.QuarantineDir = "./quarantine"
	c.Storage.AttachmentsDir = "./attachments"
	c.Database.URL = "sqlite:///mailguard.db"

	c.API.Listen = ":8080"
	c.Events.QueueSize = 100
	c.Events.Keepalive = 30 * time.Second

	c.TLS.Enabled = true
	c.Logging.Level = "info"
}

// envReader collects parse failures so that applyEnvVars can report them
// together.
type envReader struct {
	errs []error
}

func (r *envReader) str(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func (r *envReader) int(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) bool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = d
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; a value
// that does not parse is an error.
func (c *Config) applyEnvVars() error {
	var r envReader

	r.str("SMTP_LISTEN", &c.SMTP.Listen)
	r.str("SMTP_HOSTNAME", &c.SMTP.Hostname)
	r.str("SMTP_USERNAME", &c.SMTP.Username)
	r.str("SMTP_PASSWORD", &c.SMTP.Password)
	r.int64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)
	r.bool("SMTP_REJECT_BLOCKED", &c.SMTP.RejectBlocked)
	r.int("SMTP_WORKERS", &c.SMTP.Workers)

	r.str("UPSTREAM_PROVIDER", &c.Upstream.Provider)
	r.str("UPSTREAM_SMTP_HOST", &c.Upstream.SMTP.Host)
	r.int("UPSTREAM_SMTP_PORT", &c.Upstream.SMTP.Port)
	r.str("UPSTREAM_SMTP_USERNAME", &c.Upstream.SMTP.Username)
	r.str("UPSTREAM_SMTP_PASSWORD", &c.Upstream.SMTP.Password)
	r.bool("UPSTREAM_SMTP_STARTTLS", &c.Upstream.SMTP.StartTLS)
	r.bool("UPSTREAM_SMTP_REQUIRE_TLS", &c.Upstream.SMTP.RequireTLS)
	r.duration("UPSTREAM_SMTP_TIMEOUT", &c.Upstream.SMTP.Timeout)

	r.str("SES_REGION", &c.SES.Region)
	r.str("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	r.str("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	r.str("SES_SENDER", &c.SES.Sender)

	r.str("TIKA_SERVER_URL", &c.Tika.URL)
	r.duration("TIKA_TIMEOUT", &c.Tika.Timeout)
	r.str("CLASSIFIER_URL", &c.Classifier.URL)
	r.bool("CLASSIFIER_ENABLED", &c.Classifier.Enabled)
	r.duration("CLASSIFIER_TIMEOUT", &c.Classifier.Timeout)

	r.float("MIN_CONFIDENCE", &c.Detection.MinConfidence)
	r.str("DEFAULT_POLICY", &c.Policy.DefaultAction)
	r.int("MAX_ATTACHMENT_SIZE_MB", &c.Extraction.MaxAttachmentSizeMB)
	r.int("MAX_ARCHIVE_DEPTH", &c.Extraction.MaxArchiveDepth)

	r.str("QUARANTINE_DIR", &c.Storage.QuarantineDir)
	r.str("ATTACHMENTS_DIR", &c.Storage.AttachmentsDir)
	r.str("DATABASE_URL", &c.Database.URL)

	r.str("API_LISTEN", &c.API.Listen)
	r.int("EVENTS_QUEUE_SIZE", &c.Events.QueueSize)
	r.duration("EVENTS_KEEPALIVE", &c.Events.Keepalive)

	r.bool("TLS_ENABLED", &c.TLS.Enabled)
	r.str("TLS_CERT_FILE", &c.TLS.CertFile)
	r.str("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	c.Upstream.Provider = strings.ToLower(c.Upstream.Provider)

	return errors.Join(r.errs...)
}
