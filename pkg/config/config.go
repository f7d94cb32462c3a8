package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/swiftinvoice/pkg/middleware"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/storage"
)

// FileEnv names the optional YAML file loaded before the environment
const FileEnv = "SWIFTINVOICE_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Identity      IdentityConfig      `yaml:"identity"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Numbering     NumberingConfig     `yaml:"numbering"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	// CheckoutRateLimit bounds checkout-session creation per principal
	CheckoutRateLimit middleware.RateLimitConfig `yaml:"checkout_rate_limit"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// IdentityConfig selects how bearer tokens are verified
type IdentityConfig struct {
	// Verifier is firebase or oidc
	Verifier     string        `yaml:"verifier"`
	ProjectID    string        `yaml:"project_id"`
	OIDCIssuer   string        `yaml:"oidc_issuer"`
	OIDCClientID string        `yaml:"oidc_client_id"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// PaymentsConfig holds gateway credentials and checkout URLs
type PaymentsConfig struct {
	StripeSecretKey    string        `yaml:"stripe_secret_key"`
	WebhookSecret      string        `yaml:"webhook_secret"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance"`
	SuccessURL         string        `yaml:"success_url"`
	AllowedCancelHosts []string      `yaml:"allowed_cancel_hosts"`
	// APIBackendURL points the gateway client elsewhere, e.g. stripe-mock
	APIBackendURL     string `yaml:"api_backend_url"`
	MaxNetworkRetries int64  `yaml:"max_network_retries"`
}

// NumberingConfig controls invoice number allocation
type NumberingConfig struct {
	Prefix      string `yaml:"prefix"`
	Width       int    `yaml:"width"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// SessionsConfig controls the checkout session ledger
type SessionsConfig struct {
	// RedisURL enables the shared ledger; empty keeps it in process
	RedisURL       string        `yaml:"redis_url"`
	OutstandingTTL time.Duration `yaml:"outstanding_ttl"`
	ProcessedTTL   time.Duration `yaml:"processed_ttl"`
	CacheSize      int           `yaml:"cache_size"`
}

// ArchiveConfig enables copying verified webhook payloads to S3
type ArchiveConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Prefix       string `yaml:"prefix"`
}

// Enabled reports whether a bucket is configured
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// SweeperConfig controls the reconciliation catch-up job
type SweeperConfig struct {
	Schedule string        `yaml:"schedule"`
	Lookback time.Duration `yaml:"lookback"`
	Workers  int           `yaml:"workers"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			CheckoutRateLimit: middleware.CheckoutRateLimitConfig(),
		},
		Storage: storage.DefaultConfig(),
		Identity: IdentityConfig{
			Verifier:     "firebase",
			ReadyTimeout: 10 * time.Second,
		},
		Payments: PaymentsConfig{
			SignatureTolerance: 5 * time.Minute,
			SuccessURL:         "http://localhost:5173/invoices",
		},
		Numbering: NumberingConfig{
			Prefix:      "INV-",
			Width:       6,
			MaxAttempts: 5,
		},
		Sessions: SessionsConfig{
			OutstandingTTL: 24 * time.Hour,
			ProcessedTTL:   7 * 24 * time.Hour,
			CacheSize:      10000,
		},
		Sweeper: SweeperConfig{
			Schedule: "@every 15m",
			Lookback: 2 * time.Hour,
			Workers:  4,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "swiftinvoice",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads defaults, then the YAML file named by
// SWIFTINVOICE_CONFIG_FILE, then environment variables, and validates the
// result. Environment values win over file values.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("SWIFTINVOICE_HOST", s.Host)
	s.Port = getEnv("SWIFTINVOICE_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("SWIFTINVOICE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("SWIFTINVOICE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("SWIFTINVOICE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SWIFTINVOICE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.CORSOrigins = getEnvList("SWIFTINVOICE_CORS_ORIGINS", s.CORSOrigins)
	s.CheckoutRateLimit.RequestsPerWindow = getEnvInt("SWIFTINVOICE_CHECKOUT_RATE_LIMIT", s.CheckoutRateLimit.RequestsPerWindow)

	st := &c.Storage
	st.Backend = getEnv("SWIFTINVOICE_STORAGE_BACKEND", st.Backend)
	st.FirestoreProject = getEnv("SWIFTINVOICE_FIRESTORE_PROJECT", st.FirestoreProject)
	st.PostgresURL = getEnv("SWIFTINVOICE_POSTGRES_URL", st.PostgresURL)
	st.PostgresReplicaURLs = getEnvList("SWIFTINVOICE_POSTGRES_REPLICA_URLS", st.PostgresReplicaURLs)
	st.PostgresMaxConns = getEnvInt("SWIFTINVOICE_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("SWIFTINVOICE_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("SWIFTINVOICE_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.PostgresMigrate = getEnvBool("SWIFTINVOICE_POSTGRES_MIGRATE", st.PostgresMigrate)

	id := &c.Identity
	id.Verifier = getEnv("SWIFTINVOICE_IDENTITY_VERIFIER", id.Verifier)
	id.ProjectID = getEnv("SWIFTINVOICE_IDENTITY_PROJECT_ID", id.ProjectID)
	id.OIDCIssuer = getEnv("SWIFTINVOICE_OIDC_ISSUER", id.OIDCIssuer)
	id.OIDCClientID = getEnv("SWIFTINVOICE_OIDC_CLIENT_ID", id.OIDCClientID)
	id.ReadyTimeout = getEnvDuration("SWIFTINVOICE_IDENTITY_READY_TIMEOUT", id.ReadyTimeout)

	p := &c.Payments
	p.StripeSecretKey = getEnv("SWIFTINVOICE_STRIPE_SECRET_KEY", p.StripeSecretKey)
	p.WebhookSecret = getEnv("SWIFTINVOICE_STRIPE_WEBHOOK_SECRET", p.WebhookSecret)
	p.SignatureTolerance = getEnvDuration("SWIFTINVOICE_STRIPE_SIGNATURE_TOLERANCE", p.SignatureTolerance)
	p.SuccessURL = getEnv("SWIFTINVOICE_SUCCESS_URL", p.SuccessURL)
	p.AllowedCancelHosts = getEnvList("SWIFTINVOICE_ALLOWED_CANCEL_HOSTS", p.AllowedCancelHosts)
	p.APIBackendURL = getEnv("SWIFTINVOICE_STRIPE_API_URL", p.APIBackendURL)
	p.MaxNetworkRetries = int64(getEnvInt("SWIFTINVOICE_STRIPE_MAX_RETRIES", int(p.MaxNetworkRetries)))

	n := &c.Numbering
	n.Prefix = getEnv("SWIFTINVOICE_NUMBER_PREFIX", n.Prefix)
	n.Width = getEnvInt("SWIFTINVOICE_NUMBER_WIDTH", n.Width)
	n.MaxAttempts = getEnvInt("SWIFTINVOICE_NUMBER_MAX_ATTEMPTS", n.MaxAttempts)

	se := &c.Sessions
	se.RedisURL = getEnv("SWIFTINVOICE_REDIS_URL", se.RedisURL)
	se.OutstandingTTL = getEnvDuration("SWIFTINVOICE_SESSION_OUTSTANDING_TTL", se.OutstandingTTL)
	se.ProcessedTTL = getEnvDuration("SWIFTINVOICE_SESSION_PROCESSED_TTL", se.ProcessedTTL)
	se.CacheSize = getEnvInt("SWIFTINVOICE_SESSION_CACHE_SIZE", se.CacheSize)

	a := &c.Archive
	a.Bucket = getEnv("SWIFTINVOICE_ARCHIVE_BUCKET", a.Bucket)
	a.Region = getEnv("SWIFTINVOICE_ARCHIVE_REGION", a.Region)
	a.Endpoint = getEnv("SWIFTINVOICE_ARCHIVE_ENDPOINT", a.Endpoint)
	a.UsePathStyle = getEnvBool("SWIFTINVOICE_ARCHIVE_USE_PATH_STYLE", a.UsePathStyle)
	a.AccessKey = getEnv("SWIFTINVOICE_ARCHIVE_ACCESS_KEY", a.AccessKey)
	a.SecretKey = getEnv("SWIFTINVOICE_ARCHIVE_SECRET_KEY", a.SecretKey)
	a.Prefix = getEnv("SWIFTINVOICE_ARCHIVE_PREFIX", a.Prefix)

	sw := &c.Sweeper
	sw.Schedule = getEnv("SWIFTINVOICE_SWEEP_SCHEDULE", sw.Schedule)
	sw.Lookback = getEnvDuration("SWIFTINVOICE_SWEEP_LOOKBACK", sw.Lookback)
	sw.Workers = getEnvInt("SWIFTINVOICE_SWEEP_WORKERS", sw.Workers)

	o := &c.Observability
	o.LogLevel = getEnv("SWIFTINVOICE_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("SWIFTINVOICE_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("SWIFTINVOICE_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("SWIFTINVOICE_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("SWIFTINVOICE_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("SWIFTINVOICE_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("SWIFTINVOICE_OTEL_INSECURE", o.OTelInsecure)
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Server.Port == "" {
		fail("server port is required")
	}

	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendFirestore:
		if c.Storage.FirestoreProject == "" {
			fail("firestore project is required for firestore storage")
		}
	case storage.BackendPostgres:
		if c.Storage.PostgresURL == "" {
			fail("postgres URL is required for postgres storage")
		}
	default:
		fail("invalid storage backend: %s (must be memory, firestore, or postgres)", c.Storage.Backend)
	}

	switch c.Identity.Verifier {
	case "firebase":
		if c.Identity.ProjectID == "" {
			fail("identity project id is required for the firebase verifier")
		}
	case "oidc":
		if c.Identity.OIDCIssuer == "" || c.Identity.OIDCClientID == "" {
			fail("oidc issuer and client id are required for the oidc verifier")
		}
	default:
		fail("invalid identity verifier: %s (must be firebase or oidc)", c.Identity.Verifier)
	}

	if c.Payments.StripeSecretKey == "" {
		fail("stripe secret key is required")
	}
	if c.Payments.WebhookSecret == "" {
		fail("stripe webhook secret is required")
	}
	if err := requireAbsoluteURL(c.Payments.SuccessURL); err != nil {
		fail("success URL: %v", err)
	}

	if c.Numbering.Width < 1 {
		fail("numbering width must be at least 1")
	}
	if c.Numbering.MaxAttempts < 1 {
		fail("numbering max attempts must be at least 1")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		fail("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return result.ErrorOrNil()
}

func requireAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
