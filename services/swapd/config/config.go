package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for swapd.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	Environment    string          `yaml:"environment"`
	Database       DatabaseConfig  `yaml:"database"`
	DeliveriesPath string          `yaml:"deliveries_path"`
	Log            LogConfig       `yaml:"log"`
	Quote          QuoteConfig     `yaml:"quote"`
	Swap           SwapConfig      `yaml:"swap"`
	Retry          RetryConfig     `yaml:"retry"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	Fiat           FiatConfig      `yaml:"fiat"`
	Lightning      LightningConfig `yaml:"lightning"`
	Admin          AdminConfig     `yaml:"admin"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// QuoteConfig controls quote issuance and the rate aggregation loop.
type QuoteConfig struct {
	TTL     Duration     `yaml:"ttl"`
	FeeBps  int          `yaml:"fee_bps"`
	Oracle  OracleConfig `yaml:"oracle"`
	Sources []Source     `yaml:"sources"`
	Pairs   []Pair       `yaml:"pairs"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval     Duration `yaml:"interval"`
	MaxAge       Duration `yaml:"max_age"`
	MinFeeds     int      `yaml:"min_feeds"`
	MaxDeviation float64  `yaml:"max_deviation"`
	JumpBreaker  float64  `yaml:"jump_breaker"`
}

// Source describes an upstream rate feed.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Rate     string            `yaml:"rate"`
	Assets   map[string]string `yaml:"assets"`
}

// Pair identifies a base/quote pair to aggregate. Base is always the bitcoin leg.
type Pair struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

// SwapConfig controls the swap lifecycle.
type SwapConfig struct {
	MaxRetries           int      `yaml:"max_retries"`
	ProcessingTimeout    Duration `yaml:"processing_timeout"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	SweepBatch           int      `yaml:"sweep_batch"`
	RefreshExpiredQuotes bool     `yaml:"refresh_expired_quotes"`
}

// RetryConfig controls in-call retries of external operations.
type RetryConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

// BreakerConfig controls the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// FiatConfig configures the mobile money provider.
type FiatConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	APIKeyEnv         string   `yaml:"api_key_env"`
	PublishableKey    string   `yaml:"publishable_key"`
	WebhookSecret     string   `yaml:"webhook_secret"`
	WebhookSecretEnv  string   `yaml:"webhook_secret_env"`
	Currency          string   `yaml:"currency"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Timeout           Duration `yaml:"timeout"`
}

// LightningConfig selects and configures the settlement backend.
type LightningConfig struct {
	Backend  string         `yaml:"backend"`
	Fedimint FedimintConfig `yaml:"fedimint"`
	LND      LNDConfig      `yaml:"lnd"`
}

// FedimintConfig points at a fedimint-clientd instance.
type FedimintConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Password     string   `yaml:"password"`
	PasswordEnv  string   `yaml:"password_env"`
	FederationID string   `yaml:"federation_id"`
	GatewayID    string   `yaml:"gateway_id"`
	Timeout      Duration `yaml:"timeout"`
	AwaitTimeout Duration `yaml:"await_timeout"`
	// StatusTimeout bounds a single invoice status lookup.
	StatusTimeout Duration `yaml:"status_timeout"`
}

// LNDConfig points at an lnd gRPC endpoint.
type LNDConfig struct {
	Host         string   `yaml:"host"`
	TLSCertPath  string   `yaml:"tls_cert"`
	MacaroonPath string   `yaml:"macaroon"`
	PayTimeout   Duration `yaml:"pay_timeout"`
	FeeLimitSats int64    `yaml:"fee_limit_sats"`
}

// AdminConfig configures the operator API.
type AdminConfig struct {
	BearerToken    string         `yaml:"bearer_token"`
	BearerTokenEnv string         `yaml:"bearer_token_env"`
	TLS            AdminTLSConfig `yaml:"tls"`
	MTLS           MTLSConfig     `yaml:"mtls"`
}

// AdminTLSConfig carries the listener certificate.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// MTLSConfig enables client certificate verification for the admin API.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientCAPath string `yaml:"client_ca"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	allowInsecureBearer bool
	lookupEnv           func(string) (string, bool)
}

// WithAllowInsecureBearerWithoutTLS permits a bearer token on a plaintext
// listener. Only meant for development.
func WithAllowInsecureBearerWithoutTLS() Option {
	return func(o *loadOptions) {
		o.allowInsecureBearer = true
	}
}

// WithEnvLookup overrides how secret environment variables are resolved.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if fn != nil {
			o.lookupEnv = fn
		}
	}
}

// Load reads configuration from the supplied path.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return finalise(cfg, opts...)
}

// Parse decodes configuration from raw YAML bytes.
func Parse(raw []byte, opts ...Option) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return finalise(cfg, opts...)
}

func finalise(cfg Config, opts ...Option) (Config, error) {
	o := loadOptions{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	applyDefaults(&cfg)
	cfg.resolveSecrets(o.lookupEnv)
	if err := cfg.Admin.normalise(o.allowInsecureBearer); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7074"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "/var/data/swapd.sqlite"
	}
	if cfg.DeliveriesPath == "" {
		cfg.DeliveriesPath = "/var/data/swapd-deliveries.db"
	}
	if cfg.Quote.TTL.Duration == 0 {
		cfg.Quote.TTL.Duration = 5 * time.Minute
	}
	if cfg.Quote.Oracle.Interval.Duration == 0 {
		cfg.Quote.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Quote.Oracle.MaxAge.Duration == 0 {
		cfg.Quote.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Quote.Oracle.MinFeeds <= 0 {
		cfg.Quote.Oracle.MinFeeds = 1
	}
	if cfg.Swap.MaxRetries <= 0 {
		cfg.Swap.MaxRetries = 3
	}
	if cfg.Swap.ProcessingTimeout.Duration == 0 {
		cfg.Swap.ProcessingTimeout.Duration = 10 * time.Minute
	}
	if cfg.Swap.SweepInterval.Duration == 0 {
		cfg.Swap.SweepInterval.Duration = time.Minute
	}
	if cfg.Swap.SweepBatch <= 0 {
		cfg.Swap.SweepBatch = 100
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Delay.Duration == 0 {
		cfg.Retry.Delay.Duration = time.Second
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout.Duration == 0 {
		cfg.Breaker.ResetTimeout.Duration = 30 * time.Second
	}
	if cfg.Fiat.Currency == "" {
		cfg.Fiat.Currency = "KES"
	}
	if cfg.Fiat.RequestsPerSecond <= 0 {
		cfg.Fiat.RequestsPerSecond = 5
	}
	if cfg.Fiat.Burst <= 0 {
		cfg.Fiat.Burst = 10
	}
	if cfg.Fiat.Timeout.Duration == 0 {
		cfg.Fiat.Timeout.Duration = 15 * time.Second
	}
	if cfg.Lightning.Backend == "" {
		cfg.Lightning.Backend = "fedimint"
	}
	if cfg.Lightning.Fedimint.Timeout.Duration == 0 {
		cfg.Lightning.Fedimint.Timeout.Duration = 30 * time.Second
	}
	if cfg.Lightning.Fedimint.AwaitTimeout.Duration == 0 {
		cfg.Lightning.Fedimint.AwaitTimeout.Duration = time.Hour
	}
	if cfg.Lightning.LND.PayTimeout.Duration == 0 {
		cfg.Lightning.LND.PayTimeout.Duration = time.Minute
	}
}

func (cfg *Config) resolveSecrets(lookup func(string) (string, bool)) {
	cfg.Database.DSN = secret(cfg.Database.DSN, cfg.Database.DSNEnv, lookup)
	cfg.Fiat.APIKey = secret(cfg.Fiat.APIKey, cfg.Fiat.APIKeyEnv, lookup)
	cfg.Fiat.WebhookSecret = secret(cfg.Fiat.WebhookSecret, cfg.Fiat.WebhookSecretEnv, lookup)
	cfg.Lightning.Fedimint.Password = secret(cfg.Lightning.Fedimint.Password, cfg.Lightning.Fedimint.PasswordEnv, lookup)
	cfg.Admin.BearerToken = secret(cfg.Admin.BearerToken, cfg.Admin.BearerTokenEnv, lookup)
}

func secret(value, envName string, lookup func(string) (string, bool)) string {
	envName = strings.TrimSpace(envName)
	if envName == "" || lookup == nil {
		return strings.TrimSpace(value)
	}
	if resolved, ok := lookup(envName); ok && strings.TrimSpace(resolved) != "" {
		return strings.TrimSpace(resolved)
	}
	return strings.TrimSpace(value)
}

func (cfg *AdminConfig) normalise(allowInsecure bool) error {
	cfg.BearerToken = strings.TrimSpace(cfg.BearerToken)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.MTLS.ClientCAPath = strings.TrimSpace(cfg.MTLS.ClientCAPath)
	if cfg.MTLS.Enabled && cfg.MTLS.ClientCAPath == "" {
		return errors.New("mtls.client_ca must be configured when mTLS is enabled")
	}
	if cfg.MTLS.Enabled && cfg.TLS.Disable {
		return errors.New("mtls requires TLS to be enabled")
	}
	if !cfg.TLS.Disable && (cfg.TLS.CertPath == "") != (cfg.TLS.KeyPath == "") {
		return errors.New("admin tls requires both cert and key")
	}
	if cfg.BearerToken != "" && cfg.TLS.Disable && !allowInsecure {
		return errors.New("admin bearer_token requires TLS to be enabled")
	}
	return nil
}

// TLSEnabled reports whether the listener should serve TLS.
func (cfg AdminConfig) TLSEnabled() bool {
	return !cfg.TLS.Disable && cfg.TLS.CertPath != "" && cfg.TLS.KeyPath != ""
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if len(cfg.Quote.Pairs) == 0 {
		return fmt.Errorf("at least one quote pair must be configured")
	}
	if len(cfg.Quote.Sources) == 0 {
		return fmt.Errorf("at least one rate source must be configured")
	}
	if cfg.Quote.FeeBps < 0 || cfg.Quote.FeeBps >= 10_000 {
		return fmt.Errorf("quote.fee_bps must be within [0, 10000)")
	}
	if cfg.Quote.TTL.Duration < 0 {
		return fmt.Errorf("quote.ttl must be positive")
	}
	if strings.TrimSpace(cfg.Fiat.BaseURL) == "" {
		return fmt.Errorf("fiat.base_url is required")
	}
	if cfg.Fiat.WebhookSecret == "" {
		return fmt.Errorf("fiat webhook secret is required")
	}
	switch strings.ToLower(cfg.Lightning.Backend) {
	case "fedimint":
		if strings.TrimSpace(cfg.Lightning.Fedimint.BaseURL) == "" {
			return fmt.Errorf("lightning.fedimint.base_url is required")
		}
	case "lnd":
		if cfg.Lightning.LND.Host == "" || cfg.Lightning.LND.TLSCertPath == "" || cfg.Lightning.LND.MacaroonPath == "" {
			return fmt.Errorf("lightning.lnd requires host, tls_cert and macaroon")
		}
	default:
		return fmt.Errorf("unsupported lightning backend %q", cfg.Lightning.Backend)
	}
	return nil
}
