// Package config loads connector configuration from YAML with environment overrides.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/krakenperp/internal/observability"
	"github.com/coachpo/krakenperp/internal/risk"
	"github.com/coachpo/krakenperp/internal/telemetry"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Rate-limit bucket names.
const (
	BucketPublic  = "public"
	BucketPrivate = "private"
	BucketHistory = "history"
	BucketOrders  = "orders"
)

// Buckets lists every bucket the REST client draws from.
var Buckets = []string{BucketPublic, BucketPrivate, BucketHistory, BucketOrders}

// RateLimit sizes one token bucket.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ExchangeConfig holds venue endpoints, credentials and loop timings.
type ExchangeConfig struct {
	RESTURL      string   `yaml:"rest_url"`
	HistoryURL   string   `yaml:"history_url"`
	WebsocketURL string   `yaml:"websocket_url"`
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	TradingPairs []string `yaml:"trading_pairs"`

	SnapshotDepth             int           `yaml:"snapshot_depth"`
	HTTPTimeout               time.Duration `yaml:"http_timeout"`
	HandshakeTimeout          time.Duration `yaml:"handshake_timeout"`
	RetryDelay                time.Duration `yaml:"retry_delay"`
	StatusPollInterval        time.Duration `yaml:"status_poll_interval"`
	AccountPollInterval       time.Duration `yaml:"account_poll_interval"`
	InstrumentRefreshInterval time.Duration `yaml:"instrument_refresh_interval"`
	NotFoundThreshold         int           `yaml:"not_found_threshold"`

	RateLimits  map[string]RateLimit `yaml:"rate_limits"`
	OrderLimits risk.Limits          `yaml:"order_limits"`
}

// HasCredentials reports whether private endpoints can be used.
func (c ExchangeConfig) HasCredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Config is the connector configuration tree.
type Config struct {
	Environment Environment             `yaml:"environment"`
	Exchange    ExchangeConfig          `yaml:"exchange"`
	Logging     observability.LogConfig `yaml:"logging"`
	Telemetry   telemetry.Config        `yaml:"telemetry"`
}

// Default returns a production configuration pointed at the public venue endpoints.
func Default() Config {
	return Config{
		Environment: EnvProd,
		Exchange: ExchangeConfig{
			RESTURL:                   "https://futures.kraken.com/derivatives/api/v3",
			HistoryURL:                "https://futures.kraken.com/api/history/v2",
			WebsocketURL:              "wss://futures.kraken.com/ws/v1",
			SnapshotDepth:             100,
			HTTPTimeout:               10 * time.Second,
			HandshakeTimeout:          10 * time.Second,
			RetryDelay:                5 * time.Second,
			StatusPollInterval:        10 * time.Second,
			AccountPollInterval:       30 * time.Second,
			InstrumentRefreshInterval: time.Hour,
			NotFoundThreshold:         3,
			RateLimits: map[string]RateLimit{
				BucketPublic:  {RPS: 20, Burst: 20},
				BucketPrivate: {RPS: 10, Burst: 10},
				BucketHistory: {RPS: 2, Burst: 4},
				BucketOrders:  {RPS: 5, Burst: 5},
			},
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path, layers it over Default, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.merge(data); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.merge(data); err != nil {
		return Config{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	defaults := c.Exchange.RateLimits
	c.Exchange.RateLimits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	// Buckets missing from the file keep their defaults.
	if c.Exchange.RateLimits == nil {
		c.Exchange.RateLimits = make(map[string]RateLimit, len(defaults))
	}
	for name, limit := range defaults {
		if _, ok := c.Exchange.RateLimits[name]; !ok {
			c.Exchange.RateLimits[name] = limit
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var env string
	str("CONNECTOR_ENV", &env)
	if env != "" {
		c.Environment = Environment(env)
	}
	str("KRAKEN_API_KEY", &c.Exchange.APIKey)
	str("KRAKEN_API_SECRET", &c.Exchange.APISecret)
	str("KRAKEN_REST_URL", &c.Exchange.RESTURL)
	str("KRAKEN_HISTORY_URL", &c.Exchange.HistoryURL)
	str("KRAKEN_WS_URL", &c.Exchange.WebsocketURL)
	var pairs string
	str("KRAKEN_TRADING_PAIRS", &pairs)
	if pairs != "" {
		c.Exchange.TradingPairs = strings.Split(pairs, ",")
	}
	var depth string
	str("KRAKEN_SNAPSHOT_DEPTH", &depth)
	if n, err := strconv.Atoi(depth); err == nil {
		c.Exchange.SnapshotDepth = n
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		c.Telemetry.OTLPEndpoint = strings.TrimSpace(v)
		c.Telemetry.Enabled = true
	}
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Telemetry.Environment = string(c.Environment)

	ex := &c.Exchange
	ex.RESTURL = strings.TrimRight(strings.TrimSpace(ex.RESTURL), "/")
	ex.HistoryURL = strings.TrimRight(strings.TrimSpace(ex.HistoryURL), "/")
	ex.WebsocketURL = strings.TrimSpace(ex.WebsocketURL)
	ex.APIKey = strings.TrimSpace(ex.APIKey)
	ex.APISecret = strings.TrimSpace(ex.APISecret)

	pairs := make([]string, 0, len(ex.TradingPairs))
	seen := make(map[string]struct{}, len(ex.TradingPairs))
	for _, pair := range ex.TradingPairs {
		pair = strings.ToUpper(strings.TrimSpace(pair))
		if pair == "" {
			continue
		}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	ex.TradingPairs = pairs
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Exchange.validate(); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry otlp_endpoint required when enabled")
	}
	return nil
}

func (c ExchangeConfig) validate() error {
	if err := validateURL("rest_url", c.RESTURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("history_url", c.HistoryURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("websocket_url", c.WebsocketURL, "ws", "wss"); err != nil {
		return err
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return fmt.Errorf("api_key and api_secret must be set together")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("trading_pairs required")
	}
	for _, pair := range c.TradingPairs {
		base, quote, ok := strings.Cut(pair, "-")
		if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
			return fmt.Errorf("trading pair %q must be BASE-QUOTE", pair)
		}
	}
	if c.SnapshotDepth <= 0 {
		return fmt.Errorf("snapshot_depth must be >0")
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"http_timeout", c.HTTPTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"retry_delay", c.RetryDelay},
		{"status_poll_interval", c.StatusPollInterval},
		{"account_poll_interval", c.AccountPollInterval},
		{"instrument_refresh_interval", c.InstrumentRefreshInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be >0", d.name)
		}
	}
	if c.NotFoundThreshold <= 0 {
		return fmt.Errorf("not_found_threshold must be >0")
	}
	if err := c.OrderLimits.Validate(); err != nil {
		return fmt.Errorf("order_limits: %w", err)
	}
	for _, bucket := range Buckets {
		limit, ok := c.RateLimits[bucket]
		if !ok {
			return fmt.Errorf("rate_limits.%s required", bucket)
		}
		if limit.RPS <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s rps and burst must be >0", bucket)
		}
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, "/"))
}

func readConfigFile(path string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(strings.TrimSpace(path))) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}
