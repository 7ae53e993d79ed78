// Package kraken wires the connector core to the Kraken Futures REST and WebSocket APIs.
package kraken

import (
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/observability"
)

const exchangeName = "kraken"

type endpoints struct {
	instruments     string
	orderBook       string
	tickers         string
	historicalRates string
	sendOrder       string
	cancelOrder     string
	orderStatus     string
	fills           string
	openPositions   string
	accounts        string
	orderHistory    string
	signPrefix      string
}

var krakenEndpoints = endpoints{
	instruments:     "/instruments",
	orderBook:       "/orderbook",
	tickers:         "/tickers",
	historicalRates: "/historicalfundingrates",
	sendOrder:       "/sendorder",
	cancelOrder:     "/cancelorder",
	orderStatus:     "/orders/status",
	fills:           "/fills",
	openPositions:   "/openpositions",
	accounts:        "/accounts",
	orderHistory:    "/orders",
	// Signatures cover the path below this prefix.
	signPrefix:      "/derivatives",
}

const (
	defaultReadLimit = 4 * 1024 * 1024
	pingInterval     = 30 * time.Second
	pingTimeout      = 5 * time.Second
	writeTimeout     = 5 * time.Second
	errorBodyLimit   = 4 << 10
)

// Options configure the adapter.
type Options struct {
	Config     config.ExchangeConfig
	HTTPClient *http.Client
	Logger     observability.Logger
	Metrics    *observability.Metrics
	Clock      func() time.Time
	// Auth overrides the HMAC authenticator built from the configured credentials.
	Auth       Authenticator
	Collateral CollateralPolicy
	Perpetual  PerpetualPolicy
}

func withDefaults(in Options) Options {
	defaults := config.Default().Exchange
	cfg := &in.Config
	if strings.TrimSpace(cfg.RESTURL) == "" {
		cfg.RESTURL = defaults.RESTURL
	}
	if strings.TrimSpace(cfg.HistoryURL) == "" {
		cfg.HistoryURL = defaults.HistoryURL
	}
	if strings.TrimSpace(cfg.WebsocketURL) == "" {
		cfg.WebsocketURL = defaults.WebsocketURL
	}
	cfg.RESTURL = strings.TrimRight(strings.TrimSpace(cfg.RESTURL), "/")
	cfg.HistoryURL = strings.TrimRight(strings.TrimSpace(cfg.HistoryURL), "/")
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = defaults.SnapshotDepth
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = defaults.StatusPollInterval
	}
	if cfg.AccountPollInterval <= 0 {
		cfg.AccountPollInterval = defaults.AccountPollInterval
	}
	if cfg.InstrumentRefreshInterval <= 0 {
		cfg.InstrumentRefreshInterval = defaults.InstrumentRefreshInterval
	}
	if cfg.NotFoundThreshold <= 0 {
		cfg.NotFoundThreshold = defaults.NotFoundThreshold
	}
	limits := make(map[string]config.RateLimit, len(defaults.RateLimits))
	for name, limit := range defaults.RateLimits {
		limits[name] = limit
	}
	for name, limit := range cfg.RateLimits {
		limits[name] = limit
	}
	cfg.RateLimits = limits

	if in.HTTPClient == nil {
		in.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if in.Metrics == nil {
		in.Metrics = observability.ConnectorMetrics()
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	if in.Collateral == nil {
		in.Collateral = QuoteCollateral{}
	}
	if in.Perpetual == nil {
		in.Perpetual = HourlyPerpetual{}
	}
	if in.Auth == nil && cfg.HasCredentials() {
		in.Auth = NewHMACAuthenticator(cfg.APIKey, cfg.APISecret, in.Clock)
	}
	return in
}

// signedPath is the part of a REST path covered by the request signature.
func signedPath(base, path string) string {
	full := base + path
	if idx := strings.Index(full, krakenEndpoints.signPrefix); idx >= 0 {
		return full[idx+len(krakenEndpoints.signPrefix):]
	}
	if idx := strings.Index(full, "/api/"); idx >= 0 {
		return full[idx:]
	}
	return path
}
