package kraken

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/observability"
)

// Request describes one REST call.
type Request struct {
	Method string
	Path   string
	Params url.Values
	// Auth signs the request.
	Auth bool
	// Bucket names the rate-limit budget; empty means public.
	Bucket string
	// History targets the history API instead of the trading API.
	History bool
}

// RESTClient executes rate-limited, optionally signed calls against the venue.
type RESTClient struct {
	baseURL    string
	historyURL string
	http       *http.Client
	auth       Authenticator
	limiter    *Limiter
	metrics    *observability.Metrics
	logger     observability.Logger
}

// NewRESTClient builds a client from adapter options.
func NewRESTClient(opts Options) *RESTClient {
	opts = withDefaults(opts)
	return &RESTClient{
		baseURL:    opts.Config.RESTURL,
		historyURL: opts.Config.HistoryURL,
		http:       opts.HTTPClient,
		auth:       opts.Auth,
		limiter:    NewLimiter(opts.Config.RateLimits),
		metrics:    opts.Metrics,
		logger:     observability.Component(opts.Logger, "kraken.rest"),
	}
}

type resultEnvelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Execute performs req and returns the raw body. Connection failures surface as
// CodeNetwork, non-2xx statuses and venue "result":"error" bodies as exchange errors.
func (c *RESTClient) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	bucket := req.Bucket
	if bucket == "" {
		bucket = config.BucketPublic
	}
	if err := c.limiter.Wait(ctx, bucket); err != nil {
		return nil, err
	}

	base := c.baseURL
	if req.History {
		base = c.historyURL
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	encoded := req.Params.Encode()
	endpoint := base + req.Path

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			endpoint += "?" + encoded
		}
	} else {
		body = strings.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Auth {
		if c.auth == nil {
			return nil, errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("credentials required for "+req.Path))
		}
		if err := c.auth.Sign(httpReq, signedPath(base, req.Path), encoded); err != nil {
			return nil, errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("sign request"), errs.WithCause(err))
		}
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.RESTDuration(ctx, req.Path, 0, time.Since(started))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transport(exchangeName, err, errs.WithMessage(method+" "+req.Path))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.RESTDuration(ctx, req.Path, resp.StatusCode, time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, statusError(req.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transport(exchangeName, err, errs.WithMessage("read "+req.Path))
	}
	var envelope resultEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && strings.EqualFold(envelope.Result, "error") {
		return nil, venueError(req.Path, envelope.Error)
	}
	return json.RawMessage(data), nil
}

func statusError(path string, status int, body string) error {
	code := errs.CodeExchange
	switch status {
	case http.StatusTooManyRequests:
		code = errs.CodeRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		code = errs.CodeAuth
	}
	return errs.New(exchangeName, code,
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("%s status %d", path, status)),
		errs.WithRawMessage(body))
}

func venueError(path, raw string) error {
	code := errs.CodeExchange
	opts := []errs.Option{errs.WithRawCode(raw), errs.WithMessage(path + ": " + raw)}
	switch raw {
	case "apiLimitExceeded":
		code = errs.CodeRateLimited
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalRateLimited))
	case "authenticationError", "nonceBelowThreshold", "nonceDuplicate":
		code = errs.CodeAuth
	case "insufficientAvailableFunds":
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	case "invalidSymbol", "contractNotFound":
		opts = append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return errs.New(exchangeName, code, opts...)
}
