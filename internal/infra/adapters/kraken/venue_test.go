package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/observability"
)

const (
	restPrefix    = "/derivatives/api/v3"
	historyPrefix = "/api/history/v2"
	wsPath        = "/ws/v1"
	testSecret    = "c2VjcmV0"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func fixedClock() time.Time { return fixedNow }

const instrumentsBody = `{"result":"success","instruments":[
	{"symbol":"PF_XBTUSD","type":"flexible_futures","tradeable":true,"base":"XBT","quote":"USD",
	 "tickSize":0.5,"contractSize":1,"maxRelativeFundingRate":0.0025,"marginLevels":[{"initialMargin":0.02}]},
	{"symbol":"PF_ETHUSD","type":"flexible_futures","tradeable":true,"base":"ETH","quote":"USD","tickSize":"0.1"},
	{"symbol":"FI_XBTUSD_240628","type":"futures_inverse","tradeable":true}
]}`

type recordedRequest struct {
	Method string
	Path   string
	Form   url.Values
	Header http.Header
}

// fakeVenue serves canned REST bodies by path and hands WebSocket connections to ws.
type fakeVenue struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	requests []recordedRequest
	ws       func(ctx context.Context, conn *websocket.Conn)
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{
		t:        t,
		bodies:   map[string]string{restPrefix + "/instruments": instrumentsBody},
		statuses: make(map[string]int),
	}
	v.srv = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == wsPath {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		v.mu.Lock()
		handler := v.ws
		v.mu.Unlock()
		if handler != nil {
			handler(r.Context(), conn)
		}
		return
	}
	_ = r.ParseForm()
	v.mu.Lock()
	v.requests = append(v.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Form: r.Form, Header: r.Header.Clone()})
	body, ok := v.bodies[r.URL.Path]
	status := v.statuses[r.URL.Path]
	v.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (v *fakeVenue) respond(path, body string) {
	v.mu.Lock()
	v.bodies[path] = body
	v.mu.Unlock()
}

func (v *fakeVenue) respondStatus(path string, status int, body string) {
	v.mu.Lock()
	v.bodies[path] = body
	v.statuses[path] = status
	v.mu.Unlock()
}

func (v *fakeVenue) handleWS(fn func(ctx context.Context, conn *websocket.Conn)) {
	v.mu.Lock()
	v.ws = fn
	v.mu.Unlock()
}

func (v *fakeVenue) calls(path string) []recordedRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []recordedRequest
	for _, req := range v.requests {
		if req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func (v *fakeVenue) exchangeConfig(withCredentials bool) config.ExchangeConfig {
	cfg := config.Default().Exchange
	cfg.RESTURL = v.srv.URL + restPrefix
	cfg.HistoryURL = v.srv.URL + historyPrefix
	cfg.WebsocketURL = "ws" + strings.TrimPrefix(v.srv.URL, "http") + wsPath
	cfg.TradingPairs = []string{"BTC-USD"}
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.RateLimits = map[string]config.RateLimit{
		config.BucketPublic:  {RPS: 1000, Burst: 1000},
		config.BucketPrivate: {RPS: 1000, Burst: 1000},
		config.BucketHistory: {RPS: 1000, Burst: 1000},
		config.BucketOrders:  {RPS: 1000, Burst: 1000},
	}
	if withCredentials {
		cfg.APIKey = "key"
		cfg.APISecret = testSecret
	}
	return cfg
}

func (v *fakeVenue) options(withCredentials bool) Options {
	return Options{
		Config: v.exchangeConfig(withCredentials),
		Logger: observability.Nop(),
		Clock:  fixedClock,
	}
}
