package userstream

import (
	"context"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

// PairResolver maps a wire symbol to its canonical pair.
type PairResolver interface {
	ToPair(symbol string) (string, error)
}

// Options configures a Normalizer.
type Options struct {
	Exchange string
	Pairs    PairResolver
	Clock    func() time.Time
	Logger   observability.Logger
	Metrics  *observability.Metrics
}

// Normalizer converts raw user payloads into Events. It keeps no state between calls
// and is safe for concurrent use.
type Normalizer struct {
	exchange string
	pairs    PairResolver
	clock    func() time.Time
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(opts Options) *Normalizer {
	n := &Normalizer{
		exchange: strings.TrimSpace(opts.Exchange),
		pairs:    opts.Pairs,
		clock:    opts.Clock,
		logger:   observability.Component(opts.Logger, "userstream"),
		metrics:  opts.Metrics,
	}
	if n.exchange == "" {
		n.exchange = "kraken"
	}
	if n.clock == nil {
		n.clock = time.Now
	}
	if n.metrics == nil {
		n.metrics = observability.ConnectorMetrics()
	}
	return n
}

// Normalize classifies one payload. Shapes are told apart by marker keys: a string
// "event" is a control message, an object "event" is a history element, "elements"
// is a page of history, "feed" is the live stream, and "orders", "sendStatus",
// "cancelStatus", "fills", "openPositions" or "accounts" are REST responses.
// A payload matching none of them yields a malformed-message error.
func (n *Normalizer) Normalize(raw []byte) (Event, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, n.malformed("decode payload", err)
	}

	var (
		ev  Event
		err error
	)
	switch {
	case isString(p.Event):
		ev, err = n.control(p)
	case isObject(p.Event):
		ev, err = n.historyElement(raw)
	case present(p.Elements):
		ev, err = n.historyPage(p.Elements)
	case strings.TrimSpace(p.Feed) != "":
		ev, err = n.live(strings.TrimSpace(p.Feed), raw)
	case present(p.SendStatus):
		ev, err = n.orderStatus(p.SendStatus, "send")
	case present(p.CancelStatus):
		ev, err = n.orderStatus(p.CancelStatus, "cancel")
	case present(p.EditStatus):
		ev, err = n.orderStatus(p.EditStatus, "edit")
	case present(p.Orders):
		ev, err = n.restOrders(p.Orders)
	case present(p.Fills):
		ev, err = n.restFills(p.Fills)
	case present(p.OpenPositions):
		ev, err = n.restPositions(p.OpenPositions)
	case present(p.Accounts):
		ev, err = n.restAccounts(p.Accounts)
	case strings.EqualFold(p.Result, "error"):
		ev = FeedError{Message: firstNonEmpty(p.Error, p.Message, "request failed")}
	default:
		return nil, n.malformed("payload matches no known shape", nil)
	}
	if err != nil {
		return nil, n.malformed(err.Error(), err)
	}
	return ev, nil
}

func (n *Normalizer) control(p probe) (Event, error) {
	var name string
	if err := json.Unmarshal(p.Event, &name); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "subscribed":
		return SubscriptionAck{Feed: p.Feed}, nil
	case "challenge":
		return Challenge{Message: p.Message}, nil
	case "error", "alert":
		return FeedError{Message: firstNonEmpty(p.Message, p.Error, name)}, nil
	default:
		return Unrecognized{Feed: firstNonEmpty(p.Feed, name)}, nil
	}
}

// pair resolves a wire symbol. Unknown or absent symbols yield "" so records keyed by
// order id still flow; the tracker fills the pair from the order it owns.
func (n *Normalizer) pair(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || n.pairs == nil {
		return ""
	}
	pair, err := n.pairs.ToPair(symbol)
	if err != nil {
		n.logger.Debug("unmapped symbol in user payload", observability.F("symbol", symbol))
		return ""
	}
	return pair
}

func (n *Normalizer) now() time.Time {
	return n.clock().UTC()
}

func (n *Normalizer) malformed(msg string, cause error) error {
	n.metrics.MalformedMessage(context.Background(), "user")
	return errs.Malformed(n.exchange, msg, cause)
}

// collector gathers records from multi-record payloads into one event.
type collector struct {
	orders   []schema.OrderUpdate
	trades   []schema.TradeUpdate
	notFound []OrderRef
	other    []Event
}

func (c *collector) add(ev Event) {
	switch typed := ev.(type) {
	case OrderEvents:
		c.orders = append(c.orders, typed.Updates...)
	case TradeEvents:
		c.trades = append(c.trades, typed.Trades...)
	case NotFoundEvents:
		c.notFound = append(c.notFound, typed.Orders...)
	case Batch:
		for _, inner := range typed.Events {
			c.add(inner)
		}
	case nil:
	default:
		c.other = append(c.other, ev)
	}
}

// event returns the single event when only one kind was collected, else a Batch.
// Trades precede order updates so fills are counted before a terminal state lands.
func (c *collector) event() Event {
	var out []Event
	if len(c.trades) > 0 {
		out = append(out, TradeEvents{Trades: c.trades})
	}
	if len(c.orders) > 0 {
		out = append(out, OrderEvents{Updates: c.orders})
	}
	if len(c.notFound) > 0 {
		out = append(out, NotFoundEvents{Orders: c.notFound})
	}
	out = append(out, c.other...)
	if len(out) == 1 {
		return out[0]
	}
	return Batch{Events: out}
}

func parseSeq(raw json.RawMessage) *int64 {
	if !present(raw) {
		return nil
	}
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &v
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		v := int64(f)
		return &v
	}
	return nil
}
