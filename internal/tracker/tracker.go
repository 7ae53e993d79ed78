// Package tracker owns the per-order state table: lifecycle transitions, fill
// de-duplication, exchange id correlation and the not-found policy.
package tracker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

const (
	defaultNotFoundThreshold = 3
	defaultCompletedCapacity = 1024
)

// OrderTracker is the view of the order table the connector drives.
type OrderTracker interface {
	ProcessOrderUpdate(update schema.OrderUpdate) bool
	ProcessTradeUpdate(trade schema.TradeUpdate) bool
	ProcessOrderNotFound(clientOrderID string) NotFoundSignal
	Order(clientOrderID string) (schema.TrackedOrder, bool)
	OrderByExchangeID(exchangeOrderID string) (schema.TrackedOrder, bool)
	ActiveOrders() []schema.TrackedOrder
}

var _ OrderTracker = (*Tracker)(nil)

// OrderChange is delivered to order listeners after a state transition.
type OrderChange struct {
	Previous schema.OrderState
	Order    schema.TrackedOrder
	Update   schema.OrderUpdate
}

// TradeFill is delivered to trade listeners after a live fill was counted.
type TradeFill struct {
	Order schema.TrackedOrder
	Trade schema.TradeUpdate
}

// NotFoundSignal reports the outcome of one not-found signal.
type NotFoundSignal struct {
	Order  schema.TrackedOrder
	Count  int
	Failed bool
	Known  bool
}

// Options configures a Tracker.
type Options struct {
	Exchange string
	// NotFoundThreshold is the number of consecutive not-found signals after which an
	// order is failed. Defaults to 3.
	NotFoundThreshold int
	// CompletedCapacity bounds how many terminal orders are kept for late fills.
	CompletedCapacity int
	Logger            observability.Logger
	Metrics           *observability.Metrics
	Clock             func() time.Time
}

type entry struct {
	order  schema.TrackedOrder
	trades map[string]struct{}
}

// Tracker implements OrderTracker. Every update is applied atomically under one lock;
// listeners run after the lock is released, in registration order.
type Tracker struct {
	exchange  string
	threshold int
	capacity  int
	logger    observability.Logger
	metrics   *observability.Metrics
	clock     func() time.Time

	mu             sync.Mutex
	active         map[string]*entry
	completed      map[string]*entry
	completedOrder []string
	byExchangeID   map[string]string

	orderListeners    []func(OrderChange)
	tradeListeners    []func(TradeFill)
	notFoundListeners []func(NotFoundSignal)
}

// New constructs an empty tracker.
func New(opts Options) *Tracker {
	t := &Tracker{
		exchange:     strings.TrimSpace(opts.Exchange),
		threshold:    opts.NotFoundThreshold,
		capacity:     opts.CompletedCapacity,
		logger:       observability.Component(opts.Logger, "tracker"),
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		active:       make(map[string]*entry),
		completed:    make(map[string]*entry),
		byExchangeID: make(map[string]string),
	}
	if t.threshold <= 0 {
		t.threshold = defaultNotFoundThreshold
	}
	if t.capacity <= 0 {
		t.capacity = defaultCompletedCapacity
	}
	if t.metrics == nil {
		t.metrics = observability.ConnectorMetrics()
	}
	if t.clock == nil {
		t.clock = time.Now
	}
	return t
}

// OnOrderUpdate registers a listener for state transitions.
func (t *Tracker) OnOrderUpdate(fn func(OrderChange)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.orderListeners = append(t.orderListeners, fn)
	t.mu.Unlock()
}

// OnTradeUpdate registers a listener for live fills. History-origin fills never reach it.
func (t *Tracker) OnTradeUpdate(fn func(TradeFill)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.tradeListeners = append(t.tradeListeners, fn)
	t.mu.Unlock()
}

// OnOrderNotFound registers a listener for not-found signals.
func (t *Tracker) OnOrderNotFound(fn func(NotFoundSignal)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.notFoundListeners = append(t.notFoundListeners, fn)
	t.mu.Unlock()
}

// Start begins tracking order. A blank state becomes PENDING_CREATE.
func (t *Tracker) Start(order schema.TrackedOrder) error {
	id := strings.TrimSpace(order.ClientOrderID)
	if id == "" {
		return errs.New(t.exchange, errs.CodeInvalid, errs.WithMessage("client order id required"))
	}
	order.ClientOrderID = id
	if order.State == "" {
		order.State = schema.OrderStatePendingCreate
	}
	now := t.clock().UTC()
	if order.CreationTimestamp.IsZero() {
		order.CreationTimestamp = now
	}
	if order.LastUpdateTimestamp.IsZero() {
		order.LastUpdateTimestamp = order.CreationTimestamp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return errs.New(t.exchange, errs.CodeInvalid,
			errs.WithMessage("order already tracked"), errs.WithVenueField("client_order_id", id))
	}
	if _, ok := t.completed[id]; ok {
		return errs.New(t.exchange, errs.CodeInvalid,
			errs.WithMessage("client order id reused"), errs.WithVenueField("client_order_id", id))
	}
	t.active[id] = &entry{order: order, trades: make(map[string]struct{})}
	if order.ExchangeOrderID != "" {
		t.byExchangeID[order.ExchangeOrderID] = id
	}
	return nil
}

// SetExchangeOrderID records the venue id of an order once it is known.
func (t *Tracker) SetExchangeOrderID(clientOrderID, exchangeOrderID string) {
	exchangeOrderID = strings.TrimSpace(exchangeOrderID)
	if exchangeOrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, _ := t.lookupLocked(clientOrderID, ""); e != nil {
		t.bindExchangeIDLocked(e, exchangeOrderID)
	}
}

// ProcessOrderUpdate applies update when its state ranks after the current one.
// It reports whether the state changed.
func (t *Tracker) ProcessOrderUpdate(update schema.OrderUpdate) bool {
	t.mu.Lock()
	e, terminal := t.lookupLocked(update.ClientOrderID, update.ExchangeOrderID)
	if e == nil {
		t.mu.Unlock()
		t.logger.Debug("order update for untracked order",
			observability.F("client_order_id", update.ClientOrderID),
			observability.F("exchange_order_id", update.ExchangeOrderID))
		return false
	}
	t.bindExchangeIDLocked(e, update.ExchangeOrderID)
	e.order.NotFoundCount = 0
	if terminal {
		id, state := e.order.ClientOrderID, e.order.State
		t.mu.Unlock()
		if update.NewState != state {
			t.logger.Info("dropping update for terminal order",
				observability.F("client_order_id", id),
				observability.F("state", string(state)),
				observability.F("update_state", string(update.NewState)))
		}
		return false
	}
	if update.NewState.Rank() < 0 {
		t.mu.Unlock()
		t.logger.Warn("dropping update with unknown state", observability.F("state", string(update.NewState)))
		return false
	}
	if update.NewState.Rank() <= e.order.State.Rank() {
		t.mu.Unlock()
		return false
	}
	change := t.transitionLocked(e, update)
	listeners := t.orderListeners
	t.mu.Unlock()

	t.notifyOrder(listeners, change)
	return true
}

// ProcessTradeUpdate counts a fill once per trade id. It reports whether the fill was new.
// Fills of terminal orders update the executed amounts but never the state.
func (t *Tracker) ProcessTradeUpdate(trade schema.TradeUpdate) bool {
	t.mu.Lock()
	e, terminal := t.lookupLocked(trade.ClientOrderID, trade.ExchangeOrderID)
	if e == nil {
		t.mu.Unlock()
		t.logger.Debug("fill for untracked order",
			observability.F("client_order_id", trade.ClientOrderID),
			observability.F("trade_id", trade.TradeID))
		return false
	}
	if _, seen := e.trades[trade.TradeID]; seen {
		t.mu.Unlock()
		t.metrics.DuplicateTrade(context.Background())
		return false
	}
	e.trades[trade.TradeID] = struct{}{}
	t.bindExchangeIDLocked(e, trade.ExchangeOrderID)
	e.order.NotFoundCount = 0

	if trade.ClientOrderID == "" {
		trade.ClientOrderID = e.order.ClientOrderID
	}
	if trade.TradingPair == "" {
		trade.TradingPair = e.order.TradingPair
	}
	e.order.ExecutedAmountBase = e.order.ExecutedAmountBase.Add(trade.FillBaseAmount)
	e.order.ExecutedAmountQuote = e.order.ExecutedAmountQuote.Add(trade.FillQuoteAmount)
	e.order.CumulativeFee = e.order.CumulativeFee.Add(trade.Fee.Amount)
	if e.order.FeeToken == "" {
		e.order.FeeToken = trade.Fee.Token
	}

	var (
		change  OrderChange
		changed bool
	)
	if terminal {
		t.logger.Info("late fill for terminal order",
			observability.F("client_order_id", e.order.ClientOrderID),
			observability.F("trade_id", trade.TradeID))
	} else {
		if next := fillState(e.order); next.Rank() > e.order.State.Rank() {
			change = t.transitionLocked(e, schema.OrderUpdate{
				ClientOrderID:   e.order.ClientOrderID,
				ExchangeOrderID: e.order.ExchangeOrderID,
				TradingPair:     e.order.TradingPair,
				NewState:        next,
				UpdateTimestamp: trade.FillTimestamp,
				Reason:          "fill",
			})
			changed = true
		} else {
			e.order.LastUpdateTimestamp = t.stamp(trade.FillTimestamp)
		}
	}
	snapshot := e.order
	orderListeners := t.orderListeners
	tradeListeners := t.tradeListeners
	t.mu.Unlock()

	if trade.Origin != schema.TradeOriginHistory {
		for _, fn := range tradeListeners {
			fn(TradeFill{Order: snapshot, Trade: trade})
		}
	}
	if changed {
		t.notifyOrder(orderListeners, change)
	}
	return true
}

// ProcessOrderNotFound records one not-found signal for the order. After the configured
// number of consecutive signals the order is failed. Any update or fill resets the count.
func (t *Tracker) ProcessOrderNotFound(clientOrderID string) NotFoundSignal {
	t.metrics.OrderNotFound(context.Background())

	t.mu.Lock()
	e, terminal := t.lookupLocked(clientOrderID, "")
	if e == nil || terminal {
		var signal NotFoundSignal
		if e != nil {
			signal = NotFoundSignal{Order: e.order, Count: e.order.NotFoundCount, Known: true}
		}
		t.mu.Unlock()
		return signal
	}
	e.order.NotFoundCount++
	signal := NotFoundSignal{Count: e.order.NotFoundCount, Known: true}

	var change OrderChange
	if e.order.NotFoundCount >= t.threshold {
		change = t.transitionLocked(e, schema.OrderUpdate{
			ClientOrderID:   e.order.ClientOrderID,
			ExchangeOrderID: e.order.ExchangeOrderID,
			TradingPair:     e.order.TradingPair,
			NewState:        schema.OrderStateFailed,
			Reason:          "order not found",
		})
		signal.Failed = true
	}
	signal.Order = e.order
	orderListeners := t.orderListeners
	notFoundListeners := t.notFoundListeners
	t.mu.Unlock()

	t.logger.Warn("order not found",
		observability.F("client_order_id", clientOrderID),
		observability.F("count", signal.Count),
		observability.F("failed", signal.Failed))
	for _, fn := range notFoundListeners {
		fn(signal)
	}
	if signal.Failed {
		t.notifyOrder(orderListeners, change)
	}
	return signal
}

// Order returns the order, active or recently completed.
func (t *Tracker) Order(clientOrderID string) (schema.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.lookupLocked(clientOrderID, "")
	if e == nil {
		return schema.TrackedOrder{}, false
	}
	return e.order, true
}

// OrderByExchangeID resolves an order through the exchange id index.
func (t *Tracker) OrderByExchangeID(exchangeOrderID string) (schema.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.lookupLocked("", exchangeOrderID)
	if e == nil {
		return schema.TrackedOrder{}, false
	}
	return e.order, true
}

// ActiveOrders lists non-terminal orders ordered by creation time.
func (t *Tracker) ActiveOrders() []schema.TrackedOrder {
	t.mu.Lock()
	out := make([]schema.TrackedOrder, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e.order)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreationTimestamp.Equal(out[j].CreationTimestamp) {
			return out[i].CreationTimestamp.Before(out[j].CreationTimestamp)
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out
}

func (t *Tracker) lookupLocked(clientOrderID, exchangeOrderID string) (*entry, bool) {
	id := strings.TrimSpace(clientOrderID)
	if id == "" {
		if mapped, ok := t.byExchangeID[strings.TrimSpace(exchangeOrderID)]; ok {
			id = mapped
		}
	}
	if id == "" {
		return nil, false
	}
	if e, ok := t.active[id]; ok {
		return e, false
	}
	if e, ok := t.completed[id]; ok {
		return e, true
	}
	if mapped, ok := t.byExchangeID[strings.TrimSpace(exchangeOrderID)]; ok && mapped != id {
		return t.lookupLocked(mapped, "")
	}
	return nil, false
}

func (t *Tracker) bindExchangeIDLocked(e *entry, exchangeOrderID string) {
	exchangeOrderID = strings.TrimSpace(exchangeOrderID)
	if exchangeOrderID == "" || e.order.ExchangeOrderID == exchangeOrderID {
		return
	}
	if e.order.ExchangeOrderID != "" {
		t.logger.Warn("exchange order id changed",
			observability.F("client_order_id", e.order.ClientOrderID),
			observability.F("previous", e.order.ExchangeOrderID),
			observability.F("current", exchangeOrderID))
		delete(t.byExchangeID, e.order.ExchangeOrderID)
	}
	e.order.ExchangeOrderID = exchangeOrderID
	t.byExchangeID[exchangeOrderID] = e.order.ClientOrderID
}

// transitionLocked moves e to update.NewState and retires it when terminal.
func (t *Tracker) transitionLocked(e *entry, update schema.OrderUpdate) OrderChange {
	previous := e.order.State
	e.order.State = update.NewState
	e.order.LastUpdateTimestamp = t.stamp(update.UpdateTimestamp)
	if e.order.TradingPair == "" {
		e.order.TradingPair = update.TradingPair
	}
	if update.ClientOrderID == "" {
		update.ClientOrderID = e.order.ClientOrderID
	}
	if update.ExchangeOrderID == "" {
		update.ExchangeOrderID = e.order.ExchangeOrderID
	}
	if update.TradingPair == "" {
		update.TradingPair = e.order.TradingPair
	}
	t.metrics.OrderTransition(context.Background(), string(update.NewState))
	if update.NewState.IsTerminal() {
		t.retireLocked(e)
	}
	return OrderChange{Previous: previous, Order: e.order, Update: update}
}

func (t *Tracker) retireLocked(e *entry) {
	id := e.order.ClientOrderID
	delete(t.active, id)
	t.completed[id] = e
	t.completedOrder = append(t.completedOrder, id)
	for len(t.completedOrder) > t.capacity {
		oldest := t.completedOrder[0]
		t.completedOrder = t.completedOrder[1:]
		if evicted, ok := t.completed[oldest]; ok {
			delete(t.completed, oldest)
			if evicted.order.ExchangeOrderID != "" && t.byExchangeID[evicted.order.ExchangeOrderID] == oldest {
				delete(t.byExchangeID, evicted.order.ExchangeOrderID)
			}
		}
	}
}

func (t *Tracker) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.clock().UTC()
	}
	return ts
}

func (t *Tracker) notifyOrder(listeners []func(OrderChange), change OrderChange) {
	t.logger.Debug("order state changed",
		observability.F("client_order_id", change.Order.ClientOrderID),
		observability.F("from", string(change.Previous)),
		observability.F("to", string(change.Order.State)))
	for _, fn := range listeners {
		fn(change)
	}
}

// fillState is the state implied by the executed amount.
func fillState(order schema.TrackedOrder) schema.OrderState {
	switch {
	case !order.ExecutedAmountBase.IsPositive():
		return order.State
	case order.Amount.IsPositive() && order.ExecutedAmountBase.GreaterThanOrEqual(order.Amount):
		return schema.OrderStateFilled
	default:
		return schema.OrderStatePartiallyFilled
	}
}
