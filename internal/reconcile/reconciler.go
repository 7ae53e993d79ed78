// Package reconcile discovers the venue-side status of tracked orders and feeds what it
// finds back into the order tracker.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
	"github.com/coachpo/krakenperp/internal/tracker"
	"github.com/coachpo/krakenperp/internal/userstream"
	"github.com/coachpo/krakenperp/lib/async"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 20
	defaultLookback  = time.Minute
)

// StatusSource is the venue side of the three discovery tiers.
type StatusSource interface {
	// OrderStatus queries the active-order status endpoint.
	OrderStatus(ctx context.Context, refs []userstream.OrderRef) ([]schema.OrderUpdate, error)
	// OrderHistory replays order events since the given time.
	OrderHistory(ctx context.Context, since time.Time) ([]schema.OrderUpdate, error)
	// Fills lists fills since the given time.
	Fills(ctx context.Context, since time.Time) ([]schema.TradeUpdate, error)
}

// Options configures a Reconciler.
type Options struct {
	Exchange string
	Source   StatusSource
	Tracker  tracker.OrderTracker
	// Workers bounds concurrent status requests.
	Workers int
	// BatchSize is the number of orders per status request.
	BatchSize int
	// Lookback widens history and fill queries before the oldest order's creation time.
	Lookback time.Duration
	Logger   observability.Logger
}

// Reconciler runs status discovery passes. Passes never overlap.
type Reconciler struct {
	exchange  string
	source    StatusSource
	tracker   tracker.OrderTracker
	batchSize int
	lookback  time.Duration
	logger    observability.Logger

	pool  *async.Pool
	runMu sync.Mutex
}

// New constructs a reconciler and its worker pool.
func New(opts Options) (*Reconciler, error) {
	if opts.Source == nil || opts.Tracker == nil {
		return nil, errs.New(opts.Exchange, errs.CodeInvalid, errs.WithMessage("reconcile: source and tracker required"))
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	r := &Reconciler{
		exchange:  opts.Exchange,
		source:    opts.Source,
		tracker:   opts.Tracker,
		batchSize: opts.BatchSize,
		lookback:  opts.Lookback,
		logger:    observability.Component(opts.Logger, "reconcile"),
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.lookback <= 0 {
		r.lookback = defaultLookback
	}
	pool, err := async.NewPool(workers, workers*2, func(err error) {
		r.logger.Error("status task failed", observability.Err(err))
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Close stops the worker pool.
func (r *Reconciler) Close() {
	r.pool.Close()
}

// pass holds the bookkeeping of one UpdateOrderStatus run.
type pass struct {
	mu       sync.Mutex
	found    map[string]struct{}
	failed   map[string]struct{}
	backfill map[string]struct{}
	errs     []error
}

func newPass() *pass {
	return &pass{
		found:    make(map[string]struct{}),
		failed:   make(map[string]struct{}),
		backfill: make(map[string]struct{}),
	}
}

// UpdateOrderStatus runs one discovery pass over the active orders: the status endpoint
// first, then order history for orders it did not report, then fills. Fills also backfill
// orders found filled. Orders no source knows go through the not-found hook; orders whose
// requests failed are left for the next pass.
func (r *Reconciler) UpdateOrderStatus(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	active := r.tracker.ActiveOrders()
	if len(active) == 0 {
		return nil
	}
	p := newPass()

	for start := 0; start < len(active); start += r.batchSize {
		batch := active[start:min(start+r.batchSize, len(active))]
		if err := r.pool.Submit(ctx, func(ctx context.Context) error {
			r.activeStatus(ctx, batch, p)
			return nil
		}); err != nil {
			r.pool.Wait()
			return fmt.Errorf("reconcile: submit status batch: %w", err)
		}
	}
	r.pool.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	missing := r.stillActive(active, func(id string) bool {
		_, found := p.found[id]
		_, failed := p.failed[id]
		return !found && !failed
	})
	var unresolved []schema.TrackedOrder
	if len(missing) > 0 {
		if err := r.historyStatus(ctx, missing, p); err != nil {
			p.errs = append(p.errs, err)
		} else {
			unresolved = r.stillActive(missing, func(id string) bool {
				_, found := p.found[id]
				return !found
			})
		}
	}

	if len(p.backfill) > 0 || len(unresolved) > 0 {
		targets := append(r.backfillTargets(active, p), unresolved...)
		if err := r.fillStatus(ctx, targets, p); err != nil {
			p.errs = append(p.errs, err)
			return errors.Join(p.errs...)
		}
	}

	for _, order := range r.stillActive(unresolved, func(id string) bool {
		_, found := p.found[id]
		return !found
	}) {
		r.tracker.ProcessOrderNotFound(order.ClientOrderID)
	}
	return errors.Join(p.errs...)
}

func (r *Reconciler) activeStatus(ctx context.Context, batch []schema.TrackedOrder, p *pass) {
	refs := make([]userstream.OrderRef, 0, len(batch))
	for _, order := range batch {
		refs = append(refs, userstream.OrderRef{ClientOrderID: order.ClientOrderID, ExchangeOrderID: order.ExchangeOrderID})
	}
	updates, err := r.source.OrderStatus(ctx, refs)
	if err != nil {
		r.logger.Warn("order status request failed", observability.F("orders", len(batch)), observability.Err(err))
		p.mu.Lock()
		for _, order := range batch {
			p.failed[order.ClientOrderID] = struct{}{}
		}
		p.errs = append(p.errs, fmt.Errorf("order status: %w", err))
		p.mu.Unlock()
		return
	}
	for _, update := range updates {
		id := r.resolve(update.ClientOrderID, update.ExchangeOrderID)
		if id == "" {
			continue
		}
		p.mu.Lock()
		p.found[id] = struct{}{}
		if needsBackfill(update.NewState) {
			p.backfill[id] = struct{}{}
		}
		p.mu.Unlock()
		r.tracker.ProcessOrderUpdate(update)
	}
}

func (r *Reconciler) historyStatus(ctx context.Context, missing []schema.TrackedOrder, p *pass) error {
	wanted := make(map[string]struct{}, len(missing))
	for _, order := range missing {
		wanted[order.ClientOrderID] = struct{}{}
	}
	updates, err := r.source.OrderHistory(ctx, r.since(missing))
	if err != nil {
		r.logger.Warn("order history request failed", observability.Err(err))
		return fmt.Errorf("order history: %w", err)
	}
	for _, update := range updates {
		id := r.resolve(update.ClientOrderID, update.ExchangeOrderID)
		if _, ok := wanted[id]; !ok {
			continue
		}
		p.found[id] = struct{}{}
		if needsBackfill(update.NewState) {
			p.backfill[id] = struct{}{}
		}
		r.tracker.ProcessOrderUpdate(update)
	}
	return nil
}

func (r *Reconciler) backfillTargets(active []schema.TrackedOrder, p *pass) []schema.TrackedOrder {
	var targets []schema.TrackedOrder
	for _, order := range active {
		if _, ok := p.backfill[order.ClientOrderID]; ok {
			targets = append(targets, order)
		}
	}
	return targets
}

// fillStatus applies the fills of targets. Orders found filled elsewhere get their missed
// fills; orders no endpoint reported are inferred from their fills, which advance them
// through the tracker and count them as found.
func (r *Reconciler) fillStatus(ctx context.Context, targets []schema.TrackedOrder, p *pass) error {
	wanted := make(map[string]struct{}, len(targets))
	for _, order := range targets {
		wanted[order.ClientOrderID] = struct{}{}
	}
	trades, err := r.source.Fills(ctx, r.since(targets))
	if err != nil {
		r.logger.Warn("fills request failed", observability.Err(err))
		return fmt.Errorf("fills: %w", err)
	}
	applied := 0
	for _, trade := range trades {
		id := r.resolve(trade.ClientOrderID, trade.ExchangeOrderID)
		if _, ok := wanted[id]; !ok {
			continue
		}
		p.found[id] = struct{}{}
		trade.ClientOrderID = id
		if trade.Origin == "" {
			trade.Origin = schema.TradeOriginHistory
		}
		if r.tracker.ProcessTradeUpdate(trade) {
			applied++
		}
	}
	if applied > 0 {
		r.logger.Info("applied fills from status discovery", observability.F("fills", applied))
	}
	return nil
}

// stillActive re-reads each order and keeps those that are still non-terminal and
// accepted by keep.
func (r *Reconciler) stillActive(orders []schema.TrackedOrder, keep func(string) bool) []schema.TrackedOrder {
	var out []schema.TrackedOrder
	for _, order := range orders {
		current, ok := r.tracker.Order(order.ClientOrderID)
		if !ok || current.State.IsTerminal() || !keep(order.ClientOrderID) {
			continue
		}
		out = append(out, current)
	}
	return out
}

func (r *Reconciler) since(orders []schema.TrackedOrder) time.Time {
	var earliest time.Time
	for _, order := range orders {
		if earliest.IsZero() || order.CreationTimestamp.Before(earliest) {
			earliest = order.CreationTimestamp
		}
	}
	return earliest.Add(-r.lookback)
}

func (r *Reconciler) resolve(clientOrderID, exchangeOrderID string) string {
	if id := strings.TrimSpace(clientOrderID); id != "" {
		if _, ok := r.tracker.Order(id); ok {
			return id
		}
	}
	if exchangeOrderID = strings.TrimSpace(exchangeOrderID); exchangeOrderID != "" {
		if order, ok := r.tracker.OrderByExchangeID(exchangeOrderID); ok {
			return order.ClientOrderID
		}
	}
	return ""
}

func needsBackfill(state schema.OrderState) bool {
	return state == schema.OrderStateFilled || state == schema.OrderStatePartiallyFilled
}

// Apply routes the order, fill and not-found records of ev to the tracker. A feed error
// becomes an exchange error; other events are ignored.
func (r *Reconciler) Apply(ev userstream.Event) error {
	for _, item := range userstream.Flatten(ev) {
		switch typed := item.(type) {
		case userstream.TradeEvents:
			for _, trade := range typed.Trades {
				r.tracker.ProcessTradeUpdate(trade)
			}
		case userstream.OrderEvents:
			for _, update := range typed.Updates {
				r.tracker.ProcessOrderUpdate(update)
			}
		case userstream.NotFoundEvents:
			for _, ref := range typed.Orders {
				id := r.resolve(ref.ClientOrderID, ref.ExchangeOrderID)
				if id == "" {
					r.logger.Debug("not-found signal for untracked order",
						observability.F("client_order_id", ref.ClientOrderID),
						observability.F("exchange_order_id", ref.ExchangeOrderID))
					continue
				}
				r.tracker.ProcessOrderNotFound(id)
			}
		case userstream.FeedError:
			return errs.New(r.exchange, errs.CodeExchange, errs.WithMessage(typed.Message))
		}
	}
	return nil
}
