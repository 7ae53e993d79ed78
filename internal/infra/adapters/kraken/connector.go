package kraken

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/config"
	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/funding"
	"github.com/coachpo/krakenperp/internal/observability"
	"github.com/coachpo/krakenperp/internal/orderbook"
	"github.com/coachpo/krakenperp/internal/positions"
	"github.com/coachpo/krakenperp/internal/reconcile"
	"github.com/coachpo/krakenperp/internal/risk"
	"github.com/coachpo/krakenperp/internal/symbols"
	"github.com/coachpo/krakenperp/internal/tracker"
	"github.com/coachpo/krakenperp/internal/userstream"
)

// Stream names used in logs and restart metrics.
const (
	streamBook    = "book"
	streamTrades  = "trades"
	streamFunding = "funding"
	streamUser    = "user"
)

// symbolTable holds the current mapper. It is empty until Start loads the instrument list.
type symbolTable struct {
	mu     sync.RWMutex
	mapper *symbols.Mapper
}

func (t *symbolTable) get() (*symbols.Mapper, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.mapper == nil {
		return nil, errs.New(exchangeName, errs.CodeUnavailable, errs.WithMessage("symbol map not loaded"))
	}
	return t.mapper, nil
}

func (t *symbolTable) ToExchange(pair string) (string, error) {
	m, err := t.get()
	if err != nil {
		return "", err
	}
	return m.ToExchange(pair)
}

func (t *symbolTable) ToPair(symbol string) (string, error) {
	m, err := t.get()
	if err != nil {
		return "", err
	}
	return m.ToPair(symbol)
}

// load builds the mapper on first use and replaces its entries afterwards.
func (t *symbolTable) load(instruments []schema.Instrument, logger observability.Logger) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mapper != nil {
		return t.mapper.Replace(instruments)
	}
	mapper, err := symbols.Build(instruments, symbols.Options{Exchange: exchangeName, Logger: logger})
	if err != nil {
		return err
	}
	t.mapper = mapper
	return nil
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	// ClientOrderID is generated when empty.
	ClientOrderID string
	TradingPair   string
	TradeType     schema.TradeType
	OrderType     schema.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	Position      schema.PositionAction
}

// Sinks are the host queues fed by Run. A nil sink disables its stream.
type Sinks struct {
	Book    chan<- schema.OrderBookMessage
	Trades  chan<- schema.OrderBookMessage
	Funding chan<- schema.FundingInfoUpdate
}

// Connector adapts the venue to the host: it owns the symbol table, the book
// synchronizer, the funding cache, the order tracker and the position/balance state.
type Connector struct {
	cfg     config.ExchangeConfig
	auth    Authenticator
	logger  observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	collateral CollateralPolicy
	perpetual  PerpetualPolicy

	symbols    *symbolTable
	rest       *RESTClient
	market     *MarketData
	private    *PrivateAPI
	normalizer *userstream.Normalizer
	funding    *funding.Cache
	books      *orderbook.Synchronizer
	tracker    *tracker.Tracker
	reconciler *reconcile.Reconciler
	positions  *positions.Applier
	risk       *risk.Manager

	positionMu   sync.RWMutex
	positionMode PositionMode
}

// NewConnector wires the connector. Nothing touches the network until Start.
func NewConnector(opts Options) (*Connector, error) {
	opts = withDefaults(opts)
	logger := observability.Component(opts.Logger, "kraken")
	table := &symbolTable{}
	rest := NewRESTClient(opts)
	market := NewMarketData(rest, table, opts.Config.SnapshotDepth, opts.Clock)
	normalizer := userstream.NewNormalizer(userstream.Options{
		Exchange: exchangeName,
		Pairs:    table,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	private := NewPrivateAPI(rest, normalizer)
	orders := tracker.New(tracker.Options{
		Exchange:          exchangeName,
		NotFoundThreshold: opts.Config.NotFoundThreshold,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
		Clock:             opts.Clock,
	})
	reconciler, err := reconcile.New(reconcile.Options{
		Exchange: exchangeName,
		Source:   private,
		Tracker:  orders,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	modes := opts.Perpetual.SupportedPositionModes()
	if len(modes) == 0 {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("perpetual policy supports no position mode"))
	}
	return &Connector{
		cfg:        opts.Config,
		auth:       opts.Auth,
		logger:     logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		collateral: opts.Collateral,
		perpetual:  opts.Perpetual,
		symbols:    table,
		rest:       rest,
		market:     market,
		private:    private,
		normalizer: normalizer,
		funding: funding.NewCache(funding.Options{
			Source:   market,
			Interval: opts.Perpetual.FundingInterval(),
			Logger:   opts.Logger,
			Clock:    opts.Clock,
		}),
		books: orderbook.NewSynchronizer(orderbook.Options{
			Source:     market,
			RetryDelay: opts.Config.RetryDelay,
			Depth:      opts.Config.SnapshotDepth,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
		}),
		tracker:      orders,
		reconciler:   reconciler,
		positions:    positions.NewApplier(opts.Logger),
		risk:         risk.NewManager(exchangeName, opts.Config.OrderLimits),
		positionMode: modes[0],
	}, nil
}

// Close releases the reconciliation workers.
func (c *Connector) Close() {
	c.reconciler.Close()
}

// Start loads the instrument list, checks every configured pair has a perpetual and
// initializes the funding cache.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.refreshSymbols(ctx); err != nil {
		return err
	}
	for _, pair := range c.cfg.TradingPairs {
		if _, err := c.symbols.ToExchange(pair); err != nil {
			return errs.New(exchangeName, errs.CodeInvalid,
				errs.WithMessage("configured pair has no perpetual contract"),
				errs.WithVenueField("pair", pair),
				errs.WithCause(err))
		}
	}
	if err := c.funding.Initialize(ctx, c.cfg.TradingPairs); err != nil {
		return fmt.Errorf("initialize funding: %w", err)
	}
	c.logger.Info("connector started", observability.F("pairs", strings.Join(c.cfg.TradingPairs, ",")),
		observability.F("private", c.auth != nil))
	return nil
}

func (c *Connector) refreshSymbols(ctx context.Context) error {
	instruments, err := c.market.Instruments(ctx)
	if err != nil {
		return err
	}
	if err := c.symbols.load(instruments, c.logger); err != nil {
		return fmt.Errorf("symbol map: %w", err)
	}
	return nil
}

// TradingPairs returns the configured pairs.
func (c *Connector) TradingPairs() []string {
	return append([]string(nil), c.cfg.TradingPairs...)
}

// Symbol maps a pair to its venue symbol.
func (c *Connector) Symbol(pair string) (string, error) {
	return c.symbols.ToExchange(pair)
}

// Pair maps a venue symbol to its pair.
func (c *Connector) Pair(symbol string) (string, error) {
	return c.symbols.ToPair(symbol)
}

// GetFundingInfo returns the cached funding record of pair.
func (c *Connector) GetFundingInfo(pair string) (schema.FundingInfo, error) {
	info, ok := c.funding.Get(schema.NormalizePair(pair))
	if !ok {
		return schema.FundingInfo{}, errs.New(exchangeName, errs.CodeNotFound,
			errs.WithMessage("no funding info"), errs.WithVenueField("pair", pair))
	}
	return info, nil
}

// Book returns the synchronized book of pair.
func (c *Connector) Book(pair string) (*orderbook.Book, bool) {
	return c.books.Book(schema.NormalizePair(pair))
}

// Tracker exposes the order tracker for listener registration.
func (c *Connector) Tracker() *tracker.Tracker {
	return c.tracker
}

// Positions exposes the position and balance state.
func (c *Connector) Positions() *positions.Applier {
	return c.positions
}

// BuyCollateralToken is the asset margining a buy on pair.
func (c *Connector) BuyCollateralToken(pair string) string {
	return c.collateral.BuyCollateralToken(pair)
}

// SellCollateralToken is the asset margining a sell on pair.
func (c *Connector) SellCollateralToken(pair string) string {
	return c.collateral.SellCollateralToken(pair)
}

// FundingInterval is the venue funding period.
func (c *Connector) FundingInterval() time.Duration {
	return c.perpetual.FundingInterval()
}

// PositionMode returns the active position mode.
func (c *Connector) PositionMode() PositionMode {
	c.positionMu.RLock()
	defer c.positionMu.RUnlock()
	return c.positionMode
}

// SetPositionMode switches the position mode. Modes the venue does not offer are rejected.
func (c *Connector) SetPositionMode(mode PositionMode) error {
	for _, supported := range c.perpetual.SupportedPositionModes() {
		if supported == mode {
			c.positionMu.Lock()
			c.positionMode = mode
			c.positionMu.Unlock()
			return nil
		}
	}
	return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("unsupported position mode "+string(mode)))
}

// ListenForOrderBookDiffs streams synchronized book snapshots and diffs of the
// configured pairs into out until ctx ends.
func (c *Connector) ListenForOrderBookDiffs(ctx context.Context, out chan<- schema.OrderBookMessage) error {
	return RunWithRetry(ctx, streamBook, c.cfg.RetryDelay, c.logger, c.metrics, func(ctx context.Context) error {
		products, err := c.products()
		if err != nil {
			return err
		}
		in := make(chan schema.OrderBookMessage, 256)
		p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
		p.Go(func(ctx context.Context) error {
			return c.books.Run(ctx, in, out)
		})
		p.Go(func(ctx context.Context) error {
			defer close(in)
			return c.publicSession(ctx, streamBook, []string{FeedBook}, products, func(ctx context.Context, update publicUpdate) error {
				for _, msg := range update.book {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case in <- msg:
					}
				}
				return nil
			})
		})
		return p.Wait()
	})
}

// ListenForTrades streams public trades of the configured pairs into out until ctx ends.
func (c *Connector) ListenForTrades(ctx context.Context, out chan<- schema.OrderBookMessage) error {
	return RunWithRetry(ctx, streamTrades, c.cfg.RetryDelay, c.logger, c.metrics, func(ctx context.Context) error {
		products, err := c.products()
		if err != nil {
			return err
		}
		return c.publicSession(ctx, streamTrades, []string{FeedTrade}, products, func(ctx context.Context, update publicUpdate) error {
			for _, msg := range update.book {
				if msg.Type != schema.OrderBookTrade {
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- msg:
				}
			}
			return nil
		})
	})
}

// ListenForFundingInfo merges ticker funding updates into the cache and forwards them
// to out until ctx ends.
func (c *Connector) ListenForFundingInfo(ctx context.Context, out chan<- schema.FundingInfoUpdate) error {
	return RunWithRetry(ctx, streamFunding, c.cfg.RetryDelay, c.logger, c.metrics, func(ctx context.Context) error {
		products, err := c.products()
		if err != nil {
			return err
		}
		return c.publicSession(ctx, streamFunding, []string{FeedTicker}, products, func(ctx context.Context, update publicUpdate) error {
			if update.funding == nil {
				return nil
			}
			c.funding.ApplyUpdate(*update.funding)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- *update.funding:
			}
			return nil
		})
	})
}

// UserStreamEventListener consumes the private feeds until ctx ends, applying order and
// fill events to the tracker and position and balance events to the applier.
func (c *Connector) UserStreamEventListener(ctx context.Context) error {
	if c.auth == nil {
		return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("credentials required for the user stream"))
	}
	return RunWithRetry(ctx, streamUser, c.cfg.RetryDelay, c.logger, c.metrics, func(ctx context.Context) error {
		session, err := dialSession(ctx, c.cfg.WebsocketURL, c.auth, c.cfg.HandshakeTimeout, c.logger)
		if err != nil {
			return err
		}
		defer session.close()
		if err := session.authenticate(ctx); err != nil {
			return err
		}
		subs := make([]wsSubscription, 0, len(userstream.PrivateFeeds))
		for _, feed := range userstream.PrivateFeeds {
			subs = append(subs, wsSubscription{Feed: feed})
		}
		if err := session.subscribe(ctx, subs...); err != nil {
			return err
		}
		return session.run(ctx, func(_ context.Context, data []byte) error {
			ev, err := c.normalizer.Normalize(data)
			if err != nil {
				c.logger.Warn("dropping user stream message", observability.Err(err))
				return nil
			}
			return c.applyUserEvent(ev)
		})
	})
}

func (c *Connector) applyUserEvent(ev userstream.Event) error {
	for _, item := range userstream.Flatten(ev) {
		switch typed := item.(type) {
		case userstream.PositionEvents:
			c.positions.ReplacePositions(typed.Positions)
		case userstream.BalanceEvents:
			for _, balance := range typed.Balances {
				c.positions.ApplyBalance(balance)
			}
		case userstream.SubscriptionAck:
			c.logger.Debug("subscribed", observability.F("feed", typed.Feed))
		case userstream.FeedError:
			return errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("user stream error"), errs.WithRawMessage(typed.Message))
		}
	}
	return c.reconciler.Apply(ev)
}

// publicSession runs one public WebSocket session subscribed to feeds for products.
// Undecodable messages are logged and skipped.
func (c *Connector) publicSession(ctx context.Context, stream string, feeds, products []string, handle func(context.Context, publicUpdate) error) error {
	session, err := dialSession(ctx, c.cfg.WebsocketURL, nil, c.cfg.HandshakeTimeout, c.logger)
	if err != nil {
		return err
	}
	defer session.close()
	subs := make([]wsSubscription, 0, len(feeds))
	for _, feed := range feeds {
		subs = append(subs, wsSubscription{Feed: feed, ProductIDs: products})
	}
	if err := session.subscribe(ctx, subs...); err != nil {
		return err
	}
	decoder := publicDecoder{symbols: c.symbols, clock: c.clock}
	return session.run(ctx, func(ctx context.Context, data []byte) error {
		update, err := decoder.decode(data)
		if err != nil {
			if errs.IsCode(err, errs.CodeMalformed) {
				c.metrics.MalformedMessage(ctx, stream)
			}
			c.logger.Warn("dropping public message", observability.F("stream", stream), observability.Err(err))
			return nil
		}
		switch update.control {
		case "":
		case "error", "alert":
			return errs.New(exchangeName, errs.CodeExchange, errs.WithMessage(stream+" feed error"), errs.WithRawMessage(update.message))
		default:
			c.logger.Debug("public control message", observability.F("stream", stream),
				observability.F("event", update.control), observability.F("feed", update.feed))
			return nil
		}
		return handle(ctx, update)
	})
}

func (c *Connector) products() ([]string, error) {
	out := make([]string, 0, len(c.cfg.TradingPairs))
	for _, pair := range c.cfg.TradingPairs {
		symbol, err := c.symbols.ToExchange(pair)
		if err != nil {
			return nil, err
		}
		out = append(out, symbol)
	}
	return out, nil
}

// PlaceOrder tracks req and submits it. The response's inline events are applied to the
// tracker before returning. A rejected order ends Failed and the rejection is returned;
// a transport failure leaves it pending for status discovery.
func (c *Connector) PlaceOrder(ctx context.Context, req OrderRequest) (schema.TrackedOrder, error) {
	pair := schema.NormalizePair(req.TradingPair)
	symbol, err := c.symbols.ToExchange(pair)
	if err != nil {
		return schema.TrackedOrder{}, err
	}
	params, err := orderParams(symbol, req)
	if err != nil {
		return schema.TrackedOrder{}, err
	}
	if err := c.risk.CheckOrder(ctx, risk.Order{TradingPair: pair, Amount: req.Amount, Price: req.Price}); err != nil {
		return schema.TrackedOrder{}, err
	}
	id := strings.TrimSpace(req.ClientOrderID)
	if id == "" {
		id = uuid.NewString()
	}
	params.Set("cliOrdId", id)
	position := req.Position
	if position == "" {
		position = schema.PositionActionNil
	}
	if err := c.tracker.Start(schema.TrackedOrder{
		ClientOrderID: id,
		TradingPair:   pair,
		TradeType:     req.TradeType,
		OrderType:     req.OrderType,
		Price:         req.Price,
		Amount:        req.Amount,
		Position:      position,
	}); err != nil {
		return schema.TrackedOrder{}, err
	}

	raw, err := c.private.SendOrder(ctx, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errs.IsCode(err, errs.CodeNetwork) {
			c.logger.Warn("order submission outcome unknown", observability.F("client_order_id", id), observability.Err(err))
		} else {
			c.fail(id, err.Error())
		}
		return c.order(id), fmt.Errorf("place order %s: %w", id, err)
	}
	ev, err := c.normalizer.Resolve(raw, userstream.OrderRef{ClientOrderID: id})
	if err != nil {
		return c.order(id), fmt.Errorf("place order %s: %w", id, err)
	}
	if err := c.reconciler.Apply(ev); err != nil {
		c.fail(id, err.Error())
		return c.order(id), fmt.Errorf("place order %s: %w", id, err)
	}
	order := c.order(id)
	if order.State == schema.OrderStateFailed {
		return order, errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("order rejected"),
			errs.WithVenueField("client_order_id", id), errs.WithRawMessage(rejectReason(ev)))
	}
	return order, nil
}

func orderParams(symbol string, req OrderRequest) (url.Values, error) {
	if !req.Amount.IsPositive() {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("order amount must be positive"))
	}
	params := url.Values{
		"symbol": {symbol},
		"size":   {req.Amount.String()},
	}
	switch req.TradeType {
	case schema.TradeTypeBuy:
		params.Set("side", "buy")
	case schema.TradeTypeSell:
		params.Set("side", "sell")
	default:
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("unknown trade type "+string(req.TradeType)))
	}
	switch req.OrderType {
	case schema.OrderTypeMarket:
		params.Set("orderType", "mkt")
	case schema.OrderTypeLimit, schema.OrderTypeLimitMaker:
		if !req.Price.IsPositive() {
			return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("limit price must be positive"))
		}
		params.Set("orderType", "lmt")
		if req.OrderType == schema.OrderTypeLimitMaker {
			params.Set("orderType", "post")
		}
		params.Set("limitPrice", req.Price.String())
	default:
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("unknown order type "+string(req.OrderType)))
	}
	if req.Position == schema.PositionActionClose {
		params.Set("reduceOnly", "true")
	}
	return params, nil
}

func rejectReason(ev userstream.Event) string {
	for _, item := range userstream.Flatten(ev) {
		if orders, ok := item.(userstream.OrderEvents); ok {
			for _, update := range orders.Updates {
				if update.NewState == schema.OrderStateFailed && update.Reason != "" {
					return update.Reason
				}
			}
		}
	}
	return "rejected"
}

func (c *Connector) fail(clientOrderID, reason string) {
	c.tracker.ProcessOrderUpdate(schema.OrderUpdate{
		ClientOrderID:   clientOrderID,
		NewState:        schema.OrderStateFailed,
		UpdateTimestamp: c.clock().UTC(),
		Reason:          reason,
	})
}

func (c *Connector) order(clientOrderID string) schema.TrackedOrder {
	order, _ := c.tracker.Order(clientOrderID)
	return order
}

// CancelOrder requests cancellation of a tracked order. An inline cancel event is applied
// at once; a not-found answer goes through the tracker's not-found handling.
func (c *Connector) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, ok := c.tracker.Order(clientOrderID)
	if !ok {
		return errs.OrderNotFound(exchangeName, clientOrderID)
	}
	if order.State.IsTerminal() {
		return nil
	}
	ref := userstream.OrderRef{ClientOrderID: order.ClientOrderID, ExchangeOrderID: order.ExchangeOrderID}
	raw, err := c.private.CancelOrder(ctx, ref)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}
	ev, err := c.normalizer.Resolve(raw, ref)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}
	if err := c.reconciler.Apply(ev); err != nil {
		return fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}
	return nil
}

// UpdateOrderStatus runs one status discovery pass over the active orders.
func (c *Connector) UpdateOrderStatus(ctx context.Context) error {
	return c.reconciler.UpdateOrderStatus(ctx)
}

// UpdateBalances polls the margin accounts into the balance table.
func (c *Connector) UpdateBalances(ctx context.Context) error {
	balances, err := c.private.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}
	for _, balance := range balances {
		c.positions.ApplyBalance(balance)
	}
	return nil
}

// UpdatePositions polls open positions and replaces the position table with them.
func (c *Connector) UpdatePositions(ctx context.Context) error {
	snapshot, err := c.private.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("update positions: %w", err)
	}
	c.positions.ReplacePositions(snapshot)
	return nil
}

// Run drives every stream with a sink plus the polling loops until ctx ends. Private
// streams and polls run only with credentials.
func (c *Connector) Run(ctx context.Context, sinks Sinks) error {
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	if sinks.Book != nil {
		p.Go(func(ctx context.Context) error { return c.ListenForOrderBookDiffs(ctx, sinks.Book) })
	}
	if sinks.Trades != nil {
		p.Go(func(ctx context.Context) error { return c.ListenForTrades(ctx, sinks.Trades) })
	}
	if sinks.Funding != nil {
		p.Go(func(ctx context.Context) error { return c.ListenForFundingInfo(ctx, sinks.Funding) })
	}
	p.Go(func(ctx context.Context) error {
		return c.every(ctx, "instrument refresh", c.cfg.InstrumentRefreshInterval, c.refreshSymbols)
	})
	if c.auth != nil {
		p.Go(c.UserStreamEventListener)
		p.Go(func(ctx context.Context) error {
			return c.every(ctx, "order status", c.cfg.StatusPollInterval, c.UpdateOrderStatus)
		})
		p.Go(func(ctx context.Context) error {
			return c.every(ctx, "account", c.cfg.AccountPollInterval, func(ctx context.Context) error {
				return errors.Join(c.UpdateBalances(ctx), c.UpdatePositions(ctx))
			})
		})
	}
	return p.Wait()
}

// every calls fn on each tick until ctx ends. Failures are logged and retried on the
// next tick.
func (c *Connector) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("poll failed", observability.F("poll", name), observability.Err(err))
			}
		}
	}
}
