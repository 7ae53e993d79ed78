package userstream

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/numeric"
	"github.com/coachpo/krakenperp/internal/observability"
	"github.com/coachpo/krakenperp/internal/positions"
)

// Live feed names of the private stream.
const (
	FeedOpenOrders         = "open_orders"
	FeedOpenOrdersSnapshot = "open_orders_snapshot"
	FeedOpenOrdersVerbose  = "open_orders_verbose"
	FeedFills              = "fills"
	FeedFillsSnapshot      = "fills_snapshot"
	FeedOpenPositions      = "open_positions"
	FeedBalances           = "balances"
	FeedBalancesSnapshot   = "balances_snapshot"
	FeedHeartbeat          = "heartbeat"
)

// PrivateFeeds lists the feeds the connector subscribes on the private stream.
var PrivateFeeds = []string{FeedOpenOrders, FeedFills, FeedOpenPositions, FeedBalances, FeedHeartbeat}

type liveOrdersMessage struct {
	Order    *wireOrder  `json:"order"`
	Orders   []wireOrder `json:"orders"`
	OrderID  string      `json:"order_id"`
	CliOrdID string      `json:"cli_ord_id"`
	IsCancel bool        `json:"is_cancel"`
	Reason   string      `json:"reason"`
}

type liveFillsMessage struct {
	Fills []wireFill      `json:"fills"`
	Seq   json.RawMessage `json:"seq"`
}

type livePositionsMessage struct {
	Positions []wirePosition  `json:"positions"`
	Seq       json.RawMessage `json:"seq"`
	Timestamp flexTime        `json:"timestamp"`
}

type liveBalancesMessage struct {
	FlexFutures *wireFlexAccount        `json:"flex_futures"`
	Holding     map[string]numeric.Flex `json:"holding"`
	Seq         json.RawMessage         `json:"seq"`
	Timestamp   flexTime                `json:"timestamp"`
}

type liveHeartbeat struct {
	Time flexTime `json:"time"`
}

func (n *Normalizer) live(feed string, raw []byte) (Event, error) {
	switch strings.ToLower(feed) {
	case FeedOpenOrders, FeedOpenOrdersVerbose:
		var msg liveOrdersMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		update, err := n.liveOrderUpdate(msg)
		if err != nil {
			return nil, err
		}
		return OrderEvents{Updates: []schema.OrderUpdate{update}}, nil
	case FeedOpenOrdersSnapshot, FeedOpenOrdersVerbose + "_snapshot":
		var msg liveOrdersMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		updates := make([]schema.OrderUpdate, 0, len(msg.Orders))
		for _, order := range msg.Orders {
			update, ok := n.orderUpdate(order, order.fillState(), "")
			if !ok {
				n.logger.Warn("snapshot order without ids", observability.F("feed", feed))
				continue
			}
			updates = append(updates, update)
		}
		return OrderEvents{Updates: updates, Snapshot: true}, nil
	case FeedFills, FeedFillsSnapshot:
		var msg liveFillsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		if feedSeq := parseSeq(msg.Seq); feedSeq != nil {
			for i := range msg.Fills {
				if !present(msg.Fills[i].Seq) {
					msg.Fills[i].feedPosition = fmt.Sprintf("%d.%d", *feedSeq, i)
				}
			}
		}
		trades, err := n.trades(msg.Fills, schema.TradeOriginLive)
		if err != nil {
			return nil, err
		}
		return TradeEvents{Trades: trades, Snapshot: strings.EqualFold(feed, FeedFillsSnapshot)}, nil
	case FeedOpenPositions:
		var msg livePositionsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		snapshots, err := n.positionSnapshots(msg.Positions)
		if err != nil {
			return nil, err
		}
		return PositionEvents{Positions: snapshots, Sequence: sequenceOr(parseSeq(msg.Seq), msg.Timestamp, n.now)}, nil
	case FeedBalances, FeedBalancesSnapshot:
		var msg liveBalancesMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		return BalanceEvents{
			Balances: balanceUpdates(msg.FlexFutures, msg.Holding),
			Sequence: sequenceOr(parseSeq(msg.Seq), msg.Timestamp, n.now),
		}, nil
	case FeedHeartbeat:
		var msg liveHeartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", feed, err)
		}
		return Heartbeat{Time: msg.Time.or(n.now)}, nil
	default:
		return Unrecognized{Feed: feed}, nil
	}
}

func (n *Normalizer) liveOrderUpdate(msg liveOrdersMessage) (schema.OrderUpdate, error) {
	var order wireOrder
	if msg.Order != nil {
		order = *msg.Order
	}
	if order.OrderIDSnake == "" {
		order.OrderIDSnake = msg.OrderID
	}
	if order.CliOrdIDSnake == "" {
		order.CliOrdIDSnake = msg.CliOrdID
	}

	state := order.fillState()
	switch {
	case msg.IsCancel:
		state = cancelState(msg.Reason)
	case strings.EqualFold(msg.Reason, "full_fill"):
		state = schema.OrderStateFilled
	}

	update, ok := n.orderUpdate(order, state, msg.Reason)
	if !ok {
		return schema.OrderUpdate{}, fmt.Errorf("open_orders: order without ids")
	}
	return update, nil
}

// cancelState maps the reason of an order leaving the book. A full fill also removes
// the order, and venue-side refusals count as failures rather than cancels.
func cancelState(reason string) schema.OrderState {
	r := strings.ToLower(strings.TrimSpace(reason))
	switch {
	case r == "full_fill":
		return schema.OrderStateFilled
	case strings.Contains(r, "failed"),
		strings.Contains(r, "reject"),
		strings.Contains(r, "insufficient"),
		strings.Contains(r, "not_enough_margin"),
		strings.HasPrefix(r, "would_"):
		return schema.OrderStateFailed
	default:
		return schema.OrderStateCanceled
	}
}

// orderUpdate builds the canonical record. It reports false when the order carries
// neither id.
func (n *Normalizer) orderUpdate(order wireOrder, state schema.OrderState, reason string) (schema.OrderUpdate, bool) {
	update := schema.OrderUpdate{
		ClientOrderID:   order.clientID(),
		ExchangeOrderID: order.exchangeID(),
		TradingPair:     n.pair(order.symbol()),
		NewState:        state,
		UpdateTimestamp: order.updated().or(n.now),
		Reason:          strings.TrimSpace(reason),
	}
	return update, update.ClientOrderID != "" || update.ExchangeOrderID != ""
}

func (n *Normalizer) trades(fills []wireFill, origin schema.TradeOrigin) ([]schema.TradeUpdate, error) {
	out := make([]schema.TradeUpdate, 0, len(fills))
	for i, fill := range fills {
		trade, err := n.trade(fill, origin)
		if err != nil {
			return nil, fmt.Errorf("fill %d: %w", i, err)
		}
		out = append(out, trade)
	}
	return out, nil
}

// trade converts a fill of any shape. The pair may stay empty: the tracker resolves it
// through the order.
func (n *Normalizer) trade(fill wireFill, origin schema.TradeOrigin) (schema.TradeUpdate, error) {
	base := fill.base()
	if !base.Valid || !fill.Price.Valid {
		return schema.TradeUpdate{}, fmt.Errorf("fill without size or price")
	}
	clientID, exchangeID := fill.clientID(), fill.exchangeID()
	if clientID == "" && exchangeID == "" {
		return schema.TradeUpdate{}, fmt.Errorf("fill without order ids")
	}
	tradeID := fill.tradeID()
	if tradeID == "" {
		tradeID = fill.derivedTradeID()
	}
	amount := base.Decimal.Abs()
	price := fill.Price.Decimal
	return schema.TradeUpdate{
		TradeID:         tradeID,
		ClientOrderID:   clientID,
		ExchangeOrderID: exchangeID,
		TradingPair:     n.pair(fill.symbol()),
		FillBaseAmount:  amount,
		FillQuoteAmount: amount.Mul(price),
		FillPrice:       price,
		Fee:             schema.Fee{Token: fill.feeToken(), Amount: fill.fee()},
		FillTimestamp:   fill.filledAt().or(n.now),
		IsTaker:         fill.isTaker(),
		Origin:          origin,
	}, nil
}

func (n *Normalizer) positionSnapshots(entries []wirePosition) ([]schema.PositionSnapshot, error) {
	out := make([]schema.PositionSnapshot, 0, len(entries))
	for _, entry := range entries {
		pair := n.pair(entry.symbol())
		if pair == "" {
			n.logger.Warn("dropping position for unmapped symbol", observability.F("symbol", entry.symbol()))
			continue
		}
		side, amount, err := positions.NormalizeSide(positions.SideInput{
			Side:   entry.Side,
			Buy:    entry.Buy,
			Amount: entry.amount(),
		})
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", pair, err)
		}
		out = append(out, schema.PositionSnapshot{
			TradingPair:   pair,
			Side:          side,
			Amount:        amount,
			EntryPrice:    entry.entry(),
			UnrealizedPnL: entry.pnl(),
			Leverage:      entry.leverage(),
		})
	}
	return out, nil
}

// balanceUpdates reads flexible collateral currencies first; plain holdings only fill
// assets the collateral table did not report.
func balanceUpdates(flex *wireFlexAccount, holding map[string]numeric.Flex) []schema.BalanceUpdate {
	seen := make(map[string]struct{})
	var out []schema.BalanceUpdate
	if flex != nil {
		for _, code := range sortedKeys(flex.Currencies) {
			asset := schema.NormalizeAsset(code)
			if asset == "" {
				continue
			}
			currency := flex.Currencies[code]
			total := currency.Quantity.Or(decimal.Zero)
			seen[asset] = struct{}{}
			out = append(out, schema.BalanceUpdate{
				Asset:     asset,
				Total:     total,
				Available: currency.Available.Or(total),
			})
		}
	}
	for _, code := range sortedKeys(holding) {
		asset := schema.NormalizeAsset(code)
		if asset == "" {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		qty := holding[code].Or(decimal.Zero)
		seen[asset] = struct{}{}
		out = append(out, schema.BalanceUpdate{Asset: asset, Total: qty, Available: qty})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
