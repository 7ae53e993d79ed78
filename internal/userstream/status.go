package userstream

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/numeric"
	"github.com/coachpo/krakenperp/internal/observability"
)

// restOrderStatus is one entry of the order status endpoint: the order itself sits one
// level down under "order".
type restOrderStatus struct {
	Order        *wireOrder `json:"order"`
	Status       string     `json:"status"`
	UpdateReason string     `json:"updateReason"`
	Error        string     `json:"error"`
}

// statusResponse is the sendStatus / cancelStatus / editStatus object of order
// management responses.
type statusResponse struct {
	OrderIDSnake  string        `json:"order_id"`
	OrderID       string        `json:"orderId"`
	CliOrdIDSnake string        `json:"cli_ord_id"`
	CliOrdID      string        `json:"cliOrdId"`
	Status        string        `json:"status"`
	ReceivedTime  flexTime      `json:"receivedTime"`
	OrderEvents   []inlineEvent `json:"orderEvents"`
}

// inlineEvent is one element of orderEvents.
type inlineEvent struct {
	Type                string       `json:"type"`
	Order               *wireOrder   `json:"order"`
	New                 *wireOrder   `json:"new"`
	Old                 *wireOrder   `json:"old"`
	Reason              string       `json:"reason"`
	ExecutionID         string       `json:"executionId"`
	Price               numeric.Flex `json:"price"`
	Amount              numeric.Flex `json:"amount"`
	OrderPriorExecution *wireOrder   `json:"orderPriorExecution"`
}

type restAccounts struct {
	Flex *wireFlexAccount `json:"flex"`
	Cash *struct {
		Balances map[string]numeric.Flex `json:"balances"`
	} `json:"cash"`
}

func (n *Normalizer) restOrders(raw json.RawMessage) (Event, error) {
	var entries []restOrderStatus
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode order status: %w", err)
	}
	updates := make([]schema.OrderUpdate, 0, len(entries))
	for _, entry := range entries {
		if entry.Order == nil {
			n.logger.Warn("order status entry without order", observability.F("status", entry.Status))
			continue
		}
		state, ok := restStatusState(entry.Status, *entry.Order)
		if !ok {
			n.logger.Warn("unknown order status", observability.F("status", entry.Status))
			continue
		}
		update, ok := n.orderUpdate(*entry.Order, state, firstNonEmpty(entry.UpdateReason, entry.Error))
		if !ok {
			continue
		}
		updates = append(updates, update)
	}
	return OrderEvents{Updates: updates}, nil
}

func restStatusState(status string, order wireOrder) (schema.OrderState, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ENTERED_BOOK":
		return order.fillState(), true
	case "FULLY_EXECUTED":
		return schema.OrderStateFilled, true
	case "CANCELLED":
		return schema.OrderStateCanceled, true
	case "REJECTED", "TRIGGER_ACTIVATION_FAILURE":
		return schema.OrderStateFailed, true
	case "TRIGGER_PLACED", "UNTOUCHED":
		return schema.OrderStateOpen, true
	default:
		return "", false
	}
}

// orderStatus handles the status object of a send, cancel or edit response. Inline
// orderEvents win over the summary status when present.
func (n *Normalizer) orderStatus(raw json.RawMessage, kind string) (Event, error) {
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %sStatus: %w", kind, err)
	}
	status := strings.TrimSpace(resp.Status)
	ref := wireOrder{
		OrderIDSnake:  firstNonEmpty(resp.OrderIDSnake, resp.OrderID),
		CliOrdIDSnake: firstNonEmpty(resp.CliOrdIDSnake, resp.CliOrdID),
		Timestamp:     resp.ReceivedTime,
	}

	if strings.EqualFold(status, "notFound") {
		return NotFoundEvents{Orders: []OrderRef{{ClientOrderID: ref.clientID(), ExchangeOrderID: ref.exchangeID()}}}, nil
	}

	if len(resp.OrderEvents) > 0 {
		var c collector
		for _, ev := range resp.OrderEvents {
			n.inlineEvent(ev, kind, ref, &c)
		}
		return c.event(), nil
	}

	// Without inline events the ids may be missing; Resolve fills them in.
	var state schema.OrderState
	switch strings.ToLower(status) {
	case "placed", "edited":
		state = schema.OrderStateOpen
	case "cancelled":
		state = schema.OrderStateCanceled
	case "filled":
		state = schema.OrderStateFilled
	case "":
		return nil, fmt.Errorf("%sStatus without status", kind)
	default:
		if kind != "send" {
			return FeedError{Message: kind + " rejected: " + status}, nil
		}
		state = schema.OrderStateFailed
	}
	update, _ := n.orderUpdate(ref, state, status)
	return OrderEvents{Updates: []schema.OrderUpdate{update}}, nil
}

func (n *Normalizer) inlineEvent(ev inlineEvent, kind string, ref wireOrder, c *collector) {
	order := ref
	for _, candidate := range []*wireOrder{ev.New, ev.Order, ev.OrderPriorExecution, ev.Old} {
		if candidate != nil {
			order = *candidate
			break
		}
	}
	if order.clientID() == "" {
		order.CliOrdIDSnake = ref.clientID()
	}
	if order.exchangeID() == "" {
		order.OrderIDSnake = ref.exchangeID()
	}
	if !order.updated().Valid {
		order.Timestamp = ref.Timestamp
	}

	var state schema.OrderState
	switch strings.ToUpper(strings.TrimSpace(ev.Type)) {
	case "PLACE", "TRIGGER_PLACE":
		state = order.fillState()
	case "EDIT":
		state = order.fillState()
	case "CANCEL", "TRIGGER_CANCEL":
		state = schema.OrderStateCanceled
	case "REJECT", "TRIGGER_ACTIVATION_FAILURE":
		state = schema.OrderStateFailed
	case "EXECUTION":
		n.inlineExecution(ev, kind, order, c)
		return
	default:
		n.logger.Debug("ignoring inline order event", observability.F("type", ev.Type))
		return
	}
	if update, ok := n.orderUpdate(order, state, ev.Reason); ok {
		c.add(OrderEvents{Updates: []schema.OrderUpdate{update}})
	}
}

// inlineExecution turns an immediate execution into a fill plus the state the fill
// leaves the order in. An order that executes on placement crossed the book.
func (n *Normalizer) inlineExecution(ev inlineEvent, kind string, prior wireOrder, c *collector) {
	if !ev.Amount.Valid || !ev.Price.Valid {
		n.logger.Warn("inline execution without amount or price", observability.F("execution_id", ev.ExecutionID))
		return
	}
	fill := wireFill{
		ExecutionID:   ev.ExecutionID,
		OrderIDSnake:  prior.exchangeID(),
		CliOrdIDSnake: prior.clientID(),
		Symbol:        prior.symbol(),
		Qty:           ev.Amount,
		Price:         ev.Price,
		Timestamp:     prior.updated(),
	}
	if kind == "send" {
		fill.FillTypeSnake = "taker"
	}
	trade, err := n.trade(fill, schema.TradeOriginLive)
	if err != nil {
		n.logger.Warn("dropping inline execution", observability.Err(err))
		return
	}
	c.add(TradeEvents{Trades: []schema.TradeUpdate{trade}})

	filled := prior.Filled.Or(decimal.Zero).Add(trade.FillBaseAmount)
	if update, ok := n.orderUpdate(prior, stateForFill(filled, prior.quantity()), ""); ok {
		c.add(OrderEvents{Updates: []schema.OrderUpdate{update}})
	}
}

func (n *Normalizer) restFills(raw json.RawMessage) (Event, error) {
	var fills []wireFill
	if err := json.Unmarshal(raw, &fills); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}
	trades := make([]schema.TradeUpdate, 0, len(fills))
	for i, fill := range fills {
		trade, err := n.trade(fill, schema.TradeOriginHistory)
		if err != nil {
			n.logger.Warn("skipping REST fill", observability.F("index", i), observability.Err(err))
			continue
		}
		trades = append(trades, trade)
	}
	return TradeEvents{Trades: trades}, nil
}

func (n *Normalizer) restPositions(raw json.RawMessage) (Event, error) {
	var entries []wirePosition
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode open positions: %w", err)
	}
	snapshots, err := n.positionSnapshots(entries)
	if err != nil {
		return nil, err
	}
	return PositionEvents{Positions: snapshots, Sequence: n.now().UnixMilli()}, nil
}

func (n *Normalizer) restAccounts(raw json.RawMessage) (Event, error) {
	var accounts restAccounts
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	var holding map[string]numeric.Flex
	if accounts.Cash != nil {
		holding = accounts.Cash.Balances
	}
	return BalanceEvents{Balances: balanceUpdates(accounts.Flex, holding), Sequence: n.now().UnixMilli()}, nil
}

// Resolve normalizes an order-management response and fills ids the venue left out
// with those of the order the caller sent.
func (n *Normalizer) Resolve(raw []byte, ref OrderRef) (Event, error) {
	ev, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return fillRefs(ev, ref), nil
}

func fillRefs(ev Event, ref OrderRef) Event {
	switch typed := ev.(type) {
	case OrderEvents:
		updates := make([]schema.OrderUpdate, len(typed.Updates))
		for i, u := range typed.Updates {
			if u.ClientOrderID == "" {
				u.ClientOrderID = ref.ClientOrderID
			}
			if u.ExchangeOrderID == "" {
				u.ExchangeOrderID = ref.ExchangeOrderID
			}
			updates[i] = u
		}
		typed.Updates = updates
		return typed
	case TradeEvents:
		trades := make([]schema.TradeUpdate, len(typed.Trades))
		for i, t := range typed.Trades {
			if t.ClientOrderID == "" {
				t.ClientOrderID = ref.ClientOrderID
			}
			if t.ExchangeOrderID == "" {
				t.ExchangeOrderID = ref.ExchangeOrderID
			}
			trades[i] = t
		}
		typed.Trades = trades
		return typed
	case NotFoundEvents:
		orders := make([]OrderRef, len(typed.Orders))
		for i, o := range typed.Orders {
			if o.ClientOrderID == "" {
				o.ClientOrderID = ref.ClientOrderID
			}
			if o.ExchangeOrderID == "" {
				o.ExchangeOrderID = ref.ExchangeOrderID
			}
			orders[i] = o
		}
		typed.Orders = orders
		return typed
	case Batch:
		events := make([]Event, len(typed.Events))
		for i, inner := range typed.Events {
			events[i] = fillRefs(inner, ref)
		}
		return Batch{Events: events}
	default:
		return ev
	}
}
