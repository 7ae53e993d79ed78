package userstream

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/krakenperp/internal/domain/schema"
	"github.com/coachpo/krakenperp/internal/observability"
)

// History event types.
const (
	HistoryOrderPlaced    = "OrderPlaced"
	HistoryOrderUpdated   = "OrderUpdated"
	HistoryOrderCancelled = "OrderCancelled"
	HistoryOrderRejected  = "OrderRejected"
	HistoryOrderNotFound  = "OrderNotFound"
	HistoryExecution      = "Execution"
)

type historyElement struct {
	UID       string                     `json:"uid"`
	Timestamp flexTime                   `json:"timestamp"`
	Event     map[string]json.RawMessage `json:"event"`
}

type historyOrderPayload struct {
	Order    *wireOrder `json:"order"`
	NewOrder *wireOrder `json:"newOrder"`
	OldOrder *wireOrder `json:"oldOrder"`
	Reason   string     `json:"reason"`
	OrderID  string     `json:"orderId"`
	ClientID string     `json:"clientId"`
	CliOrdID string     `json:"cliOrdId"`
}

func (p historyOrderPayload) order() wireOrder {
	for _, candidate := range []*wireOrder{p.NewOrder, p.Order, p.OldOrder} {
		if candidate != nil {
			return *candidate
		}
	}
	return wireOrder{OrderID: p.OrderID, ClientID: firstNonEmpty(p.ClientID, p.CliOrdID)}
}

type historyExecutionPayload struct {
	Execution json.RawMessage `json:"execution"`
}

func (n *Normalizer) historyElement(raw []byte) (Event, error) {
	var el historyElement
	if err := json.Unmarshal(raw, &el); err != nil {
		return nil, fmt.Errorf("decode history element: %w", err)
	}
	var c collector
	known, err := n.collectHistory(el, &c)
	if err != nil {
		return nil, err
	}
	if !known {
		return Unrecognized{Feed: "history:" + strings.Join(sortedKeys(el.Event), ",")}, nil
	}
	return c.event(), nil
}

func (n *Normalizer) historyPage(raw json.RawMessage) (Event, error) {
	var elements []historyElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("decode history elements: %w", err)
	}
	var c collector
	for i, el := range elements {
		known, err := n.collectHistory(el, &c)
		if err != nil {
			n.metrics.MalformedMessage(context.Background(), "history")
			n.logger.Warn("skipping malformed history element",
				observability.F("index", i), observability.F("uid", el.UID), observability.Err(err))
			continue
		}
		if !known {
			n.logger.Debug("skipping history element", observability.F("uid", el.UID))
		}
	}
	return c.event(), nil
}

// collectHistory appends the records of one element. Element timestamps stand in for
// missing order timestamps.
func (n *Normalizer) collectHistory(el historyElement, c *collector) (bool, error) {
	known := false
	for _, kind := range sortedKeys(el.Event) {
		payload := el.Event[kind]
		switch kind {
		case HistoryOrderPlaced, HistoryOrderUpdated, HistoryOrderCancelled, HistoryOrderRejected:
			var p historyOrderPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, fmt.Errorf("decode %s: %w", kind, err)
			}
			order := p.order()
			if !order.updated().Valid {
				order.Timestamp = el.Timestamp
			}
			update, ok := n.orderUpdate(order, historyState(kind, p.Reason, order), p.Reason)
			if !ok {
				return false, fmt.Errorf("%s without order ids", kind)
			}
			c.add(OrderEvents{Updates: []schema.OrderUpdate{update}})
			known = true
		case HistoryOrderNotFound:
			var p historyOrderPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, fmt.Errorf("decode %s: %w", kind, err)
			}
			order := p.order()
			ref := OrderRef{ClientOrderID: order.clientID(), ExchangeOrderID: order.exchangeID()}
			if ref.ClientOrderID == "" && ref.ExchangeOrderID == "" {
				return false, fmt.Errorf("%s without order ids", kind)
			}
			c.add(NotFoundEvents{Orders: []OrderRef{ref}})
			known = true
		case HistoryExecution:
			fill, err := decodeExecution(payload)
			if err != nil {
				return false, err
			}
			if !fill.filledAt().Valid {
				fill.Timestamp = el.Timestamp
			}
			trade, err := n.trade(fill, schema.TradeOriginHistory)
			if err != nil {
				return false, fmt.Errorf("%s: %w", kind, err)
			}
			c.add(TradeEvents{Trades: []schema.TradeUpdate{trade}})
			known = true
		}
	}
	return known, nil
}

func decodeExecution(payload json.RawMessage) (wireFill, error) {
	var wrapper historyExecutionPayload
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return wireFill{}, fmt.Errorf("decode %s: %w", HistoryExecution, err)
	}
	body := payload
	if isObject(wrapper.Execution) {
		body = wrapper.Execution
	}
	var fill wireFill
	if err := json.Unmarshal(body, &fill); err != nil {
		return wireFill{}, fmt.Errorf("decode %s: %w", HistoryExecution, err)
	}
	return fill, nil
}

// historyState maps an event type, its reason, and the order it carries to a state.
func historyState(kind, reason string, order wireOrder) schema.OrderState {
	switch kind {
	case HistoryOrderPlaced:
		return schema.OrderStateOpen
	case HistoryOrderCancelled:
		return schema.OrderStateCanceled
	case HistoryOrderRejected:
		return schema.OrderStateFailed
	}
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "full_fill":
		return schema.OrderStateFilled
	case "partial_fill":
		return schema.OrderStatePartiallyFilled
	default:
		return order.fillState()
	}
}
