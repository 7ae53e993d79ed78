// Package userstream turns authenticated-feed and REST replay payloads into canonical
// order, trade, position and balance records.
package userstream

import (
	"time"

	"github.com/coachpo/krakenperp/internal/domain/schema"
)

// Event is the result of normalizing one payload. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

// SubscriptionAck confirms a feed subscription.
type SubscriptionAck struct {
	Feed string
}

// Challenge carries the server challenge of the private feed handshake.
type Challenge struct {
	Message string
}

// FeedError is an error event sent by the feed, for example a rejected signature.
type FeedError struct {
	Message string
}

// Heartbeat is a keepalive message.
type Heartbeat struct {
	Time time.Time
}

// OrderEvents carries order state reports. Snapshot is true for full open-order snapshots.
type OrderEvents struct {
	Updates  []schema.OrderUpdate
	Snapshot bool
}

// TradeEvents carries fills.
type TradeEvents struct {
	Trades   []schema.TradeUpdate
	Snapshot bool
}

// PositionEvents carries a full open-positions snapshot.
type PositionEvents struct {
	Positions []schema.PositionSnapshot
	Sequence  int64
}

// BalanceEvents carries balance updates.
type BalanceEvents struct {
	Balances []schema.BalanceUpdate
	Sequence int64
}

// NotFoundEvents reports orders the venue says it does not know.
type NotFoundEvents struct {
	Orders []OrderRef
}

// OrderRef identifies an order by either id.
type OrderRef struct {
	ClientOrderID   string
	ExchangeOrderID string
}

// Batch groups the events of a payload that carries several records, such as a page of
// history elements.
type Batch struct {
	Events []Event
}

// Unrecognized is a well-formed payload of a kind the connector does not consume.
type Unrecognized struct {
	Feed string
}

func (SubscriptionAck) isEvent() {}
func (Challenge) isEvent()       {}
func (FeedError) isEvent()       {}
func (Heartbeat) isEvent()       {}
func (OrderEvents) isEvent()     {}
func (TradeEvents) isEvent()     {}
func (PositionEvents) isEvent()  {}
func (BalanceEvents) isEvent()   {}
func (NotFoundEvents) isEvent()  {}
func (Batch) isEvent()           {}
func (Unrecognized) isEvent()    {}

// Flatten expands nested batches into a flat list in delivery order.
func Flatten(ev Event) []Event {
	switch typed := ev.(type) {
	case nil:
		return nil
	case Batch:
		var out []Event
		for _, inner := range typed.Events {
			out = append(out, Flatten(inner)...)
		}
		return out
	default:
		return []Event{ev}
	}
}
