package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	OrderStatePendingCreate   OrderState = "PENDING_CREATE"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateFailed          OrderState = "FAILED"
)

// Rank orders states along the lifecycle. All terminal states share the highest rank.
func (s OrderState) Rank() int {
	switch s {
	case OrderStatePendingCreate:
		return 0
	case OrderStateOpen:
		return 1
	case OrderStatePartiallyFilled:
		return 2
	case OrderStateFilled, OrderStateCanceled, OrderStateFailed:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCanceled || s == OrderStateFailed
}

// TradeType is the order direction.
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// OrderType enumerates order types accepted by the connector.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER"
)

// PositionAction records whether an order opens or closes exposure.
type PositionAction string

const (
	PositionActionOpen  PositionAction = "OPEN"
	PositionActionClose PositionAction = "CLOSE"
	PositionActionNil   PositionAction = "NIL"
)

// TrackedOrder is an in-flight order keyed by its client order id.
type TrackedOrder struct {
	ClientOrderID       string
	ExchangeOrderID     string
	TradingPair         string
	TradeType           TradeType
	OrderType           OrderType
	Price               decimal.Decimal
	Amount              decimal.Decimal
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	CumulativeFee       decimal.Decimal
	FeeToken            string
	State               OrderState
	Position            PositionAction
	CreationTimestamp   time.Time
	LastUpdateTimestamp time.Time
	NotFoundCount       int
}

// RemainingAmount is the unfilled base amount, never negative.
func (o TrackedOrder) RemainingAmount() decimal.Decimal {
	left := o.Amount.Sub(o.ExecutedAmountBase)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// AveragePrice is the volume weighted fill price, zero before any fill.
func (o TrackedOrder) AveragePrice() decimal.Decimal {
	if o.ExecutedAmountBase.IsZero() {
		return decimal.Zero
	}
	return o.ExecutedAmountQuote.Div(o.ExecutedAmountBase)
}

// OrderUpdate is a state change report for one order.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	NewState        OrderState
	UpdateTimestamp time.Time
	Reason          string
}

// TradeOrigin distinguishes fills seen live from fills replayed by the history endpoint.
type TradeOrigin string

const (
	TradeOriginLive    TradeOrigin = "LIVE"
	TradeOriginHistory TradeOrigin = "HISTORY"
)

// Fee is a charged fee in one token.
type Fee struct {
	Token  string
	Amount decimal.Decimal
}

// TradeUpdate is a single fill. TradeID de-duplicates.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FillPrice       decimal.Decimal
	Fee             Fee
	FillTimestamp   time.Time
	IsTaker         bool
	Origin          TradeOrigin
}
