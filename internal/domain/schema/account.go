package schema

import "github.com/shopspring/decimal"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// PositionKey identifies a position slot.
type PositionKey struct {
	TradingPair string
	Side        PositionSide
}

// PositionSnapshot is the latest state of one (pair, side) position. Amount is never negative;
// a zero amount removes the slot.
type PositionSnapshot struct {
	TradingPair   string
	Side          PositionSide
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

// Key returns the slot of the snapshot.
func (p PositionSnapshot) Key() PositionKey {
	return PositionKey{TradingPair: p.TradingPair, Side: p.Side}
}

// BalanceUpdate sets both balances of one asset.
type BalanceUpdate struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}
