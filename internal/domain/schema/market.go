// Package schema defines the canonical connector types shared by every component.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizePair uppercases and trims a canonical BASE-QUOTE pair.
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// SplitPair returns the base and quote of a canonical BASE-QUOTE pair.
func SplitPair(pair string) (string, string, bool) {
	base, quote, ok := strings.Cut(NormalizePair(pair), "-")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// Instrument is a venue contract listing as returned by the instruments endpoint.
type Instrument struct {
	Symbol         string
	Type           string
	Tradeable      bool
	Base           string
	Quote          string
	TickSize       decimal.Decimal
	ContractSize   decimal.Decimal
	MaxLeverage    decimal.Decimal
	FundingRateCap decimal.Decimal
}

// PriceLevel is a single book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookMessageType tags an OrderBookMessage.
type OrderBookMessageType string

const (
	OrderBookSnapshot OrderBookMessageType = "SNAPSHOT"
	OrderBookDiff     OrderBookMessageType = "DIFF"
	OrderBookTrade    OrderBookMessageType = "TRADE"
)

// TradeSide captures the aggressor side of a public trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// OrderBookMessage is emitted to the host for snapshots, diffs and public trades.
// A diff carries exactly one level on exactly one side; size zero removes the level.
type OrderBookMessage struct {
	Type        OrderBookMessageType
	TradingPair string
	UpdateID    int64
	Bids        []PriceLevel
	Asks        []PriceLevel
	Timestamp   time.Time

	TradeID    string
	TradeSide  TradeSide
	TradePrice decimal.Decimal
	TradeSize  decimal.Decimal
}

// FundingInfo is the cached funding record of one pair.
type FundingInfo struct {
	TradingPair             string
	IndexPrice              decimal.Decimal
	MarkPrice               decimal.Decimal
	Rate                    decimal.Decimal
	NextFundingUTCTimestamp time.Time
}

// FundingInfoUpdate carries a partial funding refresh; nil fields are left untouched.
type FundingInfoUpdate struct {
	TradingPair             string
	IndexPrice              *decimal.Decimal
	MarkPrice               *decimal.Decimal
	Rate                    *decimal.Decimal
	NextFundingUTCTimestamp *time.Time
}
