package kraken

import (
	"time"

	"github.com/coachpo/krakenperp/internal/domain/schema"
)

// PositionMode is how the venue nets positions of one contract.
type PositionMode string

const (
	PositionModeOneWay PositionMode = "ONEWAY"
	PositionModeHedge  PositionMode = "HEDGE"
)

// CollateralPolicy names the asset that margins an order.
type CollateralPolicy interface {
	BuyCollateralToken(pair string) string
	SellCollateralToken(pair string) string
}

// PerpetualPolicy captures the derivative traits of the venue.
type PerpetualPolicy interface {
	FundingInterval() time.Duration
	SupportedPositionModes() []PositionMode
}

// QuoteCollateral margins both sides in the quote asset, as multi-collateral flex
// accounts value everything in it.
type QuoteCollateral struct{}

// BuyCollateralToken returns the quote asset of pair.
func (QuoteCollateral) BuyCollateralToken(pair string) string {
	_, quote, _ := schema.SplitPair(pair)
	return quote
}

// SellCollateralToken returns the quote asset of pair.
func (QuoteCollateral) SellCollateralToken(pair string) string {
	_, quote, _ := schema.SplitPair(pair)
	return quote
}

// HourlyPerpetual funds every hour and nets positions one-way.
type HourlyPerpetual struct{}

// FundingInterval is one hour.
func (HourlyPerpetual) FundingInterval() time.Duration { return time.Hour }

// SupportedPositionModes is one-way only.
func (HourlyPerpetual) SupportedPositionModes() []PositionMode {
	return []PositionMode{PositionModeOneWay}
}
