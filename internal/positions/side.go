package positions

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
)

// SideFromBuyFlag maps an "is buy" flag: true is LONG. The magnitude of amount is returned.
func SideFromBuyFlag(buy bool, amount decimal.Decimal) (schema.PositionSide, decimal.Decimal) {
	if buy {
		return schema.PositionSideLong, amount.Abs()
	}
	return schema.PositionSideShort, amount.Abs()
}

// SideFromSignedAmount maps a signed balance: negative is SHORT.
func SideFromSignedAmount(balance decimal.Decimal) (schema.PositionSide, decimal.Decimal) {
	if balance.IsNegative() {
		return schema.PositionSideShort, balance.Abs()
	}
	return schema.PositionSideLong, balance
}

// SideFromString maps an explicit side string such as "long", "SHORT", "buy" or "sell".
func SideFromString(side string, amount decimal.Decimal) (schema.PositionSide, decimal.Decimal, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "long", "buy":
		return schema.PositionSideLong, amount.Abs(), nil
	case "short", "sell":
		return schema.PositionSideShort, amount.Abs(), nil
	default:
		return "", decimal.Zero, errs.New("positions", errs.CodeMalformed,
			errs.WithMessage("unknown position side"), errs.WithVenueField("side", side))
	}
}

// SideInput is a position side in whichever encoding the source used.
// Precedence: Side string, then Buy flag, then the sign of Amount.
type SideInput struct {
	Side   string
	Buy    *bool
	Amount decimal.Decimal
}

// NormalizeSide resolves in to a side and a non-negative amount.
func NormalizeSide(in SideInput) (schema.PositionSide, decimal.Decimal, error) {
	if strings.TrimSpace(in.Side) != "" {
		return SideFromString(in.Side, in.Amount)
	}
	if in.Buy != nil {
		side, amount := SideFromBuyFlag(*in.Buy, in.Amount)
		return side, amount, nil
	}
	side, amount := SideFromSignedAmount(in.Amount)
	return side, amount, nil
}
