package positions

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSideNormalizationAcrossEncodings(t *testing.T) {
	buy := true
	cases := []struct {
		name   string
		in     SideInput
		side   schema.PositionSide
		amount string
	}{
		{"buy flag", SideInput{Buy: &buy, Amount: dec("5")}, schema.PositionSideLong, "5"},
		{"side string", SideInput{Side: "SHORT", Amount: dec("5")}, schema.PositionSideShort, "5"},
		{"signed balance", SideInput{Amount: dec("-5")}, schema.PositionSideShort, "5"},
		{"positive balance", SideInput{Amount: dec("2.5")}, schema.PositionSideLong, "2.5"},
	}
	for _, tc := range cases {
		side, amount, err := NormalizeSide(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if side != tc.side || !amount.Equal(dec(tc.amount)) {
			t.Fatalf("%s: got %s %s, want %s %s", tc.name, side, amount, tc.side, tc.amount)
		}
	}
	if _, _, err := NormalizeSide(SideInput{Side: "sideways"}); !errs.IsCode(err, errs.CodeMalformed) {
		t.Fatalf("expected malformed error for unknown side, got %v", err)
	}
}

func TestApplyPositionUpsertAndRemove(t *testing.T) {
	a := NewApplier(nil)
	var changes []PositionChange
	a.OnPositionChange(func(c PositionChange) { changes = append(changes, c) })

	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "BTC-USD", Side: schema.PositionSideLong, Amount: dec("1")})
	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "BTC-USD", Side: schema.PositionSideLong, Amount: dec("2")})
	if p, ok := a.Position("BTC-USD", schema.PositionSideLong); !ok || !p.Amount.Equal(dec("2")) {
		t.Fatalf("expected upserted amount 2, got %+v", p)
	}

	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "BTC-USD", Side: schema.PositionSideLong, Amount: decimal.Zero})
	if _, ok := a.Position("BTC-USD", schema.PositionSideLong); ok {
		t.Fatalf("zero amount must remove the slot")
	}
	if len(changes) != 3 || changes[2].Kind != ChangeRemoved {
		t.Fatalf("unexpected change notifications %+v", changes)
	}

	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "BTC-USD", Side: schema.PositionSideLong, Amount: decimal.Zero})
	if len(changes) != 3 {
		t.Fatalf("removing an absent slot must not notify")
	}
}

func TestApplyReportKeysBySide(t *testing.T) {
	a := NewApplier(nil)
	if err := a.ApplyReport("ETH-USD", SideInput{Amount: dec("-3")}, dec("2000"), decimal.Zero, dec("5")); err != nil {
		t.Fatalf("apply report: %v", err)
	}
	if _, ok := a.Position("ETH-USD", schema.PositionSideShort); !ok {
		t.Fatalf("negative balance must land in the SHORT slot")
	}
	if _, ok := a.Position("ETH-USD", schema.PositionSideLong); ok {
		t.Fatalf("LONG slot must stay empty")
	}
}

func TestReplacePositionsRemovesMissingSlots(t *testing.T) {
	a := NewApplier(nil)
	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "BTC-USD", Side: schema.PositionSideLong, Amount: dec("1")})
	a.ApplyPosition(schema.PositionSnapshot{TradingPair: "ETH-USD", Side: schema.PositionSideShort, Amount: dec("1")})

	a.ReplacePositions([]schema.PositionSnapshot{{TradingPair: "ETH-USD", Side: schema.PositionSideShort, Amount: dec("4")}})

	got := a.Positions()
	if len(got) != 1 || got[0].TradingPair != "ETH-USD" || !got[0].Amount.Equal(dec("4")) {
		t.Fatalf("unexpected positions after snapshot %+v", got)
	}
}

func TestBalancesAliasAndAtomicPair(t *testing.T) {
	a := NewApplier(nil)
	a.ApplyBalance(schema.BalanceUpdate{Asset: "XBT", Total: dec("1.5"), Available: dec("1.0")})
	a.ApplyBalance(schema.BalanceUpdate{Asset: "usd", Total: dec("100"), Available: dec("-3")})
	a.ApplyBalance(schema.BalanceUpdate{Asset: "??", Total: dec("1"), Available: dec("1")})

	btc, ok := a.Balance("BTC")
	if !ok || !btc.Total.Equal(dec("1.5")) || !btc.Available.Equal(dec("1.0")) {
		t.Fatalf("expected XBT stored under BTC, got %+v", btc)
	}
	if via, ok := a.Balance("xbt"); !ok || !via.Total.Equal(btc.Total) {
		t.Fatalf("lookups must resolve aliases too")
	}
	usd, _ := a.Balance("USD")
	if !usd.Available.IsZero() {
		t.Fatalf("negative available must clamp to zero, got %s", usd.Available)
	}
	if n := len(a.Balances()); n != 2 {
		t.Fatalf("expected 2 balances, got %d", n)
	}
}
