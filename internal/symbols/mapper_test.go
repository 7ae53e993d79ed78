package symbols

import (
	"testing"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/domain/schema"
)

func perp(symbol, base, quote string) schema.Instrument {
	return schema.Instrument{Symbol: symbol, Type: PerpetualType, Tradeable: true, Base: base, Quote: quote}
}

func TestBuildFiltersAndRoundTrips(t *testing.T) {
	instruments := []schema.Instrument{
		perp("PF_XBTUSD", "XBT", "USD"),
		perp("PF_ETHUSD", "ETH", "USD"),
		perp("PF_SOLUSD", "", ""),
		{Symbol: "FI_XBTUSD_250328", Type: "futures_inverse", Tradeable: true},
		{Symbol: "PF_DOGEUSD", Type: PerpetualType, Tradeable: false},
		{Symbol: "PI_XBTUSD", Type: "futures_inverse", Tradeable: true},
	}
	m, err := Build(instruments, Options{Exchange: "kraken"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := m.Len(); got != 3 {
		t.Fatalf("expected 3 pairs, got %d: %v", got, m.Pairs())
	}
	for _, pair := range m.Pairs() {
		symbol, err := m.ToExchange(pair)
		if err != nil {
			t.Fatalf("to exchange %s: %v", pair, err)
		}
		back, err := m.ToPair(symbol)
		if err != nil {
			t.Fatalf("to pair %s: %v", symbol, err)
		}
		if back != pair {
			t.Fatalf("round trip of %s returned %s", pair, back)
		}
	}
	if symbol, _ := m.ToExchange("btc-usd"); symbol != "PF_XBTUSD" {
		t.Fatalf("expected BTC-USD to map to PF_XBTUSD, got %q", symbol)
	}
	if pair, _ := m.ToPair("PF_SOLUSD"); pair != "SOL-USD" {
		t.Fatalf("expected symbol split fallback, got %q", pair)
	}
}

func TestUnknownLookupsAreNotFound(t *testing.T) {
	m, err := Build([]schema.Instrument{perp("PF_XBTUSD", "XBT", "USD")}, Options{Exchange: "kraken"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := m.ToPair("PF_FOOUSD"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.ToExchange("FOO-USD"); !errs.IsCanonical(err, errs.CanonicalInvalidSymbol) {
		t.Fatalf("expected invalid symbol, got %v", err)
	}
}

func TestDuplicatePrefersConventionalSymbol(t *testing.T) {
	m, err := Build([]schema.Instrument{
		perp("PF_XBTUSD", "XBT", "USD"),
		perp("PF_BTCUSD", "BTC", "USD"),
	}, Options{Exchange: "kraken"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if symbol, _ := m.ToExchange("BTC-USD"); symbol != "PF_XBTUSD" {
		t.Fatalf("expected conventional PF_XBTUSD, got %s", symbol)
	}
	if _, err := m.ToPair("PF_BTCUSD"); err == nil {
		t.Fatalf("ignored duplicate must not be mapped")
	}
}

func TestAmbiguousDuplicateFailsBuild(t *testing.T) {
	_, err := Build([]schema.Instrument{
		perp("PF_BTCUSD", "BTC", "USD"),
		perp("PF_XXBTUSD", "XXBT", "USD"),
	}, Options{Exchange: "kraken"})
	if !errs.IsCanonical(err, errs.CanonicalDuplicateSymbol) {
		t.Fatalf("expected duplicate symbol error, got %v", err)
	}
}

func TestReplaceKeepsExistingPairs(t *testing.T) {
	m, err := Build([]schema.Instrument{perp("PF_XBTUSD", "XBT", "USD")}, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := m.Replace([]schema.Instrument{perp("PF_ETHUSD", "ETH", "USD")}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected both pairs after refresh, got %v", m.Pairs())
	}
}
