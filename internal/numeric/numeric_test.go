package numeric

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestFlexAcceptsNumbersStringsAndNull(t *testing.T) {
	var payload struct {
		A Flex `json:"a"`
		B Flex `json:"b"`
		C Flex `json:"c"`
		D Flex `json:"d"`
		E Flex `json:"e"`
	}
	raw := []byte(`{"a":1.5,"b":"-0.25","c":null,"d":""}`)
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.A.Valid || !payload.A.Decimal.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected a: %+v", payload.A)
	}
	if !payload.B.Valid || !payload.B.Decimal.Equal(decimal.RequireFromString("-0.25")) {
		t.Fatalf("unexpected b: %+v", payload.B)
	}
	if payload.C.Valid || payload.D.Valid || payload.E.Valid {
		t.Fatalf("null, empty and missing values must be absent")
	}
	if payload.E.Ptr() != nil {
		t.Fatalf("absent value must yield nil pointer")
	}
}

func TestFlexRejectsGarbage(t *testing.T) {
	var f Flex
	if err := json.Unmarshal([]byte(`"abc"`), &f); err == nil {
		t.Fatalf("expected error for non-numeric string")
	}
}

func TestParseAndScale(t *testing.T) {
	if _, ok := Parse("  "); ok {
		t.Fatalf("blank input must not parse")
	}
	if d, ok := Parse("0.010"); !ok || !d.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected parse result %s %v", d, ok)
	}
	if !ParseOrZero("x").IsZero() {
		t.Fatalf("invalid input must yield zero")
	}
	cases := map[string]int{"1": 0, "0.1": 1, "0.0100": 2, "0.000000": 0}
	for in, want := range cases {
		if got := ScaleFromStep(in); got != want {
			t.Fatalf("ScaleFromStep(%q) = %d, want %d", in, got, want)
		}
	}
}
