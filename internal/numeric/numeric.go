// Package numeric provides decimal helpers for venue payloads.
package numeric

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string. Blank input reports false.
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseOrZero converts a decimal string, treating blank or invalid input as zero.
func ParseOrZero(s string) decimal.Decimal {
	d, _ := Parse(s)
	return d
}

// ScaleFromStep derives the fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	return len(strings.TrimRight(step[idx+1:], "0"))
}

// Flex decodes a JSON number, a quoted number, or null. The venue mixes all three
// for the same field across feeds.
type Flex struct {
	Decimal decimal.Decimal
	Valid   bool
}

// NewFlex wraps d as a present value.
func NewFlex(d decimal.Decimal) Flex {
	return Flex{Decimal: d, Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = Flex{}
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("numeric: unquote %s: %w", text, err)
		}
		text = strings.TrimSpace(unquoted)
		if text == "" {
			*f = Flex{}
			return nil
		}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("numeric: parse %q: %w", text, err)
	}
	*f = Flex{Decimal: d, Valid: true}
	return nil
}

// Or returns the value, or fallback when absent.
func (f Flex) Or(fallback decimal.Decimal) decimal.Decimal {
	if !f.Valid {
		return fallback
	}
	return f.Decimal
}

// Ptr returns a pointer to a copy of the value, or nil when absent.
func (f Flex) Ptr() *decimal.Decimal {
	if !f.Valid {
		return nil
	}
	d := f.Decimal
	return &d
}
