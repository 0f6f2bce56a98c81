// Package numeric converts venue decimal strings and formats prices for order parameters.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a venue decimal string. Blank or malformed input returns (zero, false).
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

// ParseOrZero is Parse for fields where absence means zero, such as free balances.
func ParseOrZero(s string) decimal.Decimal {
	d, _ := Parse(s)
	return d
}

// Truncate drops digits past scale, rounding toward zero.
func Truncate(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Truncate(scale)
}

// Format truncates d toward zero and renders exactly scale fractional digits.
func Format(d decimal.Decimal, scale int32) string {
	if scale < 0 {
		scale = 0
	}
	return d.Truncate(scale).StringFixed(scale)
}

// ScaleFromStep returns the fractional precision implied by a step such as "0.00010000".
func ScaleFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(step[idx+1:], "0")))
}
