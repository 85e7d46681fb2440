package workflow

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseQuantity reads a numeric cell. Unlike HasValue, zero is a valid
// quantity; only blank or malformed cells report false.
func ParseQuantity(v any) (decimal.Decimal, bool) {
	if d, ok := v.(decimal.Decimal); ok {
		return d, true
	}
	s := strings.TrimSpace(Stringify(v))
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ResolveQuantity resolves the first alias holding a parseable quantity.
func ResolveQuantity(row Row, keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		if d, ok := ParseQuantity(row[key]); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}
