// Package workflow classifies sheet rows into pipeline stages, generates
// sequence numbers and builds the row patches sent back to the store.
package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RowHandleKey is the column the store uses to address a row.
const RowHandleKey = "rowIndex"

// Row is one untyped record as returned by the sheet store.
type Row map[string]any

// RowHandle is an opaque reference to a row inside the external store. It is
// assigned by the store and never interpreted here.
type RowHandle string

// HandleOf returns the store handle carried by the row.
func HandleOf(row Row) RowHandle {
	return RowHandle(ResolveString(row, RowHandleKey))
}

// Lookup returns the first candidate key holding a non-empty value.
func Lookup(row Row, keys ...string) (string, any, bool) {
	for _, key := range keys {
		value, ok := row[key]
		if !ok || value == nil {
			continue
		}
		if Stringify(value) == "" {
			continue
		}
		return key, value, true
	}
	return "", "", false
}

// Resolve returns the value of the first key whose value is set, or an empty
// string when none is. Sheet revisions disagree on column naming, so callers
// pass every known alias.
func Resolve(row Row, keys ...string) any {
	_, value, _ := Lookup(row, keys...)
	return value
}

// ResolveString is Resolve coerced to a string.
func ResolveString(row Row, keys ...string) string {
	return Stringify(Resolve(row, keys...))
}

// HasValue reports whether a date-like field is filled in. Zero is a value;
// quantity columns must use ParseQuantity instead.
func HasValue(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return strings.TrimSpace(Stringify(v)) != ""
}

// Stringify renders a cell value the way the spreadsheet displays it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
