package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NextNumber returns prefix followed by one more than the highest number
// already issued under that prefix, zero padded to width. Identifiers that do
// not parse are ignored.
//
// The result is recomputed from the full identifier set on every call since
// the sheet can be edited by hand. Two callers reading the same set will
// produce the same number; the store offers no atomic increment so that race
// is accepted.
func NextNumber(existing []string, prefix string, width int) string {
	highest := 0
	for _, id := range existing {
		id = strings.TrimSpace(id)
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err != nil || n <= 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if width < 0 {
		width = 0
	}
	return fmt.Sprintf("%s%0*d", prefix, width, highest+1)
}

// Identifiers resolves the identifier column of every row.
func Identifiers(rows []Row, keys ...string) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := ResolveString(row, keys...); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// FiscalYearPrefix builds the April-March fiscal year prefix used on purchase
// orders, e.g. "STORE-PO-25-26-".
func FiscalYearPrefix(base string, at time.Time) string {
	start := at.Year()
	if at.Month() < time.April {
		start--
	}
	return fmt.Sprintf("%s-%02d-%02d-", base, start%100, (start+1)%100)
}

// RevisionPrefix is the prefix of revision numbers issued for number.
func RevisionPrefix(number string) string {
	return number + "-R"
}
