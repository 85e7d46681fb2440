package httpx

import (
	"errors"
	"net/http"
)

// ErrorRule maps a class of domain errors onto a problem response.
type ErrorRule struct {
	Match  func(error) bool
	Status int
	Title  string
}

// Is builds a rule matching errors.Is(err, target).
func Is(target error, status int, title string) ErrorRule {
	return ErrorRule{
		Match:  func(err error) bool { return errors.Is(err, target) },
		Status: status,
		Title:  title,
	}
}

// RespondError maps err to an RFC7807 response using the first matching
// rule. Unmatched errors become a detail-less 500.
func RespondError(w http.ResponseWriter, err error, rules ...ErrorRule) {
	for _, rule := range rules {
		if rule.Match != nil && rule.Match(err) {
			Problem(w, rule.Status, rule.Title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
