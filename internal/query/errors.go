package query

import "fmt"

// ValidationCode classifies why a filter request was rejected.
type ValidationCode string

const (
	UnknownField      ValidationCode = "unknown_field"
	InvalidValue      ValidationCode = "invalid_value"
	InvalidRange      ValidationCode = "invalid_range"
	InvalidSort       ValidationCode = "invalid_sort"
	InvalidPagination ValidationCode = "invalid_pagination"
)

// ValidationError is a caller error; the message always names the offending
// field so clients can fix the request without guessing.
type ValidationError struct {
	Code  ValidationCode
	Field string
	Cause string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Code, e.Field, e.Cause)
}

func validationErr(code ValidationCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Cause: fmt.Sprintf(format, args...)}
}
