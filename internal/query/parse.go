package query

import (
	"fmt"

	"vigil/internal/clock"
)

// ValidationError marks a malformed query or subscribe request. It is
// reported synchronously to the requesting client and never creates a
// subscription.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Parse builds a Query from a decoded JSON query spec. Unknown fields are
// ignored; malformed known fields fail with a ValidationError.
func Parse(spec map[string]any) (*Query, error) {
	q := &Query{Since: clock.Unset()}
	if spec == nil {
		return q, nil
	}

	suffixes, err := stringList(spec, "suffix")
	if err != nil {
		return nil, err
	}
	q.Suffixes = suffixes

	prefixes, err := stringList(spec, "path")
	if err != nil {
		return nil, err
	}
	q.Prefixes = prefixes

	if raw, ok := spec["since"]; ok {
		value, ok := raw.(string)
		if !ok {
			return nil, Validationf("failed to parse query: since must be a clock string")
		}
		since, err := clock.ParseSpec(value)
		if err != nil {
			return nil, Validationf("failed to parse query: %v", err)
		}
		q.Since = since
	}

	return q, nil
}

// StringList extracts an optional list-of-strings field from a decoded
// JSON object, used for the defer and drop policy fields as well.
func StringList(spec map[string]any, key string) ([]string, error) {
	return stringList(spec, key)
}

func stringList(spec map[string]any, key string) ([]string, error) {
	raw, ok := spec[key]
	if !ok || raw == nil {
		return nil, nil
	}
	// A bare string is shorthand for a one-element list.
	if value, ok := raw.(string); ok {
		return []string{value}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, Validationf("%s field must be an array of strings", key)
	}
	values := make([]string, 0, len(list))
	for _, item := range list {
		value, ok := item.(string)
		if !ok {
			return nil, Validationf("%s field must be an array of strings", key)
		}
		values = append(values, value)
	}
	return values, nil
}
