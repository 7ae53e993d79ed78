package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil entries of errs under operation. It returns nil
// when every entry is nil.
func AggregateErrors(operation string, errs []error) error {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}

// ErrorCount returns how many entries of errs are non-nil.
func ErrorCount(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
