package diag

import (
	"errors"
	"fmt"
)

// InvariantError is an internal invariant violation: a programming or
// configuration bug, never a tool failure.
type InvariantError struct {
	Code Code
	Msg  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("internal error %s: %s", e.Code.ID(), e.Msg)
}

// Invariantf builds an *InvariantError.
func Invariantf(code Code, format string, args ...any) error {
	return &InvariantError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
