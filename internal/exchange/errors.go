package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a balance, user or order does not exist
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned when registering an existing username
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidOrder is returned for malformed order or deposit requests
	ErrInvalidOrder = errors.New("invalid order")
	// ErrConsistency marks a violated engine invariant. The enclosing
	// transaction is rolled back and nothing is applied.
	ErrConsistency = errors.New("consistency fault")
)

func consistencyError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

func invalidOrder(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}
