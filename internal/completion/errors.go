package completion

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation means the request mode does not match the call.
	ErrProtocolViolation = errors.New("completion: protocol violation")

	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("completion: backend unavailable")

	// ErrNoModelLoaded is returned by the dispatcher before any backend is configured.
	ErrNoModelLoaded = fmt.Errorf("%w: no model loaded", ErrUnavailable)

	// ErrUnimplemented means the operation is not wired for this backend.
	ErrUnimplemented = errors.New("completion: not implemented")
)

// BadStatusError is a non-2xx HTTP response on a synchronous call.
type BadStatusError struct {
	Code int
	Body string
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("completion: upstream status %d: %s", e.Code, e.Body)
}

// Unavailable wraps err as ErrUnavailable, keeping err in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
