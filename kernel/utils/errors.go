package utils

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the DHT engine and the secure channel layer.
// Network input never panics on these; it is logged at debug and dropped.
var (
	ErrMalformed       = errors.New("malformed packet")
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrUnknownCookie   = errors.New("unknown cookie")
	ErrTimeout         = errors.New("timed out")
	ErrNotReachable    = errors.New("target not reachable")
	ErrClosed          = errors.New("use of closed stream")
)

// NewError creates a new error with a message.
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError wraps an error with additional context.
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error rooted at ErrTimeout.
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: %w", operation, ErrTimeout)
}
