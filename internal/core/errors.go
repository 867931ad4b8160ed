package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is the only error surfaced from construction.
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrTransport      = errors.New("transport error")
	ErrStaleVersion   = errors.New("stale flag version rejected")
	ErrPersistence    = errors.New("persistence error")
	ErrQueueOverflow  = errors.New("event queue overflow")
	ErrReportDelivery = errors.New("event delivery failed")
	ErrStopped        = errors.New("stopped")
)

// InvalidConfig formats an error that wraps ErrInvalidConfig.
func InvalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
