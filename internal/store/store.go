// Package store provides the GORM-backed persistence layer for tenants,
// encryption keys, audit records, and lifecycle events. Every operation is
// bounded by a per-call timeout so callers never hang on a slow database.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"gorm.io/gorm"
)

// DefaultTimeout bounds a single store call when no explicit timeout is
// configured.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTimeout is returned when a store call exceeded its deadline. It is
// retryable; callers apply bounded backoff.
var ErrTimeout = errors.New("store operation timed out")

// IsNotFound reports whether err represents a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient infrastructure failure
// worth retrying with backoff. Validation and not-found errors are never
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// withTimeout derives a bounded context for a single store call.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// translate maps GORM and context errors onto the store's error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
