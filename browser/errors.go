package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout indicates an element, URL or load state did not appear in time.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrClosed indicates the page, context or browser was closed under us.
type ErrClosed struct {
	Err error
}

func (e ErrClosed) Error() string {
	return fmt.Errorf("closed: %w", e.Err).Error()
}

func (e ErrClosed) Unwrap() error {
	return e.Err
}

// ErrDriver indicates any other automation driver fault.
type ErrDriver struct {
	Err error
}

func (e ErrDriver) Error() string {
	return fmt.Errorf("driver: %w", e.Err).Error()
}

func (e ErrDriver) Unwrap() error {
	return e.Err
}

// ErrNotEnabled indicates a visible element that refused interaction.
type ErrNotEnabled struct {
	Selector string
}

func (e ErrNotEnabled) Error() string {
	return fmt.Sprintf("disabled: element %q is not enabled", e.Selector)
}

// FailureKind returns a short label for err suitable for logs and metrics.
func FailureKind(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var closed ErrClosed
	if errors.As(err, &closed) {
		return "closed"
	}
	var disabled ErrNotEnabled
	if errors.As(err, &disabled) {
		return "disabled"
	}
	var driver ErrDriver
	if errors.As(err, &driver) {
		return "driver"
	}
	return "other"
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	var timeout ErrTimeout
	return errors.As(err, &timeout)
}

// IsClosed reports whether err means the target is gone.
func IsClosed(err error) bool {
	var closed ErrClosed
	return errors.As(err, &closed)
}

// classifyMessage is the fallback used when a driver error carries no typed
// information.
func classifyMessage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrTimeout{Err: err}
	case strings.Contains(msg, "closed"):
		return ErrClosed{Err: err}
	default:
		return ErrDriver{Err: err}
	}
}
