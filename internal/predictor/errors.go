package predictor

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for prediction backend failures. Unavailable and Timeout
// are transient and worth retrying; BadRequest and InvalidResponse are
// permanent and recorded as failures immediately.
var (
	ErrBackendUnavailable = errors.New("prediction backend unavailable")
	ErrBackendTimeout     = errors.New("prediction backend timeout")
	ErrBadRequest         = errors.New("prediction request rejected")
	ErrInvalidResponse    = errors.New("prediction backend returned invalid response")
)

// Retryable reports whether err is a transient backend failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrBackendTimeout)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
