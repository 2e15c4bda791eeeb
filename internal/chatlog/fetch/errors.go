package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout is returned (wrapped) when a window fetch exceeds its timeout.
var ErrTimeout = errors.New("fetch timed out")

// RemoteError represents a non-2xx response from the remote log source.
type RemoteError struct {
	StatusCode int
	Body       string // first 200 bytes
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// TransportError represents a network-level failure talking to the remote source.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classify maps a request or body-read error onto ErrTimeout or *TransportError.
// Cancellation of the parent context is passed through unchanged.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return &TransportError{Err: err}
}
