package router

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallInProgress is returned when Call is invoked while another call
	// is still in flight on the same router
	ErrCallInProgress = errors.New("another call is already in progress")

	// ErrConnectionLost is returned when the transport closes mid-call
	ErrConnectionLost = errors.New("connection lost")

	// ErrRouterClosed is returned when Call is invoked after Close
	ErrRouterClosed = errors.New("router is closed")
)

// ConnectError reports a failed or timed-out handshake attempt
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TimeoutReason distinguishes the two call timeout clocks
type TimeoutReason string

const (
	// TimeoutTotal fires when the whole call exceeds the response timeout,
	// regardless of activity
	TimeoutTotal TimeoutReason = "total"

	// TimeoutActivity fires when no envelope of any kind arrives within the
	// activity window: the call stalled rather than being slow but alive
	TimeoutActivity TimeoutReason = "activity"
)

// CallTimeoutError reports an aborted call, naming which clock fired
type CallTimeoutError struct {
	Reason TimeoutReason
	After  time.Duration
}

func (e *CallTimeoutError) Error() string {
	if e.Reason == TimeoutActivity {
		return fmt.Sprintf("no activity timeout after %s", e.After)
	}
	return fmt.Sprintf("response timeout after %s", e.After)
}

// WorkerError reports a failure raised inside the remote worker and
// delivered as a terminal error envelope. The connection remains usable for
// the next call.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %s", e.Message)
}

// RetryExhaustedError aggregates a failed retry loop, naming the last cause
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: last error: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// retryable reports whether an attempt failure warrants another attempt.
// Connect failures and mid-call disconnects are transient; timeouts, worker
// errors and context cancellation are surfaced to the caller directly.
func retryable(err error) bool {
	var connectErr *ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return errors.Is(err, ErrConnectionLost)
}
