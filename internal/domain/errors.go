package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrInvalidAPIKey         = errors.New("invalid API key")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrChannelNotFound       = errors.New("channel not found")
	ErrInvalidChannel        = errors.New("invalid channel")
	ErrChannelExists         = errors.New("channel already exists")
	ErrUnsupportedProvider   = errors.New("unsupported provider family")
	ErrCredentialUnavailable = errors.New("channel credential unavailable")
	ErrNoAvailableChannel    = errors.New("no available channel")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrAllChannelsFailed     = errors.New("all channels failed")
	ErrStreamFailed          = errors.New("stream failed")
)

// UpstreamError is a non-2xx response from a provider.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: status=%d body=%s", e.StatusCode, e.Body)
}

// TimeoutError is a connect or read deadline hit while talking to a provider.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConnectionError is a transport-level failure (DNS, TCP, TLS, reset).
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError is any failure after at least one chunk reached the caller.
type StreamError struct {
	ChannelID string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream from channel %s failed: %v", e.ChannelID, e.Err)
}

func (e *StreamError) Unwrap() []error { return []error{ErrStreamFailed, e.Err} }

type QuotaExceededError struct {
	QuotaType QuotaType
	Remaining int64
	ResetAt   time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (resets at %s)", e.QuotaType, e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// AllChannelsFailedError ends a request whose failover budget ran out.
// ChannelID is the last channel tried.
type AllChannelsFailedError struct {
	Attempts  int
	ChannelID string
	Last      error
}

func (e *AllChannelsFailedError) Error() string {
	return fmt.Sprintf("all channels failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *AllChannelsFailedError) Unwrap() []error { return []error{ErrAllChannelsFailed, e.Last} }

// IsRetryable reports whether err belongs to the class that may be retried
// once on a different channel before any output reached the caller.
func IsRetryable(err error) bool {
	var upstream *UpstreamError
	var timeout *TimeoutError
	var conn *ConnectionError
	return errors.As(err, &upstream) || errors.As(err, &timeout) || errors.As(err, &conn)
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var upstream *UpstreamError
	var timeout *TimeoutError
	var conn *ConnectionError
	switch {
	case errors.As(err, &upstream):
		return "upstream"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &conn):
		return "connection"
	case errors.Is(err, ErrStreamFailed):
		return "stream"
	default:
		return "other"
	}
}
