package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Sentinel errors shared across the pipeline.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrSeedUnreachable   = errors.New("seed url unreachable")
	ErrNoUsablePages     = errors.New("no pages could be fetched")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDisallowed        = errors.New("disallowed by robots.txt")
	ErrQueueClosed       = errors.New("queue closed")
	ErrObjectNotFound    = errors.New("object not found")
)

// ErrorKind classifies a failed outbound call.
type ErrorKind string

// Known error kinds.
const (
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindHTTPStatus  ErrorKind = "http_status"
	KindRateLimited ErrorKind = "rate_limited"
	KindContent     ErrorKind = "invalid_content"
	KindMalformed   ErrorKind = "malformed_response"
	KindCanceled    ErrorKind = "canceled"
	KindUnknown     ErrorKind = "unknown"
)

// CallError is the explicit result of a failed fetch or analysis call. The
// component that produced it decides whether it may be retried.
type CallError struct {
	Kind       ErrorKind
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	default:
		return string(e.Kind)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Transport reports whether the failure happened before any HTTP response arrived.
func (e *CallError) Transport() bool {
	return e.Kind == KindTimeout || e.Kind == KindNetwork
}

// NewStatusError classifies a non-success HTTP status. 429 and 5xx are transient.
func NewStatusError(code int) *CallError {
	err := fmt.Errorf("%s", http.StatusText(code))
	switch {
	case code == http.StatusTooManyRequests:
		return &CallError{Kind: KindRateLimited, Retryable: true, StatusCode: code, Err: err}
	case code >= 500:
		return &CallError{Kind: KindHTTPStatus, Retryable: true, StatusCode: code, Err: err}
	default:
		return &CallError{Kind: KindHTTPStatus, Retryable: false, StatusCode: code, Err: err}
	}
}

// NewContentError marks a response whose body could not be used. Never retried.
func NewContentError(err error) *CallError {
	return &CallError{Kind: KindContent, Err: err}
}

// NewMalformedError marks an unparseable analysis response. Retried.
func NewMalformedError(err error) *CallError {
	return &CallError{Kind: KindMalformed, Retryable: true, Err: err}
}

// Classify maps an arbitrary error into a CallError.
func Classify(err error) *CallError {
	if err == nil {
		return nil
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	if errors.Is(err, context.Canceled) {
		return &CallError{Kind: KindCanceled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: KindTimeout, Retryable: true, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &CallError{Kind: KindNetwork, Retryable: !dnsErr.IsNotFound, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Kind: KindTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return &CallError{Kind: KindNetwork, Retryable: true, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &CallError{Kind: KindNetwork, Retryable: true, Err: err}
	}
	return &CallError{Kind: KindUnknown, Err: err}
}
