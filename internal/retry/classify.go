package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class is the retry classification of an error.
type Class int

const (
	// Terminal errors are returned without further attempts.
	Terminal Class = iota
	// Retryable errors are retried until the policy is exhausted.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d from %s: %s", e.Code, e.URL, e.Body)
	}
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// ParseError reports a payload that could not be decoded. Never retried.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// retryableError marks an error as retryable regardless of its type.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err so that Classify reports it as Retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// terminalError marks an error as terminal regardless of what it wraps.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// MarkTerminal wraps err so that Classify reports it as Terminal.
func MarkTerminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Classify decides whether err is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}

	var terminal *terminalError
	if errors.As(err, &terminal) {
		return Terminal
	}

	var marked *retryableError
	if errors.As(err, &marked) {
		return Retryable
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return Terminal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if retryableStatus[statusErr.Code] {
			return Retryable
		}
		return Terminal
	}

	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	// A per-attempt timeout; the executor checks the caller's context first.
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return Retryable
	}

	return Terminal
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
