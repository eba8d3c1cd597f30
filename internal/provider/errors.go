package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind string

const (
	// ErrorKindRateLimit is a 429 or provider-reported rate limit.
	ErrorKindRateLimit ErrorKind = "rate_limit"
	// ErrorKindOverloaded is a 5xx or provider-reported overload.
	ErrorKindOverloaded ErrorKind = "overloaded"
	// ErrorKindAuth is an authentication or authorization failure.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindContextOverflow means the request exceeded the model's
	// context window. The caller may compact the session and retry.
	ErrorKindContextOverflow ErrorKind = "context_overflow"
	// ErrorKindAborted means the request was cancelled by its context.
	ErrorKindAborted ErrorKind = "aborted"
	// ErrorKindUnknown is anything unclassified.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Error wraps a provider failure with its classification and an optional
// backoff hint parsed from the provider response.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // zero when the provider gave no hint
	err        error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the failure is transient and worth retrying
// with backoff. Auth, overflow, aborts and unclassified errors are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorKindRateLimit, ErrorKindOverloaded:
		return true
	default:
		return false
	}
}

// retryAfterPattern matches backoff hints like "try again in 20s",
// "retry after 1.5 seconds" or "retry-after: 30".
var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try)[ -]?(?:again)?[ ]?(?:in|after)[:\s]+([0-9]+(?:\.[0-9]+)?)\s*(ms|milliseconds?|s|seconds?)?`)

// ClassifyError maps a stream or request error onto an *Error. Errors that
// are already classified pass through unchanged. Classification is by
// substring since Eino surfaces provider failures as opaque wrapped errors.
func ClassifyError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorKindAborted, err: err}
	}

	msg := strings.ToLower(err.Error())

	// Overflow first: those messages embed token counts, and a count like
	// "142900" would otherwise trip the numeric status-code checks below.
	switch {
	case containsAny(msg, "context length", "context_length", "context window", "prompt is too long", "maximum context", "input is too long", "request too large"):
		return &Error{Kind: ErrorKindContextOverflow, err: err}

	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests", "quota"):
		return &Error{Kind: ErrorKindRateLimit, RetryAfter: parseRetryAfter(msg), err: err}

	case containsAny(msg, "authentication", "unauthorized", "permission denied", "invalid x-api-key", "api key", "credential", "401", "403"):
		return &Error{Kind: ErrorKindAuth, err: err}

	case containsAny(msg, "overloaded", "529", "503", "502", "500", "server error", "service unavailable", "bad gateway", "connection reset", "connection refused", "unexpected eof", "timeout"):
		return &Error{Kind: ErrorKindOverloaded, RetryAfter: parseRetryAfter(msg), err: err}

	default:
		return &Error{Kind: ErrorKindUnknown, err: err}
	}
}

// IsContextOverflow reports whether err is a context window overflow.
func IsContextOverflow(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindContextOverflow
}

// IsAborted reports whether err is a cancellation.
func IsAborted(err error) bool {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == ErrorKindAborted {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := time.Second
	if strings.HasPrefix(m[2], "ms") || strings.HasPrefix(m[2], "millisecond") {
		unit = time.Millisecond
	}
	return time.Duration(val * float64(unit))
}
