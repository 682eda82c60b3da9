package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// ErrNoProvider is returned when every provider is auth-failed or backing off.
var ErrNoProvider = errors.New("no provider available")

// ErrAllAuthFailed wraps ErrNoProvider when every provider has been excluded for
// authentication failures. Unlike backoff exhaustion it cannot recover in-process.
var ErrAllAuthFailed = fmt.Errorf("%w: all providers failed authentication", ErrNoProvider)

// Class is the retry classification of an upstream error.
type Class string

const (
	ClassNone        Class = "none"
	ClassTransient   Class = "transient"    // timeout, 5xx, network, malformed payload
	ClassRateLimited Class = "rate_limited" // 429 and provider quota messages
	ClassAuth        Class = "auth"         // 401/403, excluded for process lifetime
	ClassTerminal    Class = "terminal"     // bad query, bad input
)

// IsRetryable reports whether an error of this class may succeed on retry.
func (c Class) IsRetryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// StatusError is an HTTP-level failure from an upstream endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, body)
}

// TransientError marks an error as retryable regardless of its text.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Classify treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TerminalError marks an error as final for the call: no retry, no effect on
// provider health. Lookups of data that does not exist yet use it.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so Classify treats it as terminal before any message matching.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// codedError matches JSON-RPC errors carrying a numeric code.
type codedError interface {
	error
	ErrorCode() int
}

// JSON-RPC codes providers use for quota and auth failures.
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeRateLimited   = 429
	rpcCodeUnauthorized  = 401
	rpcCodeForbidden     = 403
)

// Messages carry hashes and addresses, so status codes only count when they
// follow a status/code keyword as a whole word.
var (
	rateLimitRe = regexp.MustCompile(`\brate[ -]?limit|\btoo many requests\b|\bcompute units exceeded\b|\b(?:status|code|http)[ :=]*429\b`)
	authRe      = regexp.MustCompile(`\bunauthorized\b|\bforbidden\b|\binvalid api key\b|\b(?:status|code|http)[ :=]*40[13]\b`)
)

// Classify maps an error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrAllAuthFailed) {
		return ClassAuth
	}
	if errors.Is(err, ErrNoProvider) {
		return ClassRateLimited
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case statusErr.StatusCode == http.StatusUnauthorized, statusErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case statusErr.StatusCode >= 500:
			return ClassTransient
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return ClassTransient
		default:
			return ClassTerminal
		}
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return ClassTerminal
	}

	var coded codedError
	if errors.As(err, &coded) {
		switch coded.ErrorCode() {
		case rpcCodeLimitExceeded, rpcCodeRateLimited:
			return ClassRateLimited
		case rpcCodeUnauthorized, rpcCodeForbidden:
			return ClassAuth
		}
	}

	msg := strings.ToLower(err.Error())
	if rateLimitRe.MatchString(msg) {
		return ClassRateLimited
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	if authRe.MatchString(msg) {
		return ClassAuth
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "eof") {
		return ClassTransient
	}

	return ClassTerminal
}
