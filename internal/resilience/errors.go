package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failure at an external boundary.
type Kind string

const (
	KindRateLimit       Kind = "rate_limit"
	KindAuth            Kind = "auth"
	KindQuota           Kind = "quota"
	KindNetwork         Kind = "network"
	KindInvalidResponse Kind = "invalid_response"
	KindInvalidRequest  Kind = "invalid_request"
)

// CallError is the typed failure returned by external service adapters.
type CallError struct {
	Kind       Kind
	Service    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Service, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Service, e.Kind, msg)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// NewCallError wraps err with a kind for the named service.
func NewCallError(service string, kind Kind, err error) *CallError {
	return &CallError{Kind: kind, Service: service, Err: err}
}

// FromStatus builds a CallError whose kind is derived from an HTTP status.
func FromStatus(service string, statusCode int, err error) *CallError {
	return &CallError{
		Kind:       KindFromStatus(statusCode),
		Service:    service,
		StatusCode: statusCode,
		Err:        err,
	}
}

// KindFromStatus maps an HTTP status code to a failure kind.
func KindFromStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusPaymentRequired:
		return KindQuota
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		return KindNetwork
	case statusCode >= 400:
		return KindInvalidRequest
	default:
		return KindInvalidResponse
	}
}

// KindOf returns the kind of the first CallError in err's chain. Errors
// without one are classified as network failures when they look like
// transport problems, and as invalid responses otherwise.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	if isNetworkError(err) {
		return KindNetwork, true
	}
	return "", false
}

// IsTransient reports whether err is worth retrying: rate limits and
// network failures, including raw transport errors without a CallError.
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindRateLimit || kind == KindNetwork
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
