package exchange

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// Kind buckets venue call failures by how callers should react.
type Kind int

const (
	// KindValidation rejects bad input before any network call. Never retried.
	KindValidation Kind = iota
	// KindTransient covers resets, timeouts, 429 and 5xx. Retried with backoff.
	KindTransient
	// KindVenueRejection covers business rejections (insufficient funds,
	// invalid address, rejected order). Not retried on the same venue.
	KindVenueRejection
	// KindExhausted marks a path that ran out of attempts or venues.
	KindExhausted
	// KindIntegrity marks cross-venue price disagreement too large to trade on.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindVenueRejection:
		return "venue_rejection"
	case KindExhausted:
		return "exhausted"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is the typed error surfaced by venue clients and the coordinator.
// Code is machine-readable and stable; Err carries the underlying cause.
type Error struct {
	Kind  Kind
	Code  string
	Venue string
	Err   error
}

func (e *Error) Error() string {
	if e.Venue != "" {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Kind, e.Venue, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError builds a validation failure for the given code.
func NewValidationError(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Err: fmt.Errorf(format, args...)}
}

func newTransient(venue, code string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Venue: venue, Err: err}
}

func newRejection(venue, code string, err error) *Error {
	return &Error{Kind: KindVenueRejection, Code: code, Venue: venue, Err: err}
}

// IsRetriable reports whether a failed attempt may be retried on the same venue.
func IsRetriable(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == KindTransient
	}
	return isNetworkTransient(err)
}

// classifyHTTPStatus maps an HTTP status to an error kind for retry decisions.
func classifyHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindVenueRejection
	}
}

// isNetworkTransient recognises connection-level failures worth retrying.
func isNetworkTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkTransient(urlErr.Err)
	}
	return false
}
