// Package spireerr defines the error taxonomy shared by every request-path
// component. Handlers map a Kind to a wire response in exactly one place
// (see spirelisten's callers of StatusCode) instead of each component
// inventing its own status code.
package spireerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error categories named in spec.md §7. Kind values are
// not HTTP status codes; the mapping lives in StatusCode.
type Kind int

const (
	// KindNone is the zero value; never attached to an *Error.
	KindNone Kind = iota
	KindConfigInvalid
	KindNoRouteMatched
	KindNoEndpointAvailable
	KindAuthRejected
	KindAccessDenied
	KindRateLimited
	KindUpstreamConnectFailed
	KindUpstreamTimeout
	KindUpstreamClosedPrematurely
	KindBreakerOpen
	KindListenerFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindNoRouteMatched:
		return "no_route_matched"
	case KindNoEndpointAvailable:
		return "no_endpoint_available"
	case KindAuthRejected:
		return "auth_rejected"
	case KindAccessDenied:
		return "access_denied"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamConnectFailed:
		return "upstream_connect_failed"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamClosedPrematurely:
		return "upstream_closed_prematurely"
	case KindBreakerOpen:
		return "breaker_open"
	case KindListenerFatal:
		return "listener_fatal"
	default:
		return "none"
	}
}

// StatusCode returns the HTTP status spec.md §7 assigns to k. TCP-path
// callers ignore this and close the connection instead.
func (k Kind) StatusCode() int {
	switch k {
	case KindNoRouteMatched:
		return http.StatusNotFound
	case KindNoEndpointAvailable, KindBreakerOpen:
		return http.StatusServiceUnavailable
	case KindAuthRejected:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamConnectFailed, KindUpstreamClosedPrematurely:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a Kind with context and an optional cause.
type Error struct {
	Kind    Kind
	Route   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// As is a convenience wrapper over errors.As for the common case of
// recovering the Kind from an arbitrary error returned up the pipeline.
func As(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
