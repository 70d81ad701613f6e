package router

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies routing failures; the server maps kinds to HTTP
// status codes and serializes them into error bodies.
type Kind string

const (
	KindBadRequest             Kind = "bad_request"
	KindNoCapacity             Kind = "no_capacity"
	KindUpstreamFailure        Kind = "upstream_failure"
	KindUpstreamTimeout        Kind = "upstream_timeout"
	KindModelNotFound          Kind = "model_not_found"
	KindCoordinatorUnavailable Kind = "coordinator_unavailable"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// statusClientClosedRequest mirrors nginx's non-standard code for
// requests abandoned by the caller.
const statusClientClosedRequest = 499

// Error is a routing failure with a classified kind.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from err, defaulting to internal.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// StatusCode maps a kind to its HTTP status.
func StatusCode(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindModelNotFound:
		return http.StatusNotFound
	case KindNoCapacity, KindUpstreamFailure, KindCoordinatorUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
