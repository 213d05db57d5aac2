// Package apperr is the error taxonomy shared by the auction core. Every
// error that reaches the boundary carries a kind, a stable machine-readable
// reason and a human-readable message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the boundary layer.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindUnauthorized        Kind = "unauthorized"
	KindRestricted          Kind = "restricted"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInvalidState        Kind = "invalid_state"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRestricted:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidState:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Meta    map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Kind, e.Reason, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code.
func (e *Error) Status() int { return e.Kind.Status() }

// WithMeta returns a copy of e with key set in its metadata.
func (e *Error) WithMeta(key string, value any) *Error {
	cp := *e
	cp.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		cp.Meta[k] = v
	}
	cp.Meta[key] = value
	return &cp
}

// New builds an Error.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap builds an Error around err. A nil err yields nil.
func Wrap(kind Kind, reason, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Message: message, Err: err}
}

func BadRequest(reason, message string) *Error   { return New(KindBadRequest, reason, message) }
func Unauthorized(reason, message string) *Error { return New(KindUnauthorized, reason, message) }
func Restricted(reason, message string) *Error   { return New(KindRestricted, reason, message) }
func NotFound(reason, message string) *Error     { return New(KindNotFound, reason, message) }
func Conflict(reason, message string) *Error     { return New(KindConflict, reason, message) }
func InvalidState(reason, message string) *Error { return New(KindInvalidState, reason, message) }

// Upstream wraps a failing external dependency.
func Upstream(reason, message string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Reason: reason, Message: message, Err: err}
}

// Internal hides err behind a generic message. The cause stays reachable
// through Unwrap for logging.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Reason: "internal_error", Message: "internal error", Err: err}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
