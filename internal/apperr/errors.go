// Package apperr defines the coarse error kinds surfaced to clients and their
// HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindAuthFailed
	KindAuthRevoked
	KindNotFound
	KindConflict
	KindUnimplemented
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthFailed:
		return "auth_failed"
	case KindAuthRevoked:
		return "auth_revoked"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnimplemented:
		return "unimplemented"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

var (
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrAuthFailed    = &Error{Kind: KindAuthFailed}
	ErrAuthRevoked   = &Error{Kind: KindAuthRevoked}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrUnimplemented = &Error{Kind: KindUnimplemented}
	ErrUpstream      = &Error{Kind: KindUpstream}
	ErrInternal      = &Error{Kind: KindInternal}
)

// RevokedMessage is shown whenever the stored calendar grant is no longer valid.
const RevokedMessage = "Calendar access revoked; please sign in again."

// Error is a classified error. Msg is safe to show to end users; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var s string
	if e.Op != "" {
		s = e.Op + ": "
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		s += e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		s += e.Msg
	case e.Err != nil:
		s += e.Err.Error()
	default:
		s += e.Kind.String()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind, so callers can
// write errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// E builds a classified error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Errorf builds a classified error with a formatted user-safe message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindAuthRevoked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnimplemented:
		return http.StatusNotImplemented
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns text that can be shown to a client. It never includes
// the wrapped cause, which may carry upstream bodies or credentials.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && e.Kind != KindInternal && e.Kind != KindUpstream {
		return e.Msg
	}
	switch KindOf(err) {
	case KindInvalidInput:
		return "Invalid request."
	case KindAuthFailed:
		return "Authentication required."
	case KindAuthRevoked:
		return RevokedMessage
	case KindNotFound:
		return "Not found."
	case KindConflict:
		return "The calendar changed while handling the request; please retry."
	case KindUnimplemented:
		return "This operation is not supported yet."
	case KindUpstream:
		return "A required service is unavailable; please try again later."
	default:
		return "Internal error."
	}
}
