// ABOUTME: Error taxonomy shared by the auth, registry, history and query layers
// ABOUTME: Maps sentinel errors to HTTP status codes and user-safe messages

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Packages wrap these so callers can match with errors.Is
// without depending on the package that produced the error.
var (
	ErrValidation  = errors.New("validation failed")
	ErrAuth        = errors.New("authentication failed")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrUpstream    = errors.New("upstream failure")
	ErrPersistence = errors.New("persistence failure")
)

// publicError carries a message that is safe to show to clients.
type publicError struct {
	kind error
	msg  string
}

func (e *publicError) Error() string { return e.msg }
func (e *publicError) Unwrap() error { return e.kind }

// New returns an error of the given kind whose message is shown to clients verbatim.
func New(kind error, msg string) error {
	return &publicError{kind: kind, msg: msg}
}

// Newf is New with formatting.
func Newf(kind error, format string, args ...any) error {
	return &publicError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to send to clients. Messages built with
// New are passed through; anything else is reduced to a generic description of
// its kind so internal identifiers never leak.
func PublicMessage(err error) string {
	var pe *publicError
	if errors.As(err, &pe) {
		return pe.msg
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid request"
	case errors.Is(err, ErrAuth):
		return "authentication required"
	case errors.Is(err, ErrForbidden):
		return "access denied"
	case errors.Is(err, ErrConflict):
		return "resource already exists"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrUpstream):
		return "the agent service failed to respond"
	case errors.Is(err, ErrPersistence):
		return "failed to save query history"
	default:
		return "internal server error"
	}
}
