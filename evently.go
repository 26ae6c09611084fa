// package evently carries the error taxonomy every service maps onto
// HTTP responses.
package evently

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/oklog/ulid/v2"
)

type Kind int

const (
	KindBadInput Kind = iota + 1
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindUnprocessable
	KindUnavailable
	KindInternal
)

func (k Kind) Status() int {
	switch k {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a single sentence for the client. Internal errors carry a
// correlation ref; the cause stays in the logs.
type Error struct {
	Kind    Kind
	Message string
	Ref     string
	cause   error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return e.Message + " " + e.Ref
	}
	return e.Message
}
func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Internal logs the cause under a fresh correlation id and returns the
// opaque error clients see.
func Internal(cause error) *Error {
	ref := "ref#" + ulid.Make().String()
	log.Println(ref, cause)
	return &Error{Kind: KindInternal, Message: "internal error", Ref: ref, cause: cause}
}

// KindOf classifies any error, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// WriteError renders an error as the JSON problem body.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = Internal(err)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Kind.Status())

	msg := e.Message
	if e.Ref != "" {
		msg = msg + " " + e.Ref
	}
	_ = json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
	}{Message: msg})
}
