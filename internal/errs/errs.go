// Package errs defines the HuggingFace-compatible error kinds the API
// gateway translates internal failures into.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named by the registry's error handling
// design: a closed taxonomy, not a type hierarchy.
type Kind string

const (
	InvalidRepoType     Kind = "InvalidRepoType"
	InvalidRepoID       Kind = "InvalidRepoId"
	RepoNotFound        Kind = "RepoNotFound"
	RevisionNotFound    Kind = "RevisionNotFound"
	EntryNotFound       Kind = "EntryNotFound"
	RepoExists          Kind = "RepoExists"
	Unauthorized        Kind = "Unauthorized"
	Forbidden           Kind = "Forbidden"
	QuotaExceeded       Kind = "QuotaExceeded"
	BadRequest          Kind = "BadRequest"
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	ServerError         Kind = "ServerError"
)

var statusByKind = map[Kind]int{
	InvalidRepoType:     http.StatusBadRequest,
	InvalidRepoID:       http.StatusBadRequest,
	RepoNotFound:        http.StatusNotFound,
	RevisionNotFound:    http.StatusNotFound,
	EntryNotFound:       http.StatusNotFound,
	RepoExists:          http.StatusConflict,
	Unauthorized:        http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	QuotaExceeded:       http.StatusRequestEntityTooLarge,
	BadRequest:          http.StatusBadRequest,
	UpstreamUnavailable: http.StatusBadGateway,
	ServerError:         http.StatusInternalServerError,
}

// Error is the error value every subsystem returns at a boundary that the
// HTTP gateway knows how to render; internal errors are wrapped in
// ServerError so that no unclassified error crosses into a response.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Status returns the HTTP status code this kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message context to an underlying error.
func Wrap(kind Kind, wrapped error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: wrapped}
}

// As extracts an *Error from any error chain, returning ok=false for
// errors that originated outside this package (callers should treat
// those as ServerError).
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// body is the HF-compatible JSON error envelope.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteHTTP renders err as an HTTP response: status code, X-Error-Code
// header, and a JSON {error, message} body, mirroring the shape of the
// teacher's writeErrorResponse/ErrorResponse pair but keyed off the kind
// taxonomy instead of a flat HTTP code.
func WriteHTTP(w http.ResponseWriter, err error) {
	kind := ServerError
	msg := err.Error()
	if e, ok := As(err); ok {
		kind = e.Kind
		msg = e.Message
	}
	status := statusByKind[kind]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("X-Error-Code", string(kind))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Error: string(kind), Message: msg})
}
