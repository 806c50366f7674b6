// Package apperr defines the error kinds the HTTP surface maps to status codes.
package apperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cordx56/xrypton-go/internal/logutil"
)

// Kind is a coarse error classification, not a bespoke type per call site.
type Kind string

const (
	Unauthorized    Kind = "unauthorized"
	BadRequest      Kind = "bad_request"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	PayloadTooLarge Kind = "payload_too_large"
	BadGateway      Kind = "bad_gateway"
	Internal        Kind = "internal"
)

var statusByKind = map[Kind]int{
	Unauthorized:    http.StatusUnauthorized,
	BadRequest:      http.StatusBadRequest,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	PayloadTooLarge: http.StatusRequestEntityTooLarge,
	BadGateway:      http.StatusBadGateway,
	Internal:        http.StatusInternalServerError,
}

// Error is a classified error carrying a client-safe message and an
// optional Cause, logged but never serialized to the client.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with a client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error under kind, keeping cause for logging only.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Msg: string(kind), Cause: cause}
}

// As extracts an *Error from err, if any is in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Status returns the HTTP status code for kind, defaulting to 500.
func Status(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error string `json:"error"`
}

// WriteJSON writes the {"error":"..."} envelope for err, mapping its Kind to
// a status code per spec. Non-*Error values are treated as Internal and the
// raw error is logged at debug level, never returned to the client.
func WriteJSON(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger = logutil.NoopIfNil(logger)

	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(Internal, err)
	}
	if appErr.Cause != nil {
		logger.Debug("request failed", "kind", appErr.Kind, "cause", appErr.Cause)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(appErr.Kind))
	_ = json.NewEncoder(w).Encode(envelope{Error: appErr.Msg})
}
