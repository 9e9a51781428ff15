// Package interfaces defines the contracts shared by executors and handlers: the error
// taxonomy, the error message relayed to clients and the API handler interface.
package interfaces

import (
	"errors"
	"net/http"
)

// ErrorMessage encapsulates an error with the HTTP status it should be reported with.
type ErrorMessage struct {
	// StatusCode is the HTTP status code reported to the client.
	StatusCode int

	// Error is the underlying error that occurred.
	Error error

	// Addon contains additional headers to be added to the response.
	Addon http.Header
}

// NewErrorMessage builds an ErrorMessage from err, taking the status from a
// StatusCode() method anywhere in the chain and defaulting to 500.
func NewErrorMessage(err error) *ErrorMessage {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	var se interface{ StatusCode() int }
	if errors.As(err, &se) {
		if code := se.StatusCode(); code > 0 {
			status = code
		}
	}
	var addon http.Header
	var he interface{ Headers() http.Header }
	if errors.As(err, &he) {
		if hdr := he.Headers(); hdr != nil {
			addon = hdr.Clone()
		}
	}
	return &ErrorMessage{StatusCode: status, Error: err, Addon: addon}
}

// APIHandler is implemented by the public API handler groups. The type label tags
// debug logs of cancelled executions; Models feeds the catalogue endpoints.
type APIHandler interface {
	HandlerType() string
	Models() []map[string]any
}
