package interfaces

import (
	"errors"
	"net/http"
)

// ErrorKind classifies every failure the proxy can report. Auth-class kinds tell the
// client to fix its credentials; the rest describe the model call itself.
type ErrorKind string

const (
	KindCredentialsMissing     ErrorKind = "CREDENTIALS_MISSING"
	KindCredentialsCorrupt     ErrorKind = "CREDENTIALS_CORRUPT"
	KindCredentialsIncomplete  ErrorKind = "CREDENTIALS_INCOMPLETE"
	KindRefreshUnavailable     ErrorKind = "REFRESH_UNAVAILABLE"
	KindRefreshRejected        ErrorKind = "REFRESH_REJECTED"
	KindProvisioningFailed     ErrorKind = "PROVISIONING_FAILED"
	KindUpstreamTransportError ErrorKind = "UPSTREAM_TRANSPORT_ERROR"
	KindUpstreamRejected       ErrorKind = "UPSTREAM_REJECTED"
	KindTransformUnsupported   ErrorKind = "TRANSFORM_UNSUPPORTED"
)

// Sentinels for errors.Is matching. Only the kind is compared.
var (
	ErrCredentialsMissing     = &ProxyError{Kind: KindCredentialsMissing}
	ErrCredentialsCorrupt     = &ProxyError{Kind: KindCredentialsCorrupt}
	ErrCredentialsIncomplete  = &ProxyError{Kind: KindCredentialsIncomplete}
	ErrRefreshUnavailable     = &ProxyError{Kind: KindRefreshUnavailable}
	ErrRefreshRejected        = &ProxyError{Kind: KindRefreshRejected}
	ErrProvisioningFailed     = &ProxyError{Kind: KindProvisioningFailed}
	ErrUpstreamTransportError = &ProxyError{Kind: KindUpstreamTransportError}
	ErrUpstreamRejected       = &ProxyError{Kind: KindUpstreamRejected}
	ErrTransformUnsupported   = &ProxyError{Kind: KindTransformUnsupported}
)

// AuthClass reports whether the kind belongs to the credential, refresh or provisioning family.
func (k ErrorKind) AuthClass() bool {
	switch k {
	case KindCredentialsMissing, KindCredentialsCorrupt, KindCredentialsIncomplete,
		KindRefreshUnavailable, KindRefreshRejected, KindProvisioningFailed:
		return true
	default:
		return false
	}
}

func (k ErrorKind) defaultStatus() int {
	switch k {
	case KindCredentialsMissing, KindCredentialsCorrupt, KindCredentialsIncomplete,
		KindRefreshUnavailable, KindRefreshRejected:
		return http.StatusUnauthorized
	case KindProvisioningFailed:
		return http.StatusServiceUnavailable
	case KindUpstreamTransportError:
		return http.StatusBadGateway
	case KindTransformUnsupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ProxyError is the single error type returned across the engine.
type ProxyError struct {
	Kind ErrorKind
	// Code overrides the kind's default HTTP status, e.g. the upstream status for UpstreamRejected.
	Code int
	// Message is a client-safe description. It never contains token material.
	Message string
	// Body carries the upstream error payload verbatim when there is one.
	Body []byte
	// Header carries upstream headers worth forwarding, e.g. Retry-After.
	Header http.Header
	Err    error
}

// NewError builds a ProxyError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *ProxyError {
	return &ProxyError{Kind: kind, Message: message, Err: cause}
}

func (e *ProxyError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil && t.Code == 0
}

// StatusCode returns the HTTP status the error is reported with.
func (e *ProxyError) StatusCode() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.Code > 0 {
		return e.Code
	}
	return e.Kind.defaultStatus()
}

// Headers returns headers that should accompany the error response.
func (e *ProxyError) Headers() http.Header {
	if e == nil {
		return nil
	}
	return e.Header
}

// KindOf extracts the ErrorKind from err, or "" when err is not a ProxyError.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// RPCStatus maps an HTTP status to the google.rpc.Code name used in Gemini error bodies.
func RPCStatus(httpStatus int) string {
	switch httpStatus {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "ABORTED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusNotImplemented:
		return "UNIMPLEMENTED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	case 499:
		return "CANCELLED"
	}
	if httpStatus >= http.StatusInternalServerError {
		return "INTERNAL"
	}
	return "UNKNOWN"
}
