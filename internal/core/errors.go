package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates malformed input (400)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeCapabilityMismatch indicates no channel offers a required capability (400)
	ErrorTypeCapabilityMismatch ErrorType = "capability_mismatch"
	// ErrorTypeNoChannel indicates no eligible channel exists for the request (503)
	ErrorTypeNoChannel ErrorType = "no_channel_available"
	// ErrorTypeAllChannelsFailed indicates every candidate failed before committing (502)
	ErrorTypeAllChannelsFailed ErrorType = "all_channels_failed"
	// ErrorTypeBackendTransient indicates a retriable backend failure (rate limit, overload, expiry, timeout)
	ErrorTypeBackendTransient ErrorType = "backend_transient"
	// ErrorTypeAuthentication indicates an authentication error (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeCapabilityMismatch:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeNoChannel:
		return http.StatusServiceUnavailable
	case ErrorTypeAllChannelsFailed, ErrorTypeBackendTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewCapabilityMismatchError creates an error for requests no channel can serve
// because of a missing capability (400).
func NewCapabilityMismatchError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeCapabilityMismatch,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewNoChannelError creates an error for requests with no eligible channel (503).
func NewNoChannelError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNoChannel,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

// NewAllChannelsFailedError wraps the last diagnostic after every candidate failed (502).
func NewAllChannelsFailedError(provider, lastDiagnostic string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAllChannelsFailed,
		Message:    "all channels failed: " + lastDiagnostic,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// BackendErrorKind classifies a failure that happened inside an adapter.
type BackendErrorKind string

const (
	BackendRateLimit  BackendErrorKind = "rate_limit"
	BackendOverloaded BackendErrorKind = "overloaded"
	BackendAuth       BackendErrorKind = "auth"
	BackendTimeout    BackendErrorKind = "timeout"
	BackendCanceled   BackendErrorKind = "canceled"
	BackendFailure    BackendErrorKind = "backend"
)

// BackendError is the typed result adapters produce instead of raising.
type BackendError struct {
	Kind       BackendErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ClassifyBackendError maps an arbitrary backend failure to a BackendError.
// statusCode may be 0 when no HTTP exchange took place.
func ClassifyBackendError(provider string, statusCode int, err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	msg := "unknown backend error"
	if err != nil {
		msg = err.Error()
	}
	out := &BackendError{Provider: provider, StatusCode: statusCode, Message: msg, Err: err}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = BackendTimeout
	case errors.Is(err, context.Canceled):
		out.Kind = BackendCanceled
	case statusCode == http.StatusTooManyRequests:
		out.Kind = BackendRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		out.Kind = BackendAuth
	case statusCode == http.StatusServiceUnavailable || statusCode == 529:
		out.Kind = BackendOverloaded
	case statusCode == http.StatusGatewayTimeout || statusCode == http.StatusRequestTimeout:
		out.Kind = BackendTimeout
	default:
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "rate limit"):
			out.Kind = BackendRateLimit
		case strings.Contains(lower, "overload"):
			out.Kind = BackendOverloaded
		case strings.Contains(lower, "timeout"):
			out.Kind = BackendTimeout
		default:
			out.Kind = BackendFailure
		}
	}
	return out
}
