// Package errs provides structured error types and helpers for the paygate services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a gateway error category.
type Code string

const (
	// CodeConfiguration indicates a missing or malformed account configuration source.
	CodeConfiguration Code = "configuration"
	// CodeAccountNotFound indicates the requested account identifier is unknown.
	CodeAccountNotFound Code = "account_not_found"
	// CodeCredentialMissing indicates the account exists but carries no usable credential.
	CodeCredentialMissing Code = "credential_missing"
	// CodeAccessDenied indicates the request's source address is not allowlisted.
	CodeAccessDenied Code = "access_denied"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeProvider indicates a billing-provider-side failure.
	CodeProvider Code = "provider_error"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the paygate stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code, overriding the code's default.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the gateway error code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to the HTTP status code it should surface as.
func HTTPStatus(err error) int {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case CodeConfiguration:
		return http.StatusInternalServerError
	case CodeAccountNotFound, CodeCredentialMissing:
		return http.StatusNotFound
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeProvider:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the caller-facing message for err, falling back to a generic one.
func UserMessage(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
