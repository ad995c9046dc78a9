package datasource

import (
	"fmt"
	"time"
)

// ErrorCode is the closed taxonomy of adapter failures. The orchestrator
// keys its retry policy off the Retryable flag, never off message text.
type ErrorCode string

const (
	CodeConnectionFailed        ErrorCode = "CONNECTION_FAILED"
	CodeConnectionTimeout       ErrorCode = "CONNECTION_TIMEOUT"
	CodeAuthenticationFailed    ErrorCode = "AUTHENTICATION_FAILED"
	CodeSSLError                ErrorCode = "SSL_ERROR"
	CodeAccessDenied            ErrorCode = "ACCESS_DENIED"
	CodeInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
	CodeQuerySyntaxError        ErrorCode = "QUERY_SYNTAX_ERROR"
	CodeQueryTimeout            ErrorCode = "QUERY_TIMEOUT"
	CodeQueryCancelled          ErrorCode = "QUERY_CANCELLED"
	CodeResourceExhausted       ErrorCode = "RESOURCE_EXHAUSTED"
	CodeRateLimited             ErrorCode = "RATE_LIMITED"
	CodeTableNotFound           ErrorCode = "TABLE_NOT_FOUND"
	CodeColumnNotFound          ErrorCode = "COLUMN_NOT_FOUND"
	CodeSchemaFetchFailed       ErrorCode = "SCHEMA_FETCH_FAILED"
	CodeInvalidConfig           ErrorCode = "INVALID_CONFIG"
	CodeMissingRequiredField    ErrorCode = "MISSING_REQUIRED_FIELD"
	CodeNotImplemented          ErrorCode = "NOT_IMPLEMENTED"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// retryableCodes are transport-kind failures worth retrying within the
// circuit breaker's budget. Policy failures (auth, permissions) are not.
var retryableCodes = map[ErrorCode]bool{
	CodeConnectionFailed:  true,
	CodeConnectionTimeout: true,
	CodeQueryTimeout:      true,
	CodeResourceExhausted: true,
	CodeRateLimited:       true,
	CodeSchemaFetchFailed: true,
}

// AdapterError is the single error type crossing the adapter boundary.
// Code is always from the closed taxonomy; optional fields are populated
// per code (Resource for ACCESS_DENIED, QueryPreview/Position for
// QUERY_SYNTAX_ERROR, Timeout for CONNECTION_TIMEOUT).
type AdapterError struct {
	Code       ErrorCode
	Message    string
	Retryable  bool
	RetryAfter time.Duration

	Resource     string
	QueryPreview string
	Position     int
	Timeout      time.Duration

	Err error // wrapped driver error, if any
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewError builds an AdapterError for the given code with the standard
// retryable flag for that code.
func NewError(code ErrorCode, message string, cause error) *AdapterError {
	e := &AdapterError{
		Code:      code,
		Message:   message,
		Retryable: retryableCodes[code],
		Err:       cause,
	}
	if code == CodeResourceExhausted {
		e.RetryAfter = 60 * time.Second
	}
	return e
}

// NotImplemented reports that the adapter does not support an operation.
// Callers that consulted Capabilities first never see this.
func NotImplemented(sourceType SourceType, operation string) *AdapterError {
	return &AdapterError{
		Code:    CodeNotImplemented,
		Message: fmt.Sprintf("%s adapter does not implement %s", sourceType, operation),
	}
}

// ConnectionTimeout builds a CONNECTION_TIMEOUT error carrying the
// timeout that elapsed.
func ConnectionTimeout(timeout time.Duration, cause error) *AdapterError {
	e := NewError(CodeConnectionTimeout, fmt.Sprintf("connection timed out after %s", timeout), cause)
	e.Timeout = timeout
	return e
}

// QuerySyntax builds a QUERY_SYNTAX_ERROR carrying a preview of the
// offending statement. The preview is truncated to keep logs sane.
func QuerySyntax(query string, position int, cause error) *AdapterError {
	preview := query
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	e := NewError(CodeQuerySyntaxError, "query failed to parse", cause)
	e.QueryPreview = preview
	e.Position = position
	return e
}

// AccessDenied builds an ACCESS_DENIED error naming the resource.
func AccessDenied(resource string, cause error) *AdapterError {
	e := NewError(CodeAccessDenied, fmt.Sprintf("access denied to %s", resource), cause)
	e.Resource = resource
	return e
}

// RateLimited builds a RATE_LIMITED error with the provider-supplied
// retry-after hint.
func RateLimited(retryAfter time.Duration, cause error) *AdapterError {
	e := NewError(CodeRateLimited, "rate limited by provider", cause)
	e.RetryAfter = retryAfter
	return e
}

// MissingRequiredField reports an adapter config missing a field its
// ConfigSchema marks required.
func MissingRequiredField(field string) *AdapterError {
	return NewError(CodeMissingRequiredField, fmt.Sprintf("required config field %q is missing", field), nil)
}
