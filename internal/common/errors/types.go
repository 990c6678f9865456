// Package errors defines the structured error taxonomy shared by the request
// building and credential lifecycle packages.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConfig represents missing or invalid credential/descriptor configuration
	ErrTypeConfig ErrorType = "configuration"
	// ErrTypeAuth represents a failed login or a refresh that timed out
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeTokenNotFound represents a successful login that yielded no token value
	ErrTypeTokenNotFound ErrorType = "token_not_found"
	// ErrTypeUnmask represents a decode/decrypt failure of a masked value
	ErrTypeUnmask ErrorType = "unmask"
	// ErrTypeJWTSigning represents key resolution or signing failures
	ErrTypeJWTSigning ErrorType = "jwt_signing"
	// ErrTypeExtractionRule represents an unknown or malformed extraction rule
	ErrTypeExtractionRule ErrorType = "extraction_rule"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeTransport represents network level failures while sending a request
	ErrTypeTransport ErrorType = "transport"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConfigurationError creates an error for missing or invalid configuration
func ConfigurationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// AuthenticationError creates an error for a failed login or refresh
func AuthenticationError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: msg,
		Cause:   cause,
	}
}

// TokenNotFoundError creates an error for a login response without a token value
func TokenNotFoundError(tokenName string) *AppError {
	return &AppError{
		Type:    ErrTypeTokenNotFound,
		Message: fmt.Sprintf("no value for token %s in authentication response", tokenName),
	}
}

// UnmaskError creates an error for a failed decode/decrypt
func UnmaskError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeUnmask,
		Message: msg,
		Cause:   cause,
	}
}

// JWTSigningError creates an error for key resolution or signing failures
func JWTSigningError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeJWTSigning,
		Message: msg,
		Cause:   cause,
	}
}

// ExtractionRuleError creates an error for a single malformed extraction rule
func ExtractionRuleError(rule string, msg string) *AppError {
	return &AppError{
		Type:    ErrTypeExtractionRule,
		Message: msg,
		Context: map[string]interface{}{"rule": rule},
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// TransportError creates an error for a request that never produced a response
func TransportError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTransport,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error, or any error it wraps, is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}
