package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for account operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeMissingTimestamp   ErrorCode = 1001
	ErrCodeAccountNotFound    ErrorCode = 1002
	ErrCodeRecentlyDeleted    ErrorCode = 1003
	ErrCodeConflict           ErrorCode = 1004
	ErrCodeMethodNotAllowed   ErrorCode = 1005
	ErrCodeNotAcceptable      ErrorCode = 1006
	ErrCodePreconditionFailed ErrorCode = 1007
	ErrCodeInvalidUTF8        ErrorCode = 1008
	ErrCodeRateLimited        ErrorCode = 1009

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDeviceUnmounted   ErrorCode = 2002
	ErrCodeLockTimeout       ErrorCode = 2003
	ErrCodeCorruptedData     ErrorCode = 2004
	ErrCodePendingLogFailed  ErrorCode = 2005
	ErrCodeInsufficientSpace ErrorCode = 2006
)

// AccountError represents a structured error with code and context
type AccountError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *AccountError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *AccountError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *AccountError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeMissingTimestamp:
		return http.StatusBadRequest
	case ErrCodeAccountNotFound:
		return http.StatusNotFound
	case ErrCodeRecentlyDeleted:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeNotAcceptable:
		return http.StatusNotAcceptable
	case ErrCodePreconditionFailed, ErrCodeInvalidUTF8:
		return http.StatusPreconditionFailed
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeDeviceUnmounted, ErrCodeInsufficientSpace:
		return http.StatusInsufficientStorage
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body returns the text sent to clients. Server-side failures stay opaque.
func (e *AccountError) Body() string {
	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError && status != http.StatusInsufficientStorage {
		return http.StatusText(status)
	}
	return e.Message
}

// NewAccountError creates a new AccountError
func NewAccountError(code ErrorCode, message string, cause error) *AccountError {
	return &AccountError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *AccountError) WithDetail(key string, value interface{}) *AccountError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *AccountError {
	return NewAccountError(ErrCodeInvalidArgument, message, cause)
}

func MissingTimestamp(value string) *AccountError {
	return NewAccountError(ErrCodeMissingTimestamp, "Missing or bad timestamp", nil).
		WithDetail("x_timestamp", value)
}

func AccountNotFound(account string) *AccountError {
	return NewAccountError(ErrCodeAccountNotFound, "Not Found", nil).
		WithDetail("account", account)
}

func RecentlyDeleted(account string) *AccountError {
	return NewAccountError(ErrCodeRecentlyDeleted, "Recently deleted", nil).
		WithDetail("account", account)
}

func Conflict(account string) *AccountError {
	return NewAccountError(ErrCodeConflict, "Conflict", nil).
		WithDetail("account", account)
}

func MethodNotAllowed(method string) *AccountError {
	return NewAccountError(ErrCodeMethodNotAllowed, "Method Not Allowed", nil).
		WithDetail("method", method)
}

func NotAcceptable(accept string) *AccountError {
	return NewAccountError(ErrCodeNotAcceptable, "Not Acceptable", nil).
		WithDetail("accept", accept)
}

func PreconditionFailed(message string) *AccountError {
	return NewAccountError(ErrCodePreconditionFailed, message, nil)
}

func InvalidUTF8(path string) *AccountError {
	return NewAccountError(ErrCodeInvalidUTF8, "Invalid UTF8 or contains NULL", nil).
		WithDetail("path", path)
}

func RateLimited() *AccountError {
	return NewAccountError(ErrCodeRateLimited, "Rate limit exceeded", nil)
}

func DeviceUnmounted(device string) *AccountError {
	return NewAccountError(ErrCodeDeviceUnmounted, fmt.Sprintf("%s is not mounted", device), nil).
		WithDetail("device", device)
}

func InsufficientSpace(device string, cause error) *AccountError {
	return NewAccountError(ErrCodeInsufficientSpace, fmt.Sprintf("%s is out of space", device), cause).
		WithDetail("device", device)
}

func InternalError(message string, cause error) *AccountError {
	return NewAccountError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *AccountError {
	return NewAccountError(ErrCodeUnavailable, message, cause)
}

func LockTimeout(path string, cause error) *AccountError {
	return NewAccountError(ErrCodeLockTimeout, "lock timeout", cause).
		WithDetail("path", path)
}

func CorruptedData(message string, cause error) *AccountError {
	return NewAccountError(ErrCodeCorruptedData, message, cause)
}

func PendingLogFailed(message string, cause error) *AccountError {
	return NewAccountError(ErrCodePendingLogFailed, message, cause)
}

func ChecksumFailed(expected, actual uint32) *AccountError {
	return NewAccountError(ErrCodeCorruptedData, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// AsAccountError finds the first AccountError in err's chain
func AsAccountError(err error) (*AccountError, bool) {
	var ae *AccountError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if ae, ok := AsAccountError(err); ok {
		return ae.Code
	}
	return ErrCodeInternal
}

// HTTPStatus returns the HTTP status for any error, 500 when it carries no code
func HTTPStatus(err error) int {
	if ae, ok := AsAccountError(err); ok {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}
