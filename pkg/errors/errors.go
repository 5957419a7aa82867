// Package errors provides a structured error system for remotefs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for remotefs operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Connection errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeBadResponse      ErrorCode = "BAD_RESPONSE"

	// Filesystem errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeIsADirectory    ErrorCode = "IS_A_DIRECTORY"
	ErrCodeNotADirectory   ErrorCode = "NOT_A_DIRECTORY"
	ErrCodeNotEmpty        ErrorCode = "NOT_EMPTY"
	ErrCodeStaleHandle     ErrorCode = "STALE_HANDLE"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeFileTooLarge    ErrorCode = "FILE_TOO_LARGE"
	ErrCodeMountFailed     ErrorCode = "MOUNT_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinel values for errors.Is comparisons. Matching is by code only.
var (
	ErrNotFound        = &RemoteFSError{Code: ErrCodeNotFound}
	ErrAlreadyExists   = &RemoteFSError{Code: ErrCodeAlreadyExists}
	ErrIsADirectory    = &RemoteFSError{Code: ErrCodeIsADirectory}
	ErrNotADirectory   = &RemoteFSError{Code: ErrCodeNotADirectory}
	ErrNotEmpty        = &RemoteFSError{Code: ErrCodeNotEmpty}
	ErrStaleHandle     = &RemoteFSError{Code: ErrCodeStaleHandle}
	ErrInvalidArgument = &RemoteFSError{Code: ErrCodeInvalidArgument}
	ErrFileTooLarge    = &RemoteFSError{Code: ErrCodeFileTooLarge}
	ErrTimeout         = &RemoteFSError{Code: ErrCodeOperationTimeout}
	ErrConnection      = &RemoteFSError{Code: ErrCodeConnectionFailed}
	ErrBadResponse     = &RemoteFSError{Code: ErrCodeBadResponse}
)

// RemoteFSError represents a structured error with context and metadata.
type RemoteFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *RemoteFSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *RemoteFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *RemoteFSError) Is(target error) bool {
	if other, ok := target.(*RemoteFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *RemoteFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("RemoteFSError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new remotefs error with default values.
func NewError(code ErrorCode, message string) *RemoteFSError {
	return &RemoteFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *RemoteFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeOperationTimeout, ErrCodeBadResponse:
		return CategoryConnection
	case ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeIsADirectory, ErrCodeNotADirectory,
		ErrCodeNotEmpty, ErrCodeStaleHandle, ErrCodeInvalidArgument, ErrCodeFileTooLarge, ErrCodeMountFailed:
		return CategoryFilesystem
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeMountFailed,
		ErrCodeConnectionFailed, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:    http.StatusBadRequest,
		ErrCodeInvalidArgument:  http.StatusBadRequest,
		ErrCodeNotADirectory:    http.StatusBadRequest,
		ErrCodeNotFound:         http.StatusNotFound,
		ErrCodeAlreadyExists:    http.StatusConflict,
		ErrCodeIsADirectory:     http.StatusConflict,
		ErrCodeNotEmpty:         http.StatusConflict,
		ErrCodeStaleHandle:      http.StatusGone,
		ErrCodeFileTooLarge:     http.StatusRequestEntityTooLarge,
		ErrCodeBadResponse:      http.StatusBadGateway,
		ErrCodeConnectionFailed: http.StatusServiceUnavailable,
		ErrCodeOperationTimeout: http.StatusGatewayTimeout,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromHTTPStatus maps a response status from the remote API to an error code.
// It returns the empty code for 2xx statuses. The directory flag is a hint
// for statuses the API uses for more than one mismatch (400 and 409).
func FromHTTPStatus(status int, targetIsDir bool) ErrorCode {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusNotFound:
		return ErrCodeNotFound
	case status == http.StatusConflict:
		return ErrCodeAlreadyExists
	case status == http.StatusBadRequest:
		if targetIsDir {
			return ErrCodeIsADirectory
		}
		return ErrCodeNotADirectory
	case status == http.StatusRequestEntityTooLarge:
		return ErrCodeFileTooLarge
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrCodeOperationTimeout
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway:
		return ErrCodeConnectionFailed
	default:
		return ErrCodeBadResponse
	}
}

// WithContext adds contextual information to an error
func (e *RemoteFSError) WithContext(key, value string) *RemoteFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *RemoteFSError) WithDetail(key string, value interface{}) *RemoteFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *RemoteFSError) WithComponent(component string) *RemoteFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *RemoteFSError) WithOperation(operation string) *RemoteFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *RemoteFSError) WithCause(cause error) *RemoteFSError {
	e.Cause = cause
	return e
}

// WithRequestID records the request id the remote call was issued with.
func (e *RemoteFSError) WithRequestID(id string) *RemoteFSError {
	e.RequestID = id
	return e
}

// CodeOf returns the code of the first RemoteFSError in err's chain.
func CodeOf(err error) ErrorCode {
	var rfe *RemoteFSError
	if stderrors.As(err, &rfe) {
		return rfe.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable RemoteFSError.
func IsRetryable(err error) bool {
	var rfe *RemoteFSError
	return stderrors.As(err, &rfe) && rfe.Retryable
}

var errnoMap = map[ErrorCode]syscall.Errno{
	ErrCodeNotFound:        syscall.ENOENT,
	ErrCodeAlreadyExists:   syscall.EEXIST,
	ErrCodeIsADirectory:    syscall.EISDIR,
	ErrCodeNotADirectory:   syscall.ENOTDIR,
	ErrCodeNotEmpty:        syscall.ENOTEMPTY,
	ErrCodeStaleHandle:     syscall.ESTALE,
	ErrCodeInvalidArgument: syscall.EINVAL,
	ErrCodeFileTooLarge:    syscall.EFBIG,
}

// Errno translates err to the errno reported to the kernel. Anything that is
// not a recognised filesystem condition becomes EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := errnoMap[CodeOf(err)]; ok {
		return errno
	}
	return syscall.EIO
}
