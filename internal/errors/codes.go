package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for node operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeFileNotFound    ErrorCode = 1001
	ErrCodeNotJoined       ErrorCode = 1002
	ErrCodeAlreadyJoined   ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeDiskFull          ErrorCode = 2002
	ErrCodeTimeout           ErrorCode = 2003
	ErrCodeProtocolViolation ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeInvalidArgument:   "invalid_argument",
	ErrCodeFileNotFound:      "not_found",
	ErrCodeNotJoined:         "not_joined",
	ErrCodeAlreadyJoined:     "already_joined",
	ErrCodeInternal:          "internal",
	ErrCodeUnavailable:       "unavailable",
	ErrCodeDiskFull:          "disk_full",
	ErrCodeTimeout:           "timeout",
	ErrCodeProtocolViolation: "protocol_violation",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeFileNotFound:
		return codes.NotFound
	case ErrCodeNotJoined:
		return codes.FailedPrecondition
	case ErrCodeAlreadyJoined:
		return codes.AlreadyExists
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func FileNotFound(name string) *StorageError {
	return NewStorageError(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", name), nil).
		WithDetail("name", name)
}

func NotJoined(op string) *StorageError {
	return NewStorageError(ErrCodeNotJoined, fmt.Sprintf("%s: node is not a group member", op), nil).
		WithDetail("op", op)
}

func AlreadyJoined() *StorageError {
	return NewStorageError(ErrCodeAlreadyJoined, "node already joined or is joining", nil)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func Timeout(op string, cause error) *StorageError {
	return NewStorageError(ErrCodeTimeout, fmt.Sprintf("%s timed out", op), cause).
		WithDetail("op", op)
}

func ProtocolViolation(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeProtocolViolation, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// ToGRPC converts any error into a gRPC status error
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC status error back into a StorageError
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	code := ErrCodeInternal
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.NotFound:
		code = ErrCodeFileNotFound
	case codes.FailedPrecondition:
		code = ErrCodeNotJoined
	case codes.AlreadyExists:
		code = ErrCodeAlreadyJoined
	case codes.ResourceExhausted:
		code = ErrCodeDiskFull
	case codes.DeadlineExceeded:
		code = ErrCodeTimeout
	case codes.Unavailable:
		code = ErrCodeUnavailable
	}
	return NewStorageError(code, st.Message(), nil)
}
