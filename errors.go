package nvmeq

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-nvmeq/internal/abort"
	"github.com/ehrlich-b/go-nvmeq/internal/ring"
)

// Error represents a structured controller error with queue context
type Error struct {
	Op    string    // Operation that failed (e.g., "CREATE_SQ", "ABORT")
	Queue int       // Queue id (-1 if not applicable)
	CID   int       // Command id (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.CID >= 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.CID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmeq: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("nvmeq: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches by code against both sentinel and structured errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ne, ok := target.(NvmeqError); ok {
		return e.Code == ErrorCode(ne)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeQueueNotFound     ErrorCode = "queue not found"
	ErrCodeQueueExists       ErrorCode = "queue already exists"
	ErrCodeQueueInUse        ErrorCode = "queue in use"
	ErrCodeInvalidDoorbell   ErrorCode = "invalid doorbell value"
	ErrCodeAbortLimit        ErrorCode = "abort command limit exceeded"
	ErrCodeAbortPending      ErrorCode = "abort already pending"
	ErrCodeHostMemory        ErrorCode = "host memory error"
)

// NvmeqError is a sentinel comparable with errors.Is against any *Error of
// the same code
type NvmeqError string

func (e NvmeqError) Error() string {
	return string(e)
}

const (
	ErrInvalidParameters NvmeqError = "invalid parameters"
	ErrQueueNotFound     NvmeqError = "queue not found"
	ErrQueueExists       NvmeqError = "queue already exists"
	ErrQueueInUse        NvmeqError = "queue in use"
	ErrInvalidDoorbell   NvmeqError = "invalid doorbell value"
	ErrAbortLimit        NvmeqError = "abort command limit exceeded"
	ErrAbortPending      NvmeqError = "abort already pending"
	ErrHostMemory        NvmeqError = "host memory error"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		CID:   -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue uint16, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: int(queue),
		CID:   -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewCommandError creates an error about one command on a queue
func NewCommandError(op string, queue, cid uint16, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: int(queue),
		CID:   int(cid),
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with controller context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ne *Error
	if errors.As(inner, &ne) {
		return &Error{
			Op:    op,
			Queue: ne.Queue,
			CID:   ne.CID,
			Code:  ne.Code,
			Msg:   ne.Msg,
			Inner: ne.Inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		CID:   -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrorToCode maps internal package errors to error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, abort.ErrTableFull):
		return ErrCodeAbortLimit
	case errors.Is(err, abort.ErrDuplicate):
		return ErrCodeAbortPending
	case errors.Is(err, ring.ErrIndexOutOfRange):
		return ErrCodeInvalidDoorbell
	default:
		return ErrCodeHostMemory
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}
