// Package errors defines the error taxonomy shared across the mesh runtime.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the mesh runtime. Every fallible operation in the
// runtime returns one of these wrapped in an *AppError rather than a
// bare error, so callers can branch on Code without string matching.
const (
	// Argument errors.
	CodeNullInput     = "NULL_INPUT"
	CodeNotNullInput  = "NOT_NULL_INPUT"
	CodeUndersized    = "UNDERSIZED"
	CodeIndexOutOfRng = "INDEX_OUT_OF_RANGE"
	CodeSizeMismatch  = "SIZE_MISMATCH"

	// State errors.
	CodeAlreadyFinalized = "ALREADY_FINALIZED"
	CodeUnfinalizedGraph = "UNFINALIZED_GRAPH"
	CodeNodeExists       = "NODE_EXISTS"
	CodeNodeMissing      = "NODE_MISSING"
	CodeEdgeExists       = "EDGE_EXISTS"
	CodeEmptyPayload     = "EMPTY_PAYLOAD"

	// Type errors.
	CodeUnregisteredType = "UNREGISTERED_TYPE"

	// Consistency errors.
	CodeOwnershipMismatch   = "OWNERSHIP_MISMATCH"
	CodeDuplicateExchangeID = "DUPLICATE_EXCHANGE_ID"

	// Backend errors.
	CodeTransportError          = "TRANSPORT_ERROR"
	CodePartitionerBackendError = "PARTITIONER_BACKEND_ERROR"

	// Partitioner configuration errors.
	CodePartsUnset             = "PARTS_UNSET"
	CodeBadNCon                = "BAD_NCON"
	CodeUnderSizedCommunicator = "UNDERSIZED_COMMUNICATOR"

	CodeUnknown = "UNKNOWN_ERROR"
)

// AppError is the runtime's single error type: a stable code, a
// human-readable message, and an optional wrapped cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError with the same code. This
// lets callers write errors.Is(err, errors.ErrNodeExists) regardless
// of the message or wrapped cause attached at the call site.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError with no wrapped cause.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrapf attaches a code and formatted message to an existing error.
func Wrapf(code string, err error, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel instances, one per code, for use with errors.Is.
var (
	ErrNullInput     = New(CodeNullInput, "required input was nil")
	ErrNotNullInput  = New(CodeNotNullInput, "out-parameter must be pre-zeroed")
	ErrUndersized    = New(CodeUndersized, "destination buffer too small")
	ErrIndexOutOfRng = New(CodeIndexOutOfRng, "index out of range")
	ErrSizeMismatch  = New(CodeSizeMismatch, "buffer size mismatch")

	ErrAlreadyFinalized = New(CodeAlreadyFinalized, "graph already finalized")
	ErrUnfinalizedGraph = New(CodeUnfinalizedGraph, "graph has not been finalized")
	ErrNodeExists       = New(CodeNodeExists, "node already present")
	ErrNodeMissing      = New(CodeNodeMissing, "node not present")
	ErrEdgeExists       = New(CodeEdgeExists, "edge already present")
	ErrEmptyPayload     = New(CodeEmptyPayload, "payload has zero elements")

	ErrUnregisteredType = New(CodeUnregisteredType, "element type has no registered descriptor")

	ErrOwnershipMismatch   = New(CodeOwnershipMismatch, "ghost node claimed by zero or more than one rank")
	ErrDuplicateExchangeID = New(CodeDuplicateExchangeID, "duplicate exchange id")

	ErrTransportError          = New(CodeTransportError, "message transport failure")
	ErrPartitionerBackendError = New(CodePartitionerBackendError, "partitioner backend failure")

	ErrPartsUnset             = New(CodePartsUnset, "partitioner part count not set")
	ErrBadNCon                = New(CodeBadNCon, "invalid vertex-weight constraint count")
	ErrUnderSizedCommunicator = New(CodeUnderSizedCommunicator, "fewer ranks than requested parts")
)

// Is reports whether err is an AppError with the given code.
func Is(err error, sentinel *AppError) bool {
	return errors.Is(err, sentinel)
}

// Code extracts the error code from err, or CodeUnknown if err is not
// (or does not wrap) an *AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// Message extracts the message from err, falling back to err.Error().
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
