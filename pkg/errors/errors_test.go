package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without underlying error",
			err:      New(CodeNodeExists, "node 3 already present"),
			expected: "[NODE_EXISTS] node 3 already present",
		},
		{
			name:     "with underlying error",
			err:      Wrap(CodeTransportError, "send failed", errors.New("connection reset")),
			expected: "[TRANSPORT_ERROR] send failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeOwnershipMismatch, "ghost claimed twice", underlying)

	unwrapped := err.Unwrap()
	assert.Equal(t, underlying, unwrapped)
}

func TestAppError_Is(t *testing.T) {
	err1 := New(CodeNodeExists, "error 1")
	err2 := New(CodeNodeExists, "error 2")
	err3 := New(CodeNodeMissing, "error 3")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel *AppError
		expected bool
	}{
		{
			name:     "matching sentinel",
			err:      ErrNodeExists,
			sentinel: ErrNodeExists,
			expected: true,
		},
		{
			name:     "wrapped matching sentinel",
			err:      Wrap(CodeNodeExists, "dup", errors.New("cause")),
			sentinel: ErrNodeExists,
			expected: true,
		},
		{
			name:     "other sentinel",
			err:      ErrNodeMissing,
			sentinel: ErrNodeExists,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			sentinel: ErrNodeExists,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Is(tt.err, tt.sentinel))
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "app error",
			err:      New(CodeUnregisteredType, "no descriptor"),
			expected: CodeUnregisteredType,
		},
		{
			name:     "wrapped app error",
			err:      Wrap(CodeTransportError, "send", errors.New("inner")),
			expected: CodeTransportError,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: CodeUnknown,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Code(tt.err))
		})
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "app error",
			err:      New(CodeNodeMissing, "node 7 not present"),
			expected: "node 7 not present",
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: "standard error",
		},
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Message(tt.err))
		})
	}
}
