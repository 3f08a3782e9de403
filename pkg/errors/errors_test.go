package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorFillsCategoryAndRetryability(t *testing.T) {
	err := NewError(ErrCodeTryAgain, "memory pressure")

	assert.Equal(t, ErrCodeTryAgain, err.Code)
	assert.Equal(t, CategoryOperation, err.Category)
	assert.True(t, err.Retryable)
	assert.False(t, err.Timestamp.IsZero())

	assert.False(t, NewError(ErrCodeInvalidParameter, "x").Retryable)
	assert.True(t, NewError(ErrCodeStorageWrite, "x").Retryable)
}

func TestGetCategory(t *testing.T) {
	cases := map[ErrorCode]ErrorCategory{
		ErrCodeInsufficientResources: CategoryResource,
		ErrCodeResourceInUse:         CategoryResource,
		ErrCodeRefcountOverflow:      CategoryResource,
		ErrCodeInvalidParameter:      CategoryOperation,
		ErrCodeTryAgain:              CategoryOperation,
		ErrCodeDataLengthMismatch:    CategoryOperation,
		ErrCodeStorageWrite:          CategoryStorage,
		ErrCodeStorageSync:           CategoryStorage,
		ErrCodeInvalidConfig:         CategoryConfiguration,
		ErrCodeAlreadyStarted:        CategoryState,
		ErrCodeInvalidState:          CategoryState,
		ErrCodeInternalError:         CategoryInternal,
	}
	for code, want := range cases {
		assert.Equal(t, want, GetCategory(code), string(code))
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeStorageWrite, "write failed")
	assert.Equal(t, "STORAGE_WRITE: write failed", err.Error())

	err = err.WithComponent("cache")
	assert.Equal(t, "[cache] STORAGE_WRITE: write failed", err.Error())

	err = err.WithOperation("Flush")
	assert.Equal(t, "[cache:Flush] STORAGE_WRITE: write failed", err.Error())
}

func TestStringIncludesDetailsAndCause(t *testing.T) {
	err := NewError(ErrCodeStorageWrite, "write failed").
		WithComponent("cache").
		WithDetail("offset", 4096).
		WithCause(fmt.Errorf("connection reset"))

	s := err.String()
	assert.Contains(t, s, "Code=STORAGE_WRITE")
	assert.Contains(t, s, `"offset":4096`)
	assert.Contains(t, s, `Cause="connection reset"`)
	assert.Contains(t, s, "Retryable=true")
}

func TestUnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewError(ErrCodeOperationFailed, "wrapper").WithCause(cause)

	assert.Same(t, cause, stderrors.Unwrap(err))
	require.True(t, stderrors.Is(err, cause))

	assert.True(t, stderrors.Is(err, NewError(ErrCodeOperationFailed, "other message")))
	assert.False(t, stderrors.Is(err, NewError(ErrCodeTryAgain, "other code")))
}

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, ErrCodeTryAgain, Code(NewError(ErrCodeTryAgain, "x")))
	assert.Equal(t, ErrCodeInternalError, Code(fmt.Errorf("plain")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTryAgain(NewError(ErrCodeTryAgain, "x")))
	assert.False(t, IsTryAgain(NewError(ErrCodeInvalidState, "x")))
	assert.False(t, IsTryAgain(fmt.Errorf("plain")))

	assert.True(t, IsResourceInUse(NewError(ErrCodeResourceInUse, "x")))
	assert.False(t, IsResourceInUse(fmt.Errorf("plain")))

	assert.True(t, IsDataLengthMismatch(NewError(ErrCodeDataLengthMismatch, "x")))
	assert.False(t, IsDataLengthMismatch(NewError(ErrCodeStorageWrite, "x")))
}

func TestWithContextAndDetail(t *testing.T) {
	err := NewError(ErrCodeInvalidParameter, "bad offset").
		WithContext("caller", "flush").
		WithDetail("offset", uint64(13))

	assert.Equal(t, "flush", err.Context["caller"])
	assert.Equal(t, uint64(13), err.Details["offset"])
}
