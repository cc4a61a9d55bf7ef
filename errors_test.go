package ekernel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_ErrorString(t *testing.T) {
	err := NewError("Storage.Read", CodeStorageFileNotFound, SeverityError, "file not found").
		WithDeck(2).WithEvent(42, 7)

	msg := err.Error()
	require.Contains(t, msg, "file not found")
	require.Contains(t, msg, "op=Storage.Read")
	require.Contains(t, msg, "deck=2")
	require.Contains(t, msg, "event=42")
	require.Contains(t, msg, "workflow=7")
}

func TestError_Is(t *testing.T) {
	err := NewError("op", CodeTimeout, SeverityWarning, "")
	require.True(t, errors.Is(err, AsError(CodeTimeout)))
	require.False(t, errors.Is(err, AsError(CodeBusy)))

	wrapped := fmt.Errorf("wrapping: %w", err)
	require.True(t, errors.Is(wrapped, AsError(CodeTimeout)))
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("disk read failed")
	err := &Error{Code: CodeStorageFileNotFound, Inner: inner}
	require.Equal(t, inner, errors.Unwrap(err))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(CodeTimeout))
	require.True(t, IsTransient(CodeBusy))
	require.True(t, IsTransient(CodeNetworkTimeout))
	require.False(t, IsTransient(CodeStorageFileNotFound))
	require.False(t, IsTransient(CodeInvalidParameter))
}

func TestClassOf(t *testing.T) {
	require.Equal(t, ClassValidation, ClassOf(CodeInvalidParameter))
	require.Equal(t, ClassTransient, ClassOf(CodeTimeout))
	require.Equal(t, ClassPermanent, ClassOf(CodeStorageFileNotFound))
}
