// Package ekernel implements the event-driven workflow kernel core: a
// userspace runtime that schedules cooperating processes against an
// asynchronous, DAG-structured workflow engine, routing events through a
// pipeline of decks via a single notify entry point.
package ekernel

import (
	"errors"
	"fmt"

	"github.com/evkernel/ekernel/internal/errcode"
)

// Code is a 16-bit error code; see internal/errcode for the full partition
// (0x00xx generic, 0x01xx operations, 0x02xx storage, 0x03xx hardware,
// 0x04xx network, 0x05xx workflow).
type Code = errcode.Code

// Re-export the code space for the public API, the way the teacher's
// constants.go re-exports internal/constants.
const (
	CodeOK                    = errcode.OK
	CodeInvalidParameter      = errcode.InvalidParameter
	CodeOutOfMemory           = errcode.OutOfMemory
	CodeTimeout               = errcode.Timeout
	CodeNotImplemented        = errcode.NotImplemented
	CodeBusy                  = errcode.Busy
	CodePermissionDenied      = errcode.PermissionDenied
	CodeOpUnsupportedType     = errcode.OpUnsupportedType
	CodeOpPayloadTooLarge     = errcode.OpPayloadTooLarge
	CodeStorageFileNotFound   = errcode.StorageFileNotFound
	CodeStorageInvalidFD      = errcode.StorageInvalidFD
	CodeStorageFDTableFull    = errcode.StorageFDTableFull
	CodeStorageReadTooLarge   = errcode.StorageReadTooLarge
	CodeStorageMapTooLarge    = errcode.StorageMapTooLarge
	CodeStoragePathTooLong    = errcode.StoragePathTooLong
	CodeStorageTagNameTooLong = errcode.StorageTagNameTooLong
	CodeStorageDiskFull       = errcode.StorageDiskFull
	CodeHardwareInvalidTimer  = errcode.HardwareInvalidTimer
	CodeHardwareTimerTableFull = errcode.HardwareTimerTableFull
	CodeHardwareDelayOutOfRange = errcode.HardwareDelayOutOfRange
	CodeHardwareUnreachable   = errcode.HardwareUnreachable
	CodeNetworkUnreachable    = errcode.NetworkUnreachable
	CodeNetworkInvalidSocket  = errcode.NetworkInvalidSocket
	CodeNetworkTimeout        = errcode.NetworkTimeout
	CodeWorkflowNotFound          = errcode.WorkflowNotFound
	CodeWorkflowDependencyFailed  = errcode.WorkflowDependencyFailed
	CodeWorkflowNodeLimitExceeded = errcode.WorkflowNodeLimitExceeded
	CodeWorkflowInvalidRoute      = errcode.WorkflowInvalidRoute
	CodeWorkflowAlreadyTerminal   = errcode.WorkflowAlreadyTerminal
)

// Severity classifies how serious an ErrorContext is.
type Severity = errcode.Severity

const (
	SeverityInfo    = errcode.SeverityInfo
	SeverityWarning = errcode.SeverityWarning
	SeverityError   = errcode.SeverityError
	SeverityFatal   = errcode.SeverityFatal
)

// Class partitions errors into the taxonomy from spec.md §7.
type Class = errcode.Class

const (
	ClassValidation = errcode.ClassValidation
	ClassTransient  = errcode.ClassTransient
	ClassPermanent  = errcode.ClassPermanent
	ClassFatal      = errcode.ClassFatal
)

// IsTransient reports whether code is retry-eligible per spec.md §4.4/§7.
func IsTransient(code Code) bool { return errcode.IsTransient(code) }

// ClassOf returns the taxonomy class for a code.
func ClassOf(code Code) Class { return errcode.ClassOf(code) }

// Error is a structured kernel error: it records the deck/operation that
// failed, the event and workflow it was attached to, and wraps an inner
// error when one caused it. Grounded on the teacher's errors.go *Error type.
type Error struct {
	Op         string // operation that failed, e.g. "SUBMIT", "Storage.Read"
	DeckPrefix uint8  // 0 if not deck-attributable
	EventID    uint64 // 0 if not event-attributable
	WorkflowID uint64 // 0 if not workflow-attributable
	Code       Code
	Severity   Severity
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = fmt.Sprintf("code=0x%04x", uint16(e.Code))
	}
	var parts string
	if e.Op != "" {
		parts += fmt.Sprintf(" op=%s", e.Op)
	}
	if e.DeckPrefix != 0 {
		parts += fmt.Sprintf(" deck=%d", e.DeckPrefix)
	}
	if e.EventID != 0 {
		parts += fmt.Sprintf(" event=%d", e.EventID)
	}
	if e.WorkflowID != 0 {
		parts += fmt.Sprintf(" workflow=%d", e.WorkflowID)
	}
	return fmt.Sprintf("ekernel: %s%s", msg, parts)
}

// Unwrap supports errors.Is/As against the wrapped inner error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by Code, either against another *Error
// or against a sentinel built with AsError.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	var c codeError
	if errors.As(target, &c) {
		return e.Code == c.code
	}
	return false
}

// codeError lets callers write `errors.Is(err, ekernel.AsError(CodeTimeout))`.
type codeError struct{ code Code }

func (c codeError) Error() string { return fmt.Sprintf("code=0x%04x", uint16(c.code)) }

// AsError returns a sentinel error comparable via errors.Is against any
// *Error sharing the same Code.
func AsError(code Code) error { return codeError{code: code} }

// NewError constructs an *Error with the given code, severity and message.
func NewError(op string, code Code, severity Severity, msg string) *Error {
	return &Error{Op: op, Code: code, Severity: severity, Msg: msg}
}

// WithEvent attaches event/workflow attribution to an error in place and
// returns it for chaining.
func (e *Error) WithEvent(eventID, workflowID uint64) *Error {
	e.EventID = eventID
	e.WorkflowID = workflowID
	return e
}

// WithDeck attaches deck attribution.
func (e *Error) WithDeck(prefix uint8) *Error {
	e.DeckPrefix = prefix
	return e
}
