// Package syncerr classifies failures of the sync engine into stable codes.
//
// Every error returned across a package boundary that a caller is expected to
// branch on carries a Code. Recoverable codes are the session fencing ones; the
// safe ingest wrapper retries exactly those once after rebinding the session.
package syncerr

import (
	"github.com/pkg/errors"
)

type Category string

const (
	CategorySession    Category = "session"
	CategoryOrdering   Category = "ordering"
	CategoryAuth       Category = "authorization"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryDispatch   Category = "dispatch"
	CategoryDeletion   Category = "deletion"
	CategoryInternal   Category = "internal"
)

type Code string

const (
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeSessionThreadMismatch Code = "SESSION_THREAD_MISMATCH"
	CodeSessionDeviceMismatch Code = "SESSION_DEVICE_MISMATCH"

	CodeOutOfOrder         Code = "OUT_OF_ORDER"
	CodeDupEventInBatch    Code = "DUP_EVENT_IN_BATCH"
	CodeInvalidCursorRange Code = "INVALID_CURSOR_RANGE"
	CodeReplayGap          Code = "REPLAY_GAP"

	CodeAuthThreadForbidden  Code = "AUTH_THREAD_FORBIDDEN"
	CodeAuthTurnForbidden    Code = "AUTH_TURN_FORBIDDEN"
	CodeAuthSessionForbidden Code = "AUTH_SESSION_FORBIDDEN"

	CodeInvalidBatch    Code = "INVALID_BATCH"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeThreadNotFound  Code = "THREAD_NOT_FOUND"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTurnIDRequired  Code = "TURN_ID_REQUIRED"

	CodeResourceLimit    Code = "RESOURCE_LIMIT"
	CodeIrreducibleChunk Code = "IRREDUCIBLE_CHUNK"

	CodeClaimTokenMismatch   Code = "CLAIM_TOKEN_MISMATCH"
	CodeInvalidDispatchState Code = "INVALID_DISPATCH_STATE"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeClaimFailed          Code = "CLAIM_FAILED"

	CodeDeleteJobFailed      Code = "DELETE_JOB_FAILED"
	CodeInvalidDeletionState Code = "INVALID_DELETION_STATE"

	CodeUnknown Code = "UNKNOWN"
)

var categories = map[Code]Category{
	CodeSessionNotFound:       CategorySession,
	CodeSessionThreadMismatch: CategorySession,
	CodeSessionDeviceMismatch: CategorySession,
	CodeOutOfOrder:            CategoryOrdering,
	CodeDupEventInBatch:       CategoryOrdering,
	CodeInvalidCursorRange:    CategoryOrdering,
	CodeReplayGap:             CategoryOrdering,
	CodeAuthThreadForbidden:   CategoryAuth,
	CodeAuthTurnForbidden:     CategoryAuth,
	CodeAuthSessionForbidden:  CategoryAuth,
	CodeInvalidBatch:          CategoryValidation,
	CodeInvalidArgument:       CategoryValidation,
	CodeThreadNotFound:        CategoryValidation,
	CodeNotFound:              CategoryValidation,
	CodeTurnIDRequired:        CategoryValidation,
	CodeResourceLimit:         CategoryResource,
	CodeIrreducibleChunk:      CategoryResource,
	CodeClaimTokenMismatch:    CategoryDispatch,
	CodeInvalidDispatchState:  CategoryDispatch,
	CodeIdempotencyConflict:   CategoryDispatch,
	CodeClaimFailed:           CategoryDispatch,
	CodeDeleteJobFailed:       CategoryDeletion,
	CodeInvalidDeletionState:  CategoryDeletion,
	CodeUnknown:               CategoryInternal,
}

var recoverable = map[Code]bool{
	CodeSessionNotFound:       true,
	CodeSessionThreadMismatch: true,
	CodeSessionDeviceMismatch: true,
}

type classifiedError struct {
	code  Code
	cause error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return string(e.code)
	}
	return "[" + string(e.code) + "] " + e.cause.Error()
}

func (e *classifiedError) Unwrap() error { return e.cause }

func (e *classifiedError) Code() Code { return e.code }

// New returns a classified error with a formatted message.
func New(code Code, format string, args ...any) error {
	return &classifiedError{code: code, cause: errors.Errorf(format, args...)}
}

// Wrap classifies cause. A nil cause yields nil.
func Wrap(cause error, code Code) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{code: code, cause: cause}
}

// CodeOf returns the outermost code in the chain, or "" for unclassified errors.
func CodeOf(err error) Code {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func CategoryOf(err error) Category {
	code := CodeOf(err)
	if code == "" {
		return ""
	}
	return categories[code]
}

func RecoverableOf(err error) bool {
	return IsRecoverable(CodeOf(err))
}

func IsRecoverable(code Code) bool {
	return recoverable[code]
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Public maps internal codes onto the set exposed by the safe ingest result.
// Anything not in that set collapses to UNKNOWN.
func Public(code Code) Code {
	switch code {
	case CodeSessionNotFound, CodeSessionThreadMismatch, CodeSessionDeviceMismatch,
		CodeOutOfOrder, CodeReplayGap, CodeDupEventInBatch, CodeInvalidCursorRange,
		CodeInvalidBatch, CodeResourceLimit,
		CodeAuthThreadForbidden, CodeAuthSessionForbidden, CodeAuthTurnForbidden,
		CodeThreadNotFound, CodeTurnIDRequired:
		return code
	default:
		return CodeUnknown
	}
}
