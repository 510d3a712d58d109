package engine

import (
	"errors"
	"fmt"
)

// SyncError is returned by engine operations that failed.
//
// SyncError carries enough context for the caller to decide what to tell
// the user. The cause stays reachable through errors.Is and errors.As, so
// a caller can still check for remote.ErrNotFound or an *remote.HTTPError.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the engine operation that failed (insert, update, merge, ...).
	Op string

	// Collection is the affected collection key.
	Collection string

	// ID is the affected entity id, if any.
	ID string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeRemoteFailed indicates a mutation the authority rejected or
	// never answered. The optimistic change has been rolled back.
	ErrCodeRemoteFailed ErrorCode = "REMOTE_FAILED"

	// ErrCodeMergeFailed indicates a pull failed. Local data and the cursor
	// are untouched.
	ErrCodeMergeFailed ErrorCode = "MERGE_FAILED"

	// ErrCodeHydrationFailed indicates a reference lookup failed.
	ErrCodeHydrationFailed ErrorCode = "HYDRATION_FAILED"

	// ErrCodeSnapshotInvalid indicates a persisted snapshot could not be
	// written.
	ErrCodeSnapshotInvalid ErrorCode = "SNAPSHOT_INVALID"

	// ErrCodePendingInsert indicates an update aimed at a temp entity whose
	// insert has not been confirmed.
	ErrCodePendingInsert ErrorCode = "PENDING_INSERT"

	// ErrCodeNotFound indicates a mutation aimed at an id that is not in
	// the local store.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeUnknownCollection indicates a collection key the session does
	// not manage.
	ErrCodeUnknownCollection ErrorCode = "UNKNOWN_COLLECTION"

	// ErrCodeSessionClosed indicates use of a closed session.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Code, e.Op, e.Collection)
	if e.ID != "" {
		msg += "/" + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func newSyncError(code ErrorCode, op, collection, id string, err error) *SyncError {
	return &SyncError{Code: code, Op: op, Collection: collection, ID: id, Err: err}
}

// HasCode reports whether err is a SyncError with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRemoteError returns true if a mutation failed at the authority.
func IsRemoteError(err error) bool {
	return HasCode(err, ErrCodeRemoteFailed)
}

// IsMergeError returns true if a merge or full pull failed.
func IsMergeError(err error) bool {
	return HasCode(err, ErrCodeMergeFailed)
}

// IsHydrationError returns true if a reference hydration failed.
func IsHydrationError(err error) bool {
	return HasCode(err, ErrCodeHydrationFailed)
}

// IsPendingInsert returns true if the target was an unconfirmed temp entity.
func IsPendingInsert(err error) bool {
	return HasCode(err, ErrCodePendingInsert)
}
