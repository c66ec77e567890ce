package sync

import (
	"errors"
	"fmt"
)

var (
	ErrCollapseRejected  = errors.New("operation rejected by pending operation")
	ErrPurgeBlocked      = errors.New("purge blocked by pending operations")
	ErrPushFailed        = errors.New("push failed")
	ErrInvalidItemID     = errors.New("item id must be a string")
	ErrInvalidTable      = errors.New("invalid table name")
	ErrInvalidQueryKey   = errors.New("query key must be 1-25 characters of letters, digits, '-' or '_'")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrItemExists        = errors.New("item already exists")
	ErrOperationChanged  = errors.New("pending operation changed since the error was recorded")
	ErrSyncErrorNotFound = errors.New("sync error not found")
	ErrNoServerItem      = errors.New("sync error has no server item")
	ErrPullStalled       = errors.New("incremental pull made no progress")
)

// CollapseError reports a mutation that cannot be combined with the
// operation already queued for the same item.
type CollapseError struct {
	Table    string
	ItemID   string
	Existing OperationKind
	New      OperationKind
}

func (e *CollapseError) Error() string {
	return fmt.Sprintf("cannot %s %s/%s: a pending %s exists", e.New, e.Table, e.ItemID, e.Existing)
}

func (e *CollapseError) Unwrap() error { return ErrCollapseRejected }

// PushFailedError is returned when a push cycle was cancelled or finished
// with failed operations. Result describes the cycle.
type PushFailedError struct {
	Result *PushCompletionResult
	// Err is the cause of a cancelled cycle; nil when the cycle completed
	// with recorded operation errors.
	Err error
}

func (e *PushFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push failed (%s): %v", e.Result.Status, e.Err)
	}
	return fmt.Sprintf("push failed (%s): %d operation error(s)", e.Result.Status, len(e.Result.Errors))
}

func (e *PushFailedError) Is(target error) bool { return target == ErrPushFailed }

func (e *PushFailedError) Unwrap() error { return e.Err }
