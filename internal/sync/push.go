package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// Push replays the operation queue against the table service in order.
//
// Failed operations stay queued and are recorded as OperationErrors; the
// cycle continues past them. A network failure or a 401 cancels the cycle
// with no errors recorded. In every case other than a clean run the
// returned error is a *PushFailedError carrying the same result.
// A Push waits for a running push, pull or purge to finish.
func (e *Engine) Push(ctx context.Context) (*PushCompletionResult, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	return e.push(ctx)
}

// outcome classifies a single pushed operation.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeNetwork
	outcomeAuth
)

func (e *Engine) push(ctx context.Context) (*PushCompletionResult, error) {
	start := time.Now()
	slog.Info("push started",
		"component", "sync",
		"action", "push_start",
	)

	result := &PushCompletionResult{Status: PushComplete}

	// Errors describe the latest cycle only.
	if err := e.store.DeleteAll(ctx, ErrorsTable); err != nil {
		return e.finishPush(ctx, result, PushInternalError, fmt.Errorf("clear sync errors: %w", err), start)
	}

	var lastSeq int64
	for {
		if err := ctx.Err(); err != nil {
			return e.finishPush(ctx, result, PushCancelledByNetworkError, err, start)
		}
		op, err := nextOperation(ctx, e.store, lastSeq)
		if err != nil {
			return e.finishPush(ctx, result, PushInternalError, err, start)
		}
		if op == nil {
			break
		}
		lastSeq = op.Sequence

		kind, opErr, err := e.pushOperation(ctx, op)
		switch kind {
		case outcomeNetwork:
			return e.finishPush(ctx, result, PushCancelledByNetworkError, err, start)
		case outcomeAuth:
			return e.finishPush(ctx, result, PushCancelledByAuthenticationError, err, start)
		}
		if err != nil {
			return e.finishPush(ctx, result, PushInternalError, err, start)
		}
		switch kind {
		case outcomeSuccess:
			result.Pushed++
		case outcomeFailed:
			result.Errors = append(result.Errors, opErr)
			if opErr.Internal {
				result.Status = PushInternalError
			}
		}
	}

	return e.finishPush(ctx, result, result.Status, nil, start)
}

// finishPush seals the result. A cancelled cycle drops the errors it
// recorded.
func (e *Engine) finishPush(ctx context.Context, result *PushCompletionResult, status PushStatus, cause error, start time.Time) (*PushCompletionResult, error) {
	result.Status = status
	if cause != nil {
		result.Errors = nil
		if err := e.store.DeleteAll(context.WithoutCancel(ctx), ErrorsTable); err != nil {
			slog.Warn("failed to clear sync errors of cancelled push",
				"component", "sync",
				"action", "push_cleanup",
				"error", err,
			)
		}
	}

	e.handler.OnPushComplete(ctx, result)

	attrs := []any{
		"component", "sync",
		"action", "push_complete",
		"status", status.String(),
		"pushed", result.Pushed,
		"errors", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if cause != nil {
		slog.Warn("push cancelled", append(attrs, "error", cause)...)
		return result, &PushFailedError{Result: result, Err: cause}
	}
	if len(result.Errors) > 0 {
		slog.Warn("push completed with errors", attrs...)
		return result, &PushFailedError{Result: result}
	}
	slog.Info("push completed", attrs...)
	return result, nil
}

// pushOperation executes one operation while holding its item lock. The
// operation is re-read under the lock since a mutation may have collapsed
// or cancelled it after it was picked. A non-nil error with outcomeSuccess,
// outcomeSkipped or outcomeFailed is a local store failure.
func (e *Engine) pushOperation(ctx context.Context, picked *PendingOperation) (outcome, *OperationError, error) {
	unlock := e.items.Lock(itemKey(picked.Table, picked.ItemID))
	defer unlock()

	op, err := findOperation(ctx, e.store, picked.Table, picked.ItemID)
	if err != nil {
		return outcomeSkipped, nil, err
	}
	if op == nil || op.ID != picked.ID {
		return outcomeSkipped, nil, nil
	}

	top := &TableOperation{
		Kind:    op.Kind,
		Table:   op.Table,
		ItemID:  op.ItemID,
		Item:    op.Item.Clone(),
		service: e.service,
	}
	if top.Item == nil {
		top.Item = types.Record{types.FieldID: op.ItemID}
	}

	serverItem, execErr := e.handler.ExecuteTableOperation(ctx, top)
	if execErr == nil {
		return outcomeSuccess, nil, e.completeOperation(ctx, op, serverItem)
	}

	if isNetworkFailure(execErr) {
		return outcomeNetwork, nil, execErr
	}
	var se *remote.ServiceError
	if errors.As(execErr, &se) && se.IsAuth() {
		return outcomeAuth, nil, execErr
	}

	opErr := &OperationError{
		ID:               newID(),
		OperationID:      op.ID,
		OperationVersion: op.Version,
		Kind:             op.Kind,
		Table:            op.Table,
		ItemID:           op.ItemID,
		Item:             op.Item,
		Message:          execErr.Error(),
		CreatedAt:        e.now(),
	}
	if se != nil {
		opErr.StatusCode = se.StatusCode
		opErr.ServerItem = se.Item
		if se.Message != "" {
			opErr.Message = se.Message
		}
	} else {
		opErr.Internal = true
	}

	slog.Warn("operation failed",
		"component", "sync",
		"action", "push_operation_failed",
		"table", op.Table,
		"kind", string(op.Kind),
		"status_code", opErr.StatusCode,
		"error", execErr,
	)
	return outcomeFailed, opErr, saveOperationError(ctx, e.store, opErr)
}

// completeOperation removes a pushed operation and stores the server's
// copy of the item.
func (e *Engine) completeOperation(ctx context.Context, op *PendingOperation, serverItem types.Record) error {
	return e.store.InTx(ctx, func(tx store.Store) error {
		if err := removeOperation(ctx, tx, op); err != nil {
			return err
		}
		if op.Kind == OperationDelete || serverItem == nil {
			return nil
		}
		if serverItem.ID() == "" {
			serverItem = serverItem.Merge(types.Record{types.FieldID: op.ItemID})
		}
		if err := tx.Upsert(ctx, op.Table, serverItem); err != nil {
			return fmt.Errorf("write pushed %s/%s: %w", op.Table, op.ItemID, err)
		}
		return nil
	})
}

// isNetworkFailure reports errors that mean the service was not reached,
// including cancellation of the push itself.
func isNetworkFailure(err error) bool {
	return remote.IsNetworkError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
