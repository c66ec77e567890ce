package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// resolve runs fn for the error with the given id while holding its item
// lock. fn sees the error and the operation it still refers to.
func (e *Engine) resolve(ctx context.Context, errID string, fn func(tx store.Store, syncErr *OperationError, op *PendingOperation) error) (*OperationError, error) {
	syncErr, err := loadOperationError(ctx, e.store, errID)
	if err != nil {
		return nil, err
	}

	unlock := e.items.Lock(itemKey(syncErr.Table, syncErr.ItemID))
	defer unlock()
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	err = e.store.InTx(ctx, func(tx store.Store) error {
		// Reload under the locks; a push may have cleared it meanwhile.
		current, err := loadOperationError(ctx, tx, errID)
		if err != nil {
			return err
		}
		op, err := findOperation(ctx, tx, current.Table, current.ItemID)
		if err != nil {
			return err
		}
		if op == nil || op.ID != current.OperationID || op.Version != current.OperationVersion {
			return fmt.Errorf("%w: %s/%s", ErrOperationChanged, current.Table, current.ItemID)
		}
		syncErr = current
		if err := fn(tx, current, op); err != nil {
			return err
		}
		if _, err := tx.DeleteIDs(ctx, ErrorsTable, current.ID); err != nil {
			return fmt.Errorf("remove sync error %s: %w", current.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return syncErr, nil
}

// ResolveDiscard drops the failed operation and the local item.
func (e *Engine) ResolveDiscard(ctx context.Context, errID string) error {
	syncErr, err := e.resolve(ctx, errID, func(tx store.Store, _ *OperationError, op *PendingOperation) error {
		if err := removeOperation(ctx, tx, op); err != nil {
			return err
		}
		if _, err := tx.DeleteIDs(ctx, op.Table, op.ItemID); err != nil {
			return fmt.Errorf("discard %s/%s: %w", op.Table, op.ItemID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logResolution("discard", syncErr)
	return nil
}

// ResolveUpdate drops the failed operation and overwrites the local item
// with item, or with the server's copy when item is nil. A tombstone
// removes the local item.
func (e *Engine) ResolveUpdate(ctx context.Context, errID string, item types.Record) error {
	syncErr, err := e.resolve(ctx, errID, func(tx store.Store, syncErr *OperationError, op *PendingOperation) error {
		replacement := item
		if replacement == nil {
			replacement = syncErr.ServerItem
		}
		if replacement == nil {
			return fmt.Errorf("%w: %s", ErrNoServerItem, syncErr.ID)
		}
		if replacement.HasNonStringID() || (replacement.ID() != "" && replacement.ID() != op.ItemID) {
			return fmt.Errorf("%w: replacement must keep id %q", ErrInvalidItemID, op.ItemID)
		}
		replacement = replacement.Merge(types.Record{types.FieldID: op.ItemID})

		if err := removeOperation(ctx, tx, op); err != nil {
			return err
		}
		if replacement.Deleted() {
			if _, err := tx.DeleteIDs(ctx, op.Table, op.ItemID); err != nil {
				return fmt.Errorf("delete %s/%s: %w", op.Table, op.ItemID, err)
			}
			return nil
		}
		if err := tx.Upsert(ctx, op.Table, replacement); err != nil {
			return fmt.Errorf("write %s/%s: %w", op.Table, op.ItemID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logResolution("update", syncErr)
	return nil
}

// ResolveRetry keeps the operation queued for the next push. A non-nil
// item replaces the queued payload and, unless the operation is a delete,
// the local item.
func (e *Engine) ResolveRetry(ctx context.Context, errID string, item types.Record) error {
	syncErr, err := e.resolve(ctx, errID, func(tx store.Store, _ *OperationError, op *PendingOperation) error {
		if item == nil {
			return nil
		}
		if item.HasNonStringID() || (item.ID() != "" && item.ID() != op.ItemID) {
			return fmt.Errorf("%w: replacement must keep id %q", ErrInvalidItemID, op.ItemID)
		}
		op.Item = item.Merge(types.Record{types.FieldID: op.ItemID})
		op.Version++
		if err := saveOperation(ctx, tx, op); err != nil {
			return err
		}
		if op.Kind == OperationDelete {
			return nil
		}
		if err := tx.Upsert(ctx, op.Table, op.Item); err != nil {
			return fmt.Errorf("write %s/%s: %w", op.Table, op.ItemID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logResolution("retry", syncErr)
	return nil
}

func logResolution(resolution string, e *OperationError) {
	slog.Info("sync error resolved",
		"component", "sync",
		"action", "resolve",
		"resolution", resolution,
		"table", e.Table,
		"kind", string(e.Kind),
	)
}
