package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/store"
)

// PurgeOptions widens what Purge removes.
type PurgeOptions struct {
	// QueryKey also deletes the incremental pull cursor stored under this key.
	QueryKey string
	// Force discards the table's queued operations instead of refusing to
	// purge.
	Force bool
}

// Purge deletes the local rows matching q, tombstones included, and the
// table's recorded operation errors. It fails with ErrPurgeBlocked while
// the table has queued operations unless opts.Force is set.
func (e *Engine) Purge(ctx context.Context, q query.Query, opts PurgeOptions) error {
	if err := validateTable(q.Table); err != nil {
		return err
	}
	if opts.QueryKey != "" {
		if err := validateQueryKey(opts.QueryKey); err != nil {
			return err
		}
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	var purged, discarded int64
	err := e.store.InTx(ctx, func(tx store.Store) error {
		pending, err := countOperations(ctx, tx, q.Table)
		if err != nil {
			return err
		}
		if pending > 0 {
			if !opts.Force {
				return fmt.Errorf("%w: %s has %d pending operation(s)", ErrPurgeBlocked, q.Table, pending)
			}
			if discarded, err = tx.Delete(ctx, operationsFor(q.Table)); err != nil {
				return fmt.Errorf("discard operations of %s: %w", q.Table, err)
			}
		}

		if purged, err = tx.Delete(ctx, q); err != nil {
			return fmt.Errorf("purge %s: %w", q.Table, err)
		}
		if _, err := tx.Delete(ctx, query.New(ErrorsTable).Where(query.Eq("tableName", q.Table))); err != nil {
			return fmt.Errorf("clear sync errors of %s: %w", q.Table, err)
		}
		if opts.QueryKey != "" {
			if _, err := tx.DeleteIDs(ctx, PullCursorTable, cursorID(q.Table, opts.QueryKey)); err != nil {
				return fmt.Errorf("reset cursor %s/%s: %w", q.Table, opts.QueryKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("purge completed",
		"component", "sync",
		"action", "purge",
		"table", q.Table,
		"rows", purged,
		"discarded_operations", discarded,
	)
	return nil
}
