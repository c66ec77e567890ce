package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// Pull runs q once against the service and merges the returned rows into
// the local table. Rows absent from the result are left alone. When the
// table has queued operations the whole queue is pushed first, and a
// failed push fails the pull with the push's error.
func (e *Engine) Pull(ctx context.Context, q query.Query) error {
	if err := validateTable(q.Table); err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if err := e.pushIfPending(ctx, q.Table); err != nil {
		return err
	}

	pq := e.pullQuery(q)
	if pq.Top == 0 {
		pq.Top = e.pageSize
	}
	res, err := e.service.Read(ctx, pq)
	if err != nil {
		return fmt.Errorf("pull %s: %w", q.Table, err)
	}
	applied, err := e.applyPulled(ctx, q.Table, res.Items)
	if err != nil {
		return err
	}

	slog.Info("pull completed",
		"component", "sync",
		"action", "pull",
		"table", q.Table,
		"received", len(res.Items),
		"applied", applied,
	)
	return nil
}

// PullIncremental pages through the rows of q changed since the cursor
// stored under queryKey, ordered by __updatedAt then id, saving the cursor
// after every page. Paging stops at the first short page. q may not carry
// its own ordering; its skip only applies to the first page.
func (e *Engine) PullIncremental(ctx context.Context, q query.Query, queryKey string) error {
	if err := validateTable(q.Table); err != nil {
		return err
	}
	if err := validateQueryKey(queryKey); err != nil {
		return err
	}
	if len(q.OrderBy) > 0 {
		return fmt.Errorf("%w: incremental pull does not support $orderby", ErrInvalidQuery)
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if err := e.pushIfPending(ctx, q.Table); err != nil {
		return err
	}

	pageSize := q.Top
	if pageSize <= 0 {
		pageSize = e.pageSize
	}

	var (
		cursor    time.Time
		hasCursor bool
		lastID    string
		lastAt    time.Time
		pages     int
		received  int
	)
	saved, err := loadCursor(ctx, e.store, q.Table, queryKey)
	if err != nil {
		return err
	}
	if saved != nil {
		if cursor, err = types.ParseTime(stringField(saved, "value")); err != nil {
			return fmt.Errorf("load cursor %s/%s: %w", q.Table, queryKey, err)
		}
		hasCursor = true
	}

	for {
		pq := e.pullQuery(q).OrderByAsc(types.FieldUpdatedAt).OrderByAsc(types.FieldID).WithTop(pageSize)
		switch {
		case pages == 0 && hasCursor:
			pq = pq.Where(query.Ge(types.FieldUpdatedAt, cursor))
		case pages > 0:
			pq = pq.Where(cursorFilter(cursor, lastID)).WithSkip(0)
		}

		res, err := e.service.Read(ctx, pq)
		if err != nil {
			return fmt.Errorf("pull %s page %d: %w", q.Table, pages+1, err)
		}
		pages++
		received += len(res.Items)

		if _, err := e.applyPulled(ctx, q.Table, res.Items); err != nil {
			return err
		}

		if len(res.Items) > 0 {
			last := res.Items[len(res.Items)-1]
			updatedAt, ok := last.UpdatedAt()
			if !ok {
				return fmt.Errorf("pull %s: row %q has no %s", q.Table, last.ID(), types.FieldUpdatedAt)
			}
			// Each later page must end past the previous one, or the next
			// request would return it again.
			if pages > 1 && !after(updatedAt, last.ID(), lastAt, lastID) {
				return fmt.Errorf("%w: %s page %d ended at %s/%q", ErrPullStalled,
					q.Table, pages, types.FormatTime(updatedAt), last.ID())
			}
			lastAt = updatedAt
			if !hasCursor || updatedAt.After(cursor) {
				cursor = updatedAt
			}
			hasCursor = true
			lastID = last.ID()
			if err := saveCursor(ctx, e.store, q.Table, queryKey, types.FormatTime(cursor)); err != nil {
				return err
			}
		}

		if len(res.Items) < pageSize {
			break
		}
	}

	slog.Info("incremental pull completed",
		"component", "sync",
		"action", "pull_incremental",
		"table", q.Table,
		"query_key", queryKey,
		"pages", pages,
		"received", received,
	)
	return nil
}

// cursorFilter selects rows after (updatedAt, id) in pull order.
func cursorFilter(updatedAt time.Time, id string) query.Expr {
	return query.Or(
		query.Gt(types.FieldUpdatedAt, updatedAt),
		query.And(
			query.Ge(types.FieldUpdatedAt, updatedAt),
			query.Gt(types.FieldID, id),
		),
	)
}

// after reports whether (at, id) sorts after (prevAt, prevID) in pull order.
func after(at time.Time, id string, prevAt time.Time, prevID string) bool {
	if !at.Equal(prevAt) {
		return at.After(prevAt)
	}
	return id > prevID
}

// pullQuery asks the service for tombstones and system properties.
func (e *Engine) pullQuery(q query.Query) query.Query {
	q.IncludeDeleted = true
	q.SystemProperties = append([]string(nil), types.SystemProperties...)
	return q
}

func (e *Engine) pushIfPending(ctx context.Context, table string) error {
	n, err := countOperations(ctx, e.store, table)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	slog.Info("pushing before pull",
		"component", "sync",
		"action", "pull_push",
		"table", table,
		"pending", n,
	)
	_, err = e.push(ctx)
	return err
}

// applyPulled merges rows into table: tombstones delete, other rows
// upsert. Rows for items with a queued operation are skipped so local
// changes are not overwritten before they are pushed.
func (e *Engine) applyPulled(ctx context.Context, table string, rows []types.Record) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	applied := 0
	err := e.store.InTx(ctx, func(tx store.Store) error {
		applied = 0
		for _, row := range rows {
			id := row.ID()
			if id == "" {
				continue
			}
			op, err := findOperation(ctx, tx, table, id)
			if err != nil {
				return err
			}
			if op != nil {
				continue
			}
			if row.Deleted() {
				if _, err := tx.DeleteIDs(ctx, table, id); err != nil {
					return fmt.Errorf("delete pulled %s/%s: %w", table, id, err)
				}
			} else if err := tx.Upsert(ctx, table, row); err != nil {
				return fmt.Errorf("write pulled %s/%s: %w", table, id, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}
