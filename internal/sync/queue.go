package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// The operation queue lives in OperationsTable. Every function takes the
// Store to use so that it can run inside a caller's transaction.

func operationsFor(table string) query.Query {
	q := query.New(OperationsTable)
	if table != "" {
		q = q.Where(query.Eq("tableName", table))
	}
	return q
}

// findOperation returns the operation queued for an item, or nil.
func findOperation(ctx context.Context, s store.Store, table, itemID string) (*PendingOperation, error) {
	q := operationsFor(table).Where(query.Eq("itemId", itemID)).WithTop(1)
	rows, err := s.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find operation for %s/%s: %w", table, itemID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return operationFromRecord(rows[0])
}

// saveOperation inserts or replaces op.
func saveOperation(ctx context.Context, s store.Store, op *PendingOperation) error {
	if err := s.Upsert(ctx, OperationsTable, op.record()); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// removeOperation deletes op together with any error recorded against it.
func removeOperation(ctx context.Context, s store.Store, op *PendingOperation) error {
	if _, err := s.DeleteIDs(ctx, OperationsTable, op.ID); err != nil {
		return fmt.Errorf("remove operation %s: %w", op.ID, err)
	}
	if _, err := s.Delete(ctx, query.New(ErrorsTable).Where(query.Eq("operationId", op.ID))); err != nil {
		return fmt.Errorf("remove errors of operation %s: %w", op.ID, err)
	}
	return nil
}

// nextOperation returns the first operation queued after sequence after,
// or nil when none remain.
func nextOperation(ctx context.Context, s store.Store, after int64) (*PendingOperation, error) {
	q := operationsFor("").Where(query.Gt("sequence", after)).OrderByAsc("sequence").WithTop(1)
	rows, err := s.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read next operation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return operationFromRecord(rows[0])
}

// listOperations returns the queue in order, optionally for one table.
func listOperations(ctx context.Context, s store.Store, table string) ([]*PendingOperation, error) {
	rows, err := s.Read(ctx, operationsFor(table).OrderByAsc("sequence"))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops := make([]*PendingOperation, 0, len(rows))
	for _, r := range rows {
		op, err := operationFromRecord(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// countOperations returns the number of queued operations, optionally for
// one table.
func countOperations(ctx context.Context, s store.Store, table string) (int64, error) {
	n, err := s.Count(ctx, operationsFor(table))
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// lastSequence returns the highest sequence in the queue, or 0.
func lastSequence(ctx context.Context, s store.Store) (int64, error) {
	rows, err := s.Read(ctx, operationsFor("").OrderByDesc("sequence").WithTop(1))
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return intField(rows[0], "sequence")
}

// The error surface lives in ErrorsTable.

func saveOperationError(ctx context.Context, s store.Store, e *OperationError) error {
	if err := s.Upsert(ctx, ErrorsTable, e.record()); err != nil {
		return fmt.Errorf("save sync error %s: %w", e.ID, err)
	}
	return nil
}

func loadOperationError(ctx context.Context, s store.Store, id string) (*OperationError, error) {
	r, err := s.Lookup(ctx, ErrorsTable, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSyncErrorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync error %s: %w", id, err)
	}
	return operationErrorFromRecord(r)
}

func listOperationErrors(ctx context.Context, s store.Store, table string) ([]*OperationError, error) {
	q := query.New(ErrorsTable)
	if table != "" {
		q = q.Where(query.Eq("tableName", table))
	}
	rows, err := s.Read(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sync errors: %w", err)
	}
	errs := make([]*OperationError, 0, len(rows))
	for _, r := range rows {
		e, err := operationErrorFromRecord(r)
		if err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, nil
}

// Incremental pull cursors live in PullCursorTable.

func cursorID(table, queryKey string) string {
	return cursorIDPrefix + "|" + table + "|" + queryKey
}

func loadCursor(ctx context.Context, s store.Store, table, queryKey string) (types.Record, error) {
	r, err := s.Lookup(ctx, PullCursorTable, cursorID(table, queryKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor %s/%s: %w", table, queryKey, err)
	}
	return r, nil
}

func saveCursor(ctx context.Context, s store.Store, table, queryKey, value string) error {
	r := types.Record{"id": cursorID(table, queryKey), "value": value}
	if err := s.Upsert(ctx, PullCursorTable, r); err != nil {
		return fmt.Errorf("save cursor %s/%s: %w", table, queryKey, err)
	}
	return nil
}
