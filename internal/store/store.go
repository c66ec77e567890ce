package store

import (
	"context"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
)

// Store is the local table store used by the sync engine for item tables
// and for its reserved metadata tables.
type Store interface {
	// Upsert writes each record under its "id", replacing any existing row.
	Upsert(ctx context.Context, table string, records ...types.Record) error
	// Lookup returns the record with the given id or ErrNotFound.
	Lookup(ctx context.Context, table, id string) (types.Record, error)
	// Read returns the records matching q in q's order.
	Read(ctx context.Context, q query.Query) ([]types.Record, error)
	// Count returns the number of records matching q's filter.
	Count(ctx context.Context, q query.Query) (int64, error)
	// Delete removes the records matching q and returns how many were removed.
	Delete(ctx context.Context, q query.Query) (int64, error)
	// DeleteIDs removes the records with the given ids.
	DeleteIDs(ctx context.Context, table string, ids ...string) (int64, error)
	// DeleteAll removes every record of table.
	DeleteAll(ctx context.Context, table string) error
	// InTx runs fn against a transaction-scoped Store. The transaction
	// commits when fn returns nil. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
