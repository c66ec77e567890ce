// Package remote reaches the table service over HTTP.
//
// Failures come back as one of two typed errors: *NetworkError when the
// request never produced a response, and *ServiceError when the service
// answered with a non-success status.
package remote

import (
	"context"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/types"
)

// TableService executes table operations against the remote service.
type TableService interface {
	// Insert creates item and returns the server representation.
	Insert(ctx context.Context, table string, item types.Record) (types.Record, error)
	// Update replaces the fields present in item and returns the server
	// representation. A __version on item is sent as a precondition.
	Update(ctx context.Context, table string, item types.Record) (types.Record, error)
	// Delete removes the item with item's id. A __version on item is sent
	// as a precondition.
	Delete(ctx context.Context, table string, item types.Record) error
	// Read runs q against q.Table.
	Read(ctx context.Context, q query.Query) (*ReadResult, error)
}

// ReadResult is one page of query results.
type ReadResult struct {
	Items []types.Record
	// TotalCount is the number of matching rows ignoring paging, or -1 when
	// the query did not ask for it.
	TotalCount int64
}
