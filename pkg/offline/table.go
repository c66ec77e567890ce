package offline

import (
	"context"

	"github.com/hyperengineering/tablesync/internal/query"
)

// Table is a handle on one table of a Client. It is safe for concurrent use.
type Table struct {
	client *Client
	name   string
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Query returns an empty query on this table.
func (t *Table) Query() Query {
	return query.New(t.name)
}

// Where returns a query on this table filtered by an OData expression such
// as "done eq false and priority gt 2".
func (t *Table) Where(filter string) (Query, error) {
	expr, err := query.ParseFilter(filter)
	if err != nil {
		return Query{}, err
	}
	return t.Query().Where(expr), nil
}

// Insert stores item locally and queues it for the service. An item without
// an id gets a generated one; the stored item is returned.
func (t *Table) Insert(ctx context.Context, item Record) (Record, error) {
	release, err := t.client.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return t.client.engine.Insert(ctx, t.name, item)
}

// Update replaces the local item and queues the change.
func (t *Table) Update(ctx context.Context, item Record) (Record, error) {
	release, err := t.client.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return t.client.engine.Update(ctx, t.name, item)
}

// Delete removes the local item and queues the deletion.
func (t *Table) Delete(ctx context.Context, item Record) error {
	release, err := t.client.acquire()
	if err != nil {
		return err
	}
	defer release()

	return t.client.engine.Delete(ctx, t.name, item)
}

// Lookup returns the local item with the given id.
func (t *Table) Lookup(ctx context.Context, id string) (Record, error) {
	release, err := t.client.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return t.client.engine.Lookup(ctx, t.name, id)
}

// Read runs q against the local copy of this table.
func (t *Table) Read(ctx context.Context, q Query) ([]Record, error) {
	release, err := t.client.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	q.Table = t.name
	return t.client.engine.Read(ctx, q)
}

// Pull pushes pending operations for this table, then replaces local items
// with one page of q's results from the service.
func (t *Table) Pull(ctx context.Context, q Query) error {
	release, err := t.client.acquire()
	if err != nil {
		return err
	}
	defer release()

	q.Table = t.name
	return t.client.engine.Pull(ctx, q)
}

// PullIncremental pulls every change to q's results since the last pull
// saved under queryKey.
func (t *Table) PullIncremental(ctx context.Context, q Query, queryKey string) error {
	release, err := t.client.acquire()
	if err != nil {
		return err
	}
	defer release()

	q.Table = t.name
	return t.client.engine.PullIncremental(ctx, q, queryKey)
}

// Purge removes q's matching items from the local copy.
func (t *Table) Purge(ctx context.Context, q Query, opts PurgeOptions) error {
	release, err := t.client.acquire()
	if err != nil {
		return err
	}
	defer release()

	q.Table = t.name
	return t.client.engine.Purge(ctx, q, opts)
}

// PendingCount returns the number of queued operations for this table.
func (t *Table) PendingCount(ctx context.Context) (int64, error) {
	release, err := t.client.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	return t.client.engine.PendingCount(ctx, t.name)
}

// PendingOperations returns this table's queued operations in queue order.
func (t *Table) PendingOperations(ctx context.Context) ([]*PendingOperation, error) {
	release, err := t.client.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return t.client.engine.PendingOperations(ctx, t.name)
}
