// Package sync keeps local tables usable offline and reconciles them with
// the remote table service.
//
// Mutations are written to the local store immediately and queued as
// pending operations. Push replays the queue against the service in order.
// Pull and PullIncremental bring server changes into the local store,
// pushing first when the table has queued operations.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	gosync "sync"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
	"github.com/oklog/ulid/v2"
)

var queryKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,25}$`)

// Engine is the sync context for one local store.
type Engine struct {
	store    store.Store
	service  remote.TableService
	handler  Handler
	pageSize int
	now      func() time.Time

	// items serializes work on a single item between mutations, push and
	// error resolution.
	items *lockSet

	// queueMu makes collapse decisions and sequence assignment atomic with
	// the local write. Taken after an item lock, never before.
	queueMu gosync.Mutex
	seq     int64

	// exclusive is held by push, pull and purge.
	exclusive chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandler installs a push handler. The default is DefaultHandler.
func WithHandler(h Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithPageSize sets the page size used when a pull query has no top.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithClock replaces time.Now for timestamps written to sync metadata.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine over st that pushes to and pulls from svc.
// The operation queue already in st is resumed.
func NewEngine(ctx context.Context, st store.Store, svc remote.TableService, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     st,
		service:   svc,
		handler:   DefaultHandler{},
		pageSize:  DefaultPageSize,
		now:       time.Now,
		items:     newLockSet(),
		exclusive: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	seq, err := lastSequence(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("resume operation queue: %w", err)
	}
	e.seq = seq
	return e, nil
}

func newID() string {
	return ulid.Make().String()
}

func validateTable(table string) error {
	if table == "" || strings.HasPrefix(table, reservedTablePrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

func validateQueryKey(key string) error {
	if !queryKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidQueryKey, key)
	}
	return nil
}

// acquire takes the push/pull/purge section, waiting for a running one.
func (e *Engine) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.exclusive <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.exclusive }

// Insert writes item to table and queues its insert. An item without an id
// gets a generated one. The stored item is returned.
func (e *Engine) Insert(ctx context.Context, table string, item types.Record) (types.Record, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if item.HasNonStringID() {
		return nil, ErrInvalidItemID
	}
	item = item.Clone()
	if item == nil {
		item = types.Record{}
	}
	if item.ID() == "" {
		item[types.FieldID] = newID()
	}
	if err := e.mutate(ctx, OperationInsert, table, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Update replaces the local item and queues its update.
func (e *Engine) Update(ctx context.Context, table string, item types.Record) (types.Record, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	if item.ID() == "" {
		return nil, ErrInvalidItemID
	}
	item = item.Clone()
	if err := e.mutate(ctx, OperationUpdate, table, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes the local item and queues its delete.
func (e *Engine) Delete(ctx context.Context, table string, item types.Record) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if item.ID() == "" {
		return ErrInvalidItemID
	}
	return e.mutate(ctx, OperationDelete, table, item.Clone())
}

// mutate applies a local write and its queue change in one transaction.
func (e *Engine) mutate(ctx context.Context, kind OperationKind, table string, item types.Record) error {
	id := item.ID()
	unlock := e.items.Lock(itemKey(table, id))
	defer unlock()
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	var action collapseAction
	err := e.store.InTx(ctx, func(tx store.Store) error {
		existing, err := findOperation(ctx, tx, table, id)
		if err != nil {
			return err
		}

		local, err := tx.Lookup(ctx, table, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup %s/%s: %w", table, id, err)
		}
		if kind == OperationInsert && existing == nil && local != nil && !local.Deleted() {
			return fmt.Errorf("%w: %s/%s", ErrItemExists, table, id)
		}
		if kind != OperationInsert && local != nil {
			carrySystemProperties(item, local)
		}

		action = collapse(existing, kind)
		switch action {
		case actionReject:
			var existingKind OperationKind
			if existing != nil {
				existingKind = existing.Kind
			}
			return &CollapseError{Table: table, ItemID: id, Existing: existingKind, New: kind}
		case actionCreate:
			e.seq++
			op := &PendingOperation{
				ID:        newID(),
				Sequence:  e.seq,
				Kind:      kind,
				Table:     table,
				ItemID:    id,
				Item:      item,
				Version:   1,
				CreatedAt: e.now(),
			}
			if err := saveOperation(ctx, tx, op); err != nil {
				return err
			}
		case actionReplace, actionConvert:
			if action == actionConvert {
				existing.Kind = kind
			}
			existing.Item = item
			existing.Version++
			if err := saveOperation(ctx, tx, existing); err != nil {
				return err
			}
		case actionCancel:
			if err := removeOperation(ctx, tx, existing); err != nil {
				return err
			}
		}

		if kind == OperationDelete {
			if _, err := tx.DeleteIDs(ctx, table, id); err != nil {
				return fmt.Errorf("delete %s/%s: %w", table, id, err)
			}
			return nil
		}
		if err := tx.Upsert(ctx, table, item); err != nil {
			return fmt.Errorf("write %s/%s: %w", table, id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Debug("operation queued",
		"component", "sync",
		"action", "enqueue",
		"table", table,
		"kind", string(kind),
		"collapse", action.String(),
	)
	return nil
}

// carrySystemProperties copies system properties the caller left out from
// the local copy, so that the queued payload keeps the item's version.
func carrySystemProperties(item, local types.Record) {
	for _, f := range types.SystemProperties {
		if _, ok := item[f]; ok {
			continue
		}
		if v, ok := local[f]; ok && f != types.FieldDeleted {
			item[f] = v
		}
	}
}

// Lookup returns a local item.
func (e *Engine) Lookup(ctx context.Context, table, id string) (types.Record, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}
	return e.store.Lookup(ctx, table, id)
}

// Read runs q against the local store.
func (e *Engine) Read(ctx context.Context, q query.Query) ([]types.Record, error) {
	if err := validateTable(q.Table); err != nil {
		return nil, err
	}
	return e.store.Read(ctx, q)
}

// PendingCount returns the number of queued operations for table, or for
// all tables when table is empty.
func (e *Engine) PendingCount(ctx context.Context, table string) (int64, error) {
	return countOperations(ctx, e.store, table)
}

// PendingOperations returns the queue in push order, optionally for one table.
func (e *Engine) PendingOperations(ctx context.Context, table string) ([]*PendingOperation, error) {
	return listOperations(ctx, e.store, table)
}

// PendingByTable returns the number of queued operations per table.
func (e *Engine) PendingByTable(ctx context.Context) (map[string]int64, error) {
	ops, err := listOperations(ctx, e.store, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, op := range ops {
		counts[op.Table]++
	}
	return counts, nil
}

// Errors returns the operation errors recorded by the last push, optionally
// for one table.
func (e *Engine) Errors(ctx context.Context, table string) ([]*OperationError, error) {
	return listOperationErrors(ctx, e.store, table)
}
