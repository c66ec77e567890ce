package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/types"
)

// fakeCall records one request made to fakeService.
type fakeCall struct {
	Kind  string
	Table string
	Item  types.Record
	Query query.Query
}

// fakeService is a scripted TableService.
type fakeService struct {
	mu    gosync.Mutex
	calls []fakeCall

	// failures maps an item id to the error its next writes return.
	failures map[string]error
	// pages are returned by successive reads; reads past the end return
	// no rows.
	pages   [][]types.Record
	readErr error
	version int
}

var _ remote.TableService = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{failures: make(map[string]error)}
}

func (f *fakeService) write(kind, table string, item types.Record) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Kind: kind, Table: table, Item: item.Clone()})
	if err := f.failures[item.ID()]; err != nil {
		return nil, err
	}
	f.version++
	return item.Merge(types.Record{
		types.FieldVersion:   fmt.Sprintf("v%d", f.version),
		types.FieldUpdatedAt: "2024-01-01T00:00:00.000Z",
		"fromServer":         true,
	}), nil
}

func (f *fakeService) Insert(_ context.Context, table string, item types.Record) (types.Record, error) {
	return f.write("insert", table, item)
}

func (f *fakeService) Update(_ context.Context, table string, item types.Record) (types.Record, error) {
	return f.write("update", table, item)
}

func (f *fakeService) Delete(_ context.Context, table string, item types.Record) error {
	_, err := f.write("delete", table, item)
	return err
}

func (f *fakeService) Read(_ context.Context, q query.Query) (*remote.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Kind: "read", Table: q.Table, Query: q})
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.pages) == 0 {
		return &remote.ReadResult{Items: []types.Record{}, TotalCount: -1}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &remote.ReadResult{Items: page, TotalCount: -1}, nil
}

func (f *fakeService) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

func (f *fakeService) heal(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, id)
}

func (f *fakeService) recorded() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeService) kinds() []string {
	var out []string
	for _, c := range f.recorded() {
		out = append(out, c.Kind)
	}
	return out
}

// newTestEngine wires an Engine to an in-memory store and svc.
func newTestEngine(t *testing.T, svc remote.TableService, opts ...Option) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e, err := NewEngine(context.Background(), st, svc, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, st
}

func mustInsert(t *testing.T, e *Engine, table string, item types.Record) types.Record {
	t.Helper()
	got, err := e.Insert(context.Background(), table, item)
	if err != nil {
		t.Fatalf("Insert(%v) error = %v", item, err)
	}
	return got
}

func mustUpdate(t *testing.T, e *Engine, table string, item types.Record) {
	t.Helper()
	if _, err := e.Update(context.Background(), table, item); err != nil {
		t.Fatalf("Update(%v) error = %v", item, err)
	}
}

func mustDelete(t *testing.T, e *Engine, table string, item types.Record) {
	t.Helper()
	if err := e.Delete(context.Background(), table, item); err != nil {
		t.Fatalf("Delete(%v) error = %v", item, err)
	}
}

func pending(t *testing.T, e *Engine, table string) int64 {
	t.Helper()
	n, err := e.PendingCount(context.Background(), table)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	return n
}

func pushFailure(t *testing.T, err error) *PushFailedError {
	t.Helper()
	var pf *PushFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("error = %v, want *PushFailedError", err)
	}
	if !errors.Is(err, ErrPushFailed) {
		t.Errorf("errors.Is(err, ErrPushFailed) = false")
	}
	return pf
}

// ts returns a fixed timestamp offset by n seconds.
func ts(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC)
}

func row(id string, updated int) types.Record {
	return types.Record{
		types.FieldID:        id,
		types.FieldUpdatedAt: types.FormatTime(ts(updated)),
		types.FieldVersion:   "s" + id,
	}
}
