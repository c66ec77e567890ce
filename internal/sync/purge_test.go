package sync

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/types"
)

func TestPurge_BlockedByPendingOperations(t *testing.T) {
	// Given: A table with one pending operation and a pulled row
	e, st := newTestEngine(t, newFakeService())
	ctx := context.Background()
	if err := st.Upsert(ctx, "todo", types.Record{"id": "pulled"}); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, e, "todo", types.Record{"id": "mine"})

	// When: The table is purged
	err := e.Purge(ctx, query.New("todo"), PurgeOptions{})

	// Then: Purge fails and nothing is deleted
	if !errors.Is(err, ErrPurgeBlocked) {
		t.Fatalf("Purge() error = %v, want ErrPurgeBlocked", err)
	}
	rows, _ := e.Read(ctx, query.New("todo"))
	if len(rows) != 2 {
		t.Errorf("rows = %d, want 2", len(rows))
	}
	if n := pending(t, e, "todo"); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestPurge_DeletesRowsAndErrors(t *testing.T) {
	// Given: Rows and a recorded error in todo, plus an error and a pending
	// insert in another table
	svc := newFakeService()
	e, st := newTestEngine(t, svc)
	ctx := context.Background()
	if err := st.Upsert(ctx, "todo",
		types.Record{"id": "a", "done": true},
		types.Record{"id": "b", "done": false},
	); err != nil {
		t.Fatal(err)
	}
	errRecord := &OperationError{ID: "err1", OperationID: "gone", Kind: OperationUpdate, Table: "todo", ItemID: "a"}
	if err := saveOperationError(ctx, st, errRecord); err != nil {
		t.Fatal(err)
	}
	otherErr := &OperationError{ID: "err2", OperationID: "gone", Kind: OperationUpdate, Table: "other", ItemID: "z"}
	if err := saveOperationError(ctx, st, otherErr); err != nil {
		t.Fatal(err)
	}
	mustInsert(t, e, "other", types.Record{"id": "keep"})

	// When: Done rows are purged
	if err := e.Purge(ctx, query.New("todo").Where(query.Eq("done", true)), PurgeOptions{}); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	// Then: Matching rows and the table's errors are gone, others untouched
	rows, _ := e.Read(ctx, query.New("todo"))
	if !equalIDs(rows, "b") {
		t.Errorf("rows = %v, want [b]", idsOf(rows))
	}
	errs, _ := e.Errors(ctx, "")
	if len(errs) != 1 || errs[0].Table != "other" {
		t.Errorf("errors = %+v", errs)
	}
	if n := pending(t, e, "other"); n != 1 {
		t.Errorf("other table pending = %d, want 1", n)
	}
}

func TestPurge_ForceDiscardsQueue(t *testing.T) {
	e, _ := newTestEngine(t, newFakeService())
	ctx := context.Background()
	mustInsert(t, e, "todo", types.Record{"id": "a"})
	mustInsert(t, e, "other", types.Record{"id": "b"})

	if err := e.Purge(ctx, query.New("todo"), PurgeOptions{Force: true}); err != nil {
		t.Fatalf("Purge(force) error = %v", err)
	}
	if n := pending(t, e, "todo"); n != 0 {
		t.Errorf("todo pending = %d, want 0", n)
	}
	if n := pending(t, e, "other"); n != 1 {
		t.Errorf("other pending = %d, want 1", n)
	}
	rows, _ := e.Read(ctx, query.New("todo"))
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestPurge_ResetsCursor(t *testing.T) {
	svc := newFakeService()
	svc.pages = [][]types.Record{{row("a", 5)}}
	e, _ := newTestEngine(t, svc)
	ctx := context.Background()
	if err := e.PullIncremental(ctx, query.New("todo"), "all"); err != nil {
		t.Fatal(err)
	}

	if err := e.Purge(ctx, query.New("todo"), PurgeOptions{QueryKey: "all"}); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if err := e.PullIncremental(ctx, query.New("todo"), "all"); err != nil {
		t.Fatal(err)
	}
	if f := svc.recorded()[1].Query.Filter; f != nil {
		t.Errorf("pull after purge used a cursor: %s", query.Render(f))
	}
}

func TestPurge_InvalidInput(t *testing.T) {
	e, _ := newTestEngine(t, newFakeService())
	ctx := context.Background()
	if err := e.Purge(ctx, query.New(OperationsTable), PurgeOptions{}); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("Purge(__operations) error = %v", err)
	}
	if err := e.Purge(ctx, query.New("todo"), PurgeOptions{QueryKey: "bad key"}); !errors.Is(err, ErrInvalidQueryKey) {
		t.Errorf("Purge(bad key) error = %v", err)
	}
}

func TestPurge_AfterPushFailureIsBlocked(t *testing.T) {
	svc := newFakeService()
	e, _ := newTestEngine(t, svc)
	ctx := context.Background()
	mustInsert(t, e, "todo", types.Record{"id": "a"})
	svc.fail("a", &remote.ServiceError{StatusCode: http.StatusBadRequest})
	if _, err := e.Push(ctx); err == nil {
		t.Fatal("Push() should fail")
	}

	if err := e.Purge(ctx, query.New("todo"), PurgeOptions{}); !errors.Is(err, ErrPurgeBlocked) {
		t.Errorf("Purge() error = %v, want ErrPurgeBlocked", err)
	}
	if errs, _ := e.Errors(ctx, "todo"); len(errs) != 1 {
		t.Errorf("errors = %d, want 1 kept", len(errs))
	}
}
