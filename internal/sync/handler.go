package sync

import (
	"context"
	"fmt"

	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/types"
)

// Handler customizes how queued operations are sent during a push.
//
// ExecuteTableOperation is called once per operation, in queue order. It
// normally calls op.Execute, possibly after adjusting op.Item, and may
// recover from a failure itself (for example by retrying against the
// server's copy). Whatever it returns decides the operation's outcome:
// the returned record replaces the local item, a *remote.ServiceError is
// recorded as an operation error, and a *remote.NetworkError or a 401
// cancels the push. Any other error is recorded as an internal failure.
//
// OnPushComplete is called once per cycle with the final result.
type Handler interface {
	ExecuteTableOperation(ctx context.Context, op *TableOperation) (types.Record, error)
	OnPushComplete(ctx context.Context, result *PushCompletionResult)
}

// DefaultHandler executes every operation as queued.
type DefaultHandler struct{}

func (DefaultHandler) ExecuteTableOperation(ctx context.Context, op *TableOperation) (types.Record, error) {
	return op.Execute(ctx)
}

func (DefaultHandler) OnPushComplete(context.Context, *PushCompletionResult) {}

// TableOperation is a queued operation being pushed.
type TableOperation struct {
	Kind   OperationKind
	Table  string
	ItemID string
	// Item is a copy of the queued payload. Changes made before Execute
	// are sent to the service but not written back to the queue.
	Item types.Record

	service remote.TableService
}

// Execute sends the operation to the table service. Deletes return a nil
// record.
func (op *TableOperation) Execute(ctx context.Context) (types.Record, error) {
	switch op.Kind {
	case OperationInsert:
		return op.service.Insert(ctx, op.Table, op.Item)
	case OperationUpdate:
		return op.service.Update(ctx, op.Table, op.Item)
	case OperationDelete:
		return nil, op.service.Delete(ctx, op.Table, op.Item)
	}
	return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
}
