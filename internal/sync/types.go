package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/tablesync/internal/types"
)

// Reserved local tables holding sync metadata.
const (
	OperationsTable     = "__operations"
	ErrorsTable         = "__errors"
	PullCursorTable     = "__incrementalPullData"
	DefaultPageSize     = 50
	cursorIDPrefix      = "deltaToken"
	reservedTablePrefix = "__"
)

// OperationKind is the mutation a PendingOperation replays.
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

func (k OperationKind) valid() bool {
	switch k {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PendingOperation is one queued mutation. At most one exists per
// (Table, ItemID).
type PendingOperation struct {
	ID       string
	Sequence int64
	Kind     OperationKind
	Table    string
	ItemID   string
	// Item is the payload sent to the service. For deletes it is the last
	// known copy of the item, so its __version can be used as a precondition.
	Item types.Record
	// Version increases every time a later mutation collapses into this
	// operation.
	Version   int64
	CreatedAt time.Time
}

func (op *PendingOperation) record() types.Record {
	return types.Record{
		"id":        op.ID,
		"sequence":  op.Sequence,
		"kind":      string(op.Kind),
		"tableName": op.Table,
		"itemId":    op.ItemID,
		"item":      map[string]any(op.Item),
		"version":   op.Version,
		"createdAt": op.CreatedAt,
	}
}

func operationFromRecord(r types.Record) (*PendingOperation, error) {
	op := &PendingOperation{
		ID:     r.ID(),
		Kind:   OperationKind(stringField(r, "kind")),
		Table:  stringField(r, "tableName"),
		ItemID: stringField(r, "itemId"),
		Item:   recordField(r, "item"),
	}
	var err error
	if op.Sequence, err = intField(r, "sequence"); err != nil {
		return nil, err
	}
	if op.Version, err = intField(r, "version"); err != nil {
		return nil, err
	}
	op.CreatedAt, _ = types.ParseTime(stringField(r, "createdAt"))
	if !op.Kind.valid() {
		return nil, fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Kind)
	}
	return op, nil
}

// OperationError is a failed PendingOperation awaiting resolution.
type OperationError struct {
	ID               string        `json:"id"`
	OperationID      string        `json:"operation_id"`
	OperationVersion int64         `json:"operation_version"`
	Kind             OperationKind `json:"kind"`
	Table            string        `json:"table"`
	ItemID           string        `json:"item_id"`
	// Item is the payload that was sent.
	Item types.Record `json:"item,omitempty"`
	// StatusCode is the HTTP status returned by the service, or 0 when the
	// failure happened locally.
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	// ServerItem is the service's copy of the item, when it returned one.
	ServerItem types.Record `json:"server_item,omitempty"`
	// Internal is set when the failure did not come from the service.
	Internal  bool      `json:"internal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *OperationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s/%s failed with status %d: %s", e.Kind, e.Table, e.ItemID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s/%s failed: %s", e.Kind, e.Table, e.ItemID, e.Message)
}

func (e *OperationError) record() types.Record {
	r := types.Record{
		"id":               e.ID,
		"operationId":      e.OperationID,
		"operationVersion": e.OperationVersion,
		"kind":             string(e.Kind),
		"tableName":        e.Table,
		"itemId":           e.ItemID,
		"item":             map[string]any(e.Item),
		"statusCode":       e.StatusCode,
		"message":          e.Message,
		"internal":         e.Internal,
		"createdAt":        e.CreatedAt,
	}
	if e.ServerItem != nil {
		r["serverItem"] = map[string]any(e.ServerItem)
	}
	return r
}

func operationErrorFromRecord(r types.Record) (*OperationError, error) {
	e := &OperationError{
		ID:          r.ID(),
		OperationID: stringField(r, "operationId"),
		Kind:        OperationKind(stringField(r, "kind")),
		Table:       stringField(r, "tableName"),
		ItemID:      stringField(r, "itemId"),
		Item:        recordField(r, "item"),
		Message:     stringField(r, "message"),
		ServerItem:  recordField(r, "serverItem"),
	}
	version, err := intField(r, "operationVersion")
	if err != nil {
		return nil, err
	}
	e.OperationVersion = version
	status, err := intField(r, "statusCode")
	if err != nil {
		return nil, err
	}
	e.StatusCode = int(status)
	e.Internal, _ = r["internal"].(bool)
	e.CreatedAt, _ = types.ParseTime(stringField(r, "createdAt"))
	return e, nil
}

// PushStatus is the outcome of a push cycle.
type PushStatus int

const (
	// PushComplete means every queued operation was attempted.
	PushComplete PushStatus = iota
	// PushCancelledByNetworkError means the service could not be reached.
	PushCancelledByNetworkError
	// PushCancelledByAuthenticationError means the service rejected the
	// credentials.
	PushCancelledByAuthenticationError
	// PushInternalError means a local failure occurred, either while
	// executing an operation or while reading the queue.
	PushInternalError
)

func (s PushStatus) String() string {
	switch s {
	case PushComplete:
		return "Complete"
	case PushCancelledByNetworkError:
		return "CancelledByNetworkError"
	case PushCancelledByAuthenticationError:
		return "CancelledByAuthenticationError"
	case PushInternalError:
		return "InternalError"
	}
	return fmt.Sprintf("PushStatus(%d)", int(s))
}

// Cancelled reports whether the cycle stopped before draining the queue.
func (s PushStatus) Cancelled() bool {
	return s == PushCancelledByNetworkError || s == PushCancelledByAuthenticationError
}

// PushCompletionResult summarizes one push cycle.
type PushCompletionResult struct {
	Status PushStatus
	// Errors lists the failed operations in queue order. It is empty when
	// the cycle was cancelled.
	Errors []*OperationError
	// Pushed counts the operations that succeeded.
	Pushed int
}

func stringField(r types.Record, key string) string {
	s, _ := r[key].(string)
	return s
}

func recordField(r types.Record, key string) types.Record {
	switch v := r[key].(type) {
	case map[string]any:
		return types.Record(v)
	case types.Record:
		return v
	}
	return nil
}

func intField(r types.Record, key string) (int64, error) {
	switch v := r[key].(type) {
	case nil:
		return 0, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return n, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("field %s: unexpected type %T", key, r[key])
}
