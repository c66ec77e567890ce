package offline

import (
	"errors"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/remote"
	tsync "github.com/hyperengineering/tablesync/internal/sync"
	"github.com/hyperengineering/tablesync/internal/types"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("client is closed")
	// ErrOffline is the cause of every remote failure in offline mode.
	ErrOffline = errors.New("client is in offline mode")
)

// Record is a table item: a JSON object keyed by its "id".
type Record = types.Record

// Query selects records from one table.
type Query = query.Query

// TableService is the remote table API a client syncs with.
type TableService = remote.TableService

// ReadResult is one page of results from a TableService.
type ReadResult = remote.ReadResult

// Handler customizes how queued operations are pushed.
type Handler = tsync.Handler

// TableOperation is a queued operation handed to a Handler.
type TableOperation = tsync.TableOperation

// OperationError is a queued operation the service rejected.
type OperationError = tsync.OperationError

// PendingOperation is a queued local mutation.
type PendingOperation = tsync.PendingOperation

// PushCompletionResult summarizes one push cycle.
type PushCompletionResult = tsync.PushCompletionResult

// PurgeOptions controls Table.Purge.
type PurgeOptions = tsync.PurgeOptions

// Config holds the offline client configuration
type Config struct {
	LocalPath    string        // Local database path (":memory:" for tests)
	ServiceURL   string        // Table service base URL
	APIKey       string        // Bearer key for the table service
	Timeout      time.Duration // Per-request timeout (default: 30 seconds)
	PageSize     int           // Pull page size (default: 50)
	SyncInterval time.Duration // Background sync interval (default: 5 minutes)
	AutoSync     bool          // Push and pull SyncTables in the background
	SyncTables   []string      // Tables pulled incrementally by AutoSync
	OfflineMode  bool          // Never contact the service

	// Service replaces the HTTP table service when set.
	Service TableService
	// Handler customizes push; nil executes operations as queued.
	Handler Handler
}

// Stats describes the local state of a client.
type Stats struct {
	// Pending counts queued operations per table.
	Pending map[string]int64
	// Errors counts unresolved operation errors from the last push.
	Errors int
	// Records counts stored records per table, including bookkeeping tables.
	Records map[string]int64
}

// HealthStatus reports whether the local store and the service are usable.
type HealthStatus struct {
	LocalStore bool
	Remote     bool
	LastError  string
}
