// Package offline is the public client of the offline table sync engine.
//
// A Client owns a local SQLite database. Writes go to the local copy and
// are queued; Push sends the queue to the table service and Pull brings
// server changes back. With AutoSync the client does both in the
// background.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/internal/remote"
	"github.com/hyperengineering/tablesync/internal/store"
	tsync "github.com/hyperengineering/tablesync/internal/sync"
	"github.com/hyperengineering/tablesync/internal/types"
	"github.com/hyperengineering/tablesync/internal/worker"
)

// Client is the offline sync client.
type Client struct {
	config  Config
	store   *store.SQLiteStore
	service TableService
	engine  *tsync.Engine

	mu         sync.RWMutex
	closed     bool
	stopSync   context.CancelFunc
	syncDone   chan struct{}
	tableCache map[string]*Table
}

// New opens the local database and prepares the sync engine.
func New(ctx context.Context, config Config) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}

	if config.Timeout == 0 {
		config.Timeout = remote.DefaultTimeout
	}
	if config.PageSize == 0 {
		config.PageSize = tsync.DefaultPageSize
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 5 * time.Minute
	}

	service := config.Service
	switch {
	case config.OfflineMode:
		service = offlineService{}
	case service == nil && config.ServiceURL == "":
		return nil, errors.New("ServiceURL is required unless OfflineMode is set")
	case service == nil:
		service = remote.NewHTTPTableService(config.ServiceURL, config.APIKey, remote.WithTimeout(config.Timeout))
	}

	st, err := store.NewSQLiteStore(config.LocalPath)
	if err != nil {
		return nil, err
	}

	opts := []tsync.Option{tsync.WithPageSize(config.PageSize)}
	if config.Handler != nil {
		opts = append(opts, tsync.WithHandler(config.Handler))
	}
	engine, err := tsync.NewEngine(ctx, st, service, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Client{
		config:     config,
		store:      st,
		service:    service,
		engine:     engine,
		tableCache: make(map[string]*Table),
	}, nil
}

// Initialize starts background sync when AutoSync is enabled.
func (c *Client) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.config.AutoSync || c.config.OfflineMode || c.stopSync != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stopSync = cancel
	c.syncDone = make(chan struct{})

	w := worker.NewSyncWorker(c.engine, c.config.SyncTables, c.config.SyncInterval)
	go func() {
		defer close(c.syncDone)
		w.Run(ctx)
	}()
	return nil
}

// Close stops background sync, flushes the queue once when AutoSync is
// enabled, and closes the local database.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stopSync != nil {
		c.stopSync()
		<-c.syncDone

		ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		_, _ = c.engine.Push(ctx)
		cancel()
	}

	return c.store.Close()
}

// acquire holds the client open for the duration of a call.
func (c *Client) acquire() (func(), error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	return c.mu.RUnlock, nil
}

// Table returns a handle on the named table.
func (c *Client) Table(name string) *Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tableCache[name]; ok {
		return t
	}
	t := &Table{client: c, name: name}
	c.tableCache[name] = t
	return t
}

// Push sends every queued operation to the service.
// It returns a *sync.PushFailedError when any operation failed or the
// cycle was cancelled; the result is returned either way.
func (c *Client) Push(ctx context.Context) (*PushCompletionResult, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return c.engine.Push(ctx)
}

// Sync runs one push and incremental pull cycle over SyncTables and
// returns the number of tables that could not be pulled.
func (c *Client) Sync(ctx context.Context) (int, error) {
	release, err := c.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	return worker.NewSyncWorker(c.engine, c.config.SyncTables, c.config.SyncInterval).SyncOnce(ctx), nil
}

// Errors returns the operation errors recorded by the last push. An empty
// table returns errors for all tables.
func (c *Client) Errors(ctx context.Context, table string) ([]*OperationError, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return c.engine.Errors(ctx, table)
}

// Discard cancels the failed operation and drops the local item.
func (c *Client) Discard(ctx context.Context, errID string) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.engine.ResolveDiscard(ctx, errID)
}

// AcceptServer cancels the failed operation and stores item locally. A nil
// item uses the server's copy carried by the error.
func (c *Client) AcceptServer(ctx context.Context, errID string, item Record) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.engine.ResolveUpdate(ctx, errID, item)
}

// Retry keeps the failed operation queued with item as its new payload. A
// nil item retries the payload unchanged.
func (c *Client) Retry(ctx context.Context, errID string, item Record) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.engine.ResolveRetry(ctx, errID, item)
}

// Stats returns queue, error and record counts.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	pending, err := c.engine.PendingByTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending operations: %w", err)
	}
	errs, err := c.engine.Errors(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list operation errors: %w", err)
	}
	records, err := c.store.TableCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	return &Stats{Pending: pending, Errors: len(errs), Records: records}, nil
}

// Backup writes a consistent copy of the local database to destPath.
func (c *Client) Backup(ctx context.Context, destPath string) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	return c.store.Backup(ctx, destPath)
}

// HealthCheck reports the local store and service status.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	release, err := c.acquire()
	if err != nil {
		return HealthStatus{LastError: err.Error()}
	}
	defer release()

	status := HealthStatus{LocalStore: true}
	if _, err := c.store.TableCounts(ctx); err != nil {
		status.LocalStore = false
		status.LastError = err.Error()
	}
	if c.config.OfflineMode {
		return status
	}

	if err := c.ping(ctx); err != nil {
		status.LastError = err.Error()
	} else {
		status.Remote = true
	}
	return status
}

func (c *Client) ping(ctx context.Context) error {
	p, ok := c.service.(interface{ Ping(context.Context) error })
	if !ok {
		return errors.New("service does not support health checks")
	}
	return p.Ping(ctx)
}

// offlineService fails every call as a network failure so pushes are
// cancelled and pulls abort without touching local state.
type offlineService struct{}

func (offlineService) fail(method string) error {
	return &remote.NetworkError{Method: method, URL: "offline", Err: ErrOffline}
}

func (s offlineService) Insert(context.Context, string, types.Record) (types.Record, error) {
	return nil, s.fail("POST")
}

func (s offlineService) Update(context.Context, string, types.Record) (types.Record, error) {
	return nil, s.fail("PATCH")
}

func (s offlineService) Delete(context.Context, string, types.Record) error {
	return s.fail("DELETE")
}

func (s offlineService) Read(context.Context, query.Query) (*remote.ReadResult, error) {
	return nil, s.fail("GET")
}
