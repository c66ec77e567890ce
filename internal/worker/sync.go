package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/tablesync/internal/query"
	tsync "github.com/hyperengineering/tablesync/internal/sync"
)

// Syncer defines the engine operations needed by the sync worker.
type Syncer interface {
	Push(ctx context.Context) (*tsync.PushCompletionResult, error)
	PullIncremental(ctx context.Context, q query.Query, queryKey string) error
}

// SyncWorker pushes pending operations and pulls the configured tables
// incrementally on a fixed interval.
type SyncWorker struct {
	syncer   Syncer
	tables   []string
	interval time.Duration
}

// NewSyncWorker creates a worker that syncs tables through syncer.
// Each table is pulled with its own name as the query key.
func NewSyncWorker(syncer Syncer, tables []string, interval time.Duration) *SyncWorker {
	return &SyncWorker{
		syncer:   syncer,
		tables:   append([]string(nil), tables...),
		interval: interval,
	}
}

// Run starts the worker loop. Syncs immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync",
		"action", "worker_started",
		"tables", len(w.tables),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.SyncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs a single push and pull cycle.
// It returns the number of tables whose pull failed.
func (w *SyncWorker) SyncOnce(ctx context.Context) int {
	start := time.Now()

	result, err := w.syncer.Push(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		var failed *tsync.PushFailedError
		if errors.As(err, &failed) && failed.Result != nil && failed.Result.Status.Cancelled() {
			slog.Warn("sync cycle skipped",
				"component", "worker",
				"action", "sync_skipped",
				"status", failed.Result.Status.String(),
				"error", err,
			)
			return len(w.tables)
		}
		slog.Warn("push finished with errors",
			"component", "worker",
			"action", "push_failed",
			"error", err,
		)
	}

	var failedTables int
	for _, table := range w.tables {
		if ctx.Err() != nil {
			return failedTables
		}
		if err := w.syncer.PullIncremental(ctx, query.New(table), table); err != nil {
			if ctx.Err() != nil {
				return failedTables
			}
			failedTables++
			slog.Warn("incremental pull failed",
				"component", "worker",
				"action", "pull_failed",
				"table", table,
				"error", err,
			)
		}
	}

	pushed := 0
	if result != nil {
		pushed = result.Pushed
	}
	slog.Info("sync cycle completed",
		"component", "worker",
		"action", "sync_completed",
		"pushed", pushed,
		"tables", len(w.tables),
		"failed_tables", failedTables,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return failedTables
}
