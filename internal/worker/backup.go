package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/tablesync/internal/snapshot"
)

// BackupStore defines the store operations needed by the backup worker.
type BackupStore interface {
	Backup(ctx context.Context, destPath string) error
}

// BackupWorker writes a consistent copy of the offline store to a local
// directory and uploads it through a snapshot.Uploader.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	name     string
	dir      string
	interval time.Duration
}

// NewBackupWorker creates a backup worker. A nil uploader keeps backups local.
func NewBackupWorker(store BackupStore, uploader snapshot.Uploader, name, dir string, interval time.Duration) *BackupWorker {
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		name:     name,
		dir:      dir,
		interval: interval,
	}
}

// Path returns the local path backups are written to.
func (w *BackupWorker) Path() string {
	return filepath.Join(w.dir, w.name+".db")
}

// Run starts the worker loop. Backs up immediately on start, then on each
// interval. An in-progress backup runs to completion on shutdown.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.backup(ctx)
		}
	}
}

// BackupOnce writes the backup file and uploads it.
func (w *BackupWorker) BackupOnce(ctx context.Context) error {
	path := w.Path()
	if err := w.store.Backup(ctx, path); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := w.uploader.Upload(ctx, w.name, path); err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}
	return nil
}

func (w *BackupWorker) backup(ctx context.Context) {
	start := time.Now()
	if err := w.BackupOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("backup failed",
			"component", "worker",
			"action", "backup_failed",
			"path", w.Path(),
			"error", err,
		)
		return
	}
	slog.Info("backup completed",
		"component", "worker",
		"action", "backup_completed",
		"path", w.Path(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
