package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablesync/internal/snapshot"
	"github.com/hyperengineering/tablesync/internal/store"
	"github.com/hyperengineering/tablesync/internal/tableserver"
	"github.com/hyperengineering/tablesync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference table service",
	Long:  "Serve the table API over HTTP from a SQLite database until SIGINT or SIGTERM.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DatabasePath)

	if cfg.Server.APIKey == "" {
		slog.Warn("TABLESYNC_SERVER_API_KEY not set, authentication disabled")
	}
	handler := tableserver.NewHandler(db, cfg.Server.APIKey, Version)
	router := tableserver.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	if cfg.Backup.Enabled() {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			db.Close()
			return err
		}
		dir := filepath.Join(filepath.Dir(cfg.Server.DatabasePath), "backups")
		backups := worker.NewBackupWorker(db, uploader, cfg.Backup.Name+"-server", dir, time.Duration(cfg.Backup.Interval))
		startWorker(ctx, &wg, "backup", backups.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
