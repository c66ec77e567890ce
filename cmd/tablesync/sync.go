package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablesync/internal/snapshot"
	tsync "github.com/hyperengineering/tablesync/internal/sync"
	"github.com/hyperengineering/tablesync/internal/worker"
	"github.com/hyperengineering/tablesync/pkg/offline"
)

var (
	pullFilter   string
	pullKey      string
	pullTop      int
	purgeFilter  string
	purgeKey     string
	purgeForce   bool
	syncOnce     bool
	syncNoBackup bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push queued operations to the table service",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <table>",
	Short: "Pull items from the table service",
	Long: "Pull items matching --filter into the local table. With --key the pull is incremental: " +
		"only items changed since the last pull under that key are fetched.",
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <table>",
	Short: "Remove items from the local table",
	Long: "Remove local items matching --filter. Fails while the table has queued operations " +
		"unless --force is given, which discards them.",
	Args: cobra.ExactArgs(1),
	RunE: runPurge,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push and pull the configured tables",
	Long: "Push queued operations, then pull every table in sync.tables incrementally. " +
		"Without --once, repeat every sync.interval until SIGINT or SIGTERM.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	pullCmd.Flags().StringVar(&pullFilter, "filter", "", "OData filter, e.g. \"done eq false\"")
	pullCmd.Flags().StringVar(&pullKey, "key", "", "Query key for an incremental pull")
	pullCmd.Flags().IntVar(&pullTop, "top", 0, "Page size (default sync.page_size)")

	purgeCmd.Flags().StringVar(&purgeFilter, "filter", "", "OData filter; all items when empty")
	purgeCmd.Flags().StringVar(&purgeKey, "key", "", "Also reset the incremental pull under this key")
	purgeCmd.Flags().BoolVar(&purgeForce, "force", false, "Discard queued operations for the table")

	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "Run a single cycle and exit")
	syncCmd.Flags().BoolVar(&syncNoBackup, "no-backup", false, "Do not run the backup worker")
}

func runPush(cmd *cobra.Command, args []string) error {
	client, err := openRemoteClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Push(cmd.Context())
	if result != nil {
		if printErr := printPushResult(cmd, result); printErr != nil {
			return printErr
		}
	}
	return err
}

func printPushResult(cmd *cobra.Command, result *offline.PushCompletionResult) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"status": result.Status.String(),
			"pushed": result.Pushed,
			"errors": len(result.Errors),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Push %s: %d pushed, %d failed\n",
		result.Status, result.Pushed, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s %s/%s: %s\n", e.ID, e.Kind, e.Table, e.ItemID, e.Message)
	}
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	client, err := openRemoteClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	table := client.Table(args[0])
	q, err := buildQuery(table, pullFilter, "", pullTop, 0)
	if err != nil {
		return err
	}

	if pullKey != "" {
		err = table.PullIncremental(cmd.Context(), q, pullKey)
	} else {
		err = table.Pull(cmd.Context(), q)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"table":  args[0],
			"pulled": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\n", args[0])
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	table := client.Table(args[0])
	q, err := buildQuery(table, purgeFilter, "", 0, 0)
	if err != nil {
		return err
	}
	err = table.Purge(cmd.Context(), q, offline.PurgeOptions{QueryKey: purgeKey, Force: purgeForce})
	if errors.Is(err, tsync.ErrPurgeBlocked) {
		return fmt.Errorf("%w (push first, or use --force to discard them)", err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", args[0])
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncOnce {
		client, err := openRemoteClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer client.Close()

		failed, err := client.Sync(cmd.Context())
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("sync failed for %d of %d tables", failed, len(cfg.Sync.Tables))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Synced %d tables\n", len(cfg.Sync.Tables))
		return nil
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := openRemoteClient(ctx, true)
	if err != nil {
		return err
	}
	if err := client.Initialize(); err != nil {
		client.Close()
		return err
	}

	var wg sync.WaitGroup
	if cfg.Backup.Enabled() && !syncNoBackup {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			client.Close()
			return err
		}
		dir := filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
		backups := worker.NewBackupWorker(client, uploader, cfg.Backup.Name, dir, time.Duration(cfg.Backup.Interval))
		startWorker(ctx, &wg, "backup", backups.Run)
	}

	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()
	if err := client.Close(); err != nil {
		slog.Error("client close error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}
