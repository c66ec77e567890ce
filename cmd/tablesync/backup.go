package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablesync/internal/snapshot"
	"github.com/hyperengineering/tablesync/internal/worker"
)

var backupDir string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the local database to S3-compatible storage",
}

var backupNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Write a backup and upload it",
	Args:  cobra.NoArgs,
	RunE:  runBackupNow,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Download the latest backup to path",
	Long:  "Download the latest uploaded backup to path. The file can be used as a database path with --db.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print a pre-signed download URL for the latest backup",
	Args:  cobra.NoArgs,
	RunE:  runBackupURL,
}

func init() {
	backupNowCmd.Flags().StringVar(&backupDir, "dir", "",
		"Local backup directory (default: backups/ next to the database)")

	backupCmd.AddCommand(backupNowCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupURLCmd)
}

func runBackupNow(cmd *cobra.Command, args []string) error {
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	dir := backupDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}
	w := worker.NewBackupWorker(client, uploader, cfg.Backup.Name, dir, time.Duration(cfg.Backup.Interval))
	if err := w.BackupOnce(cmd.Context()); err != nil {
		return err
	}

	if cfg.Backup.Enabled() {
		fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s and uploaded to %s\n", w.Path(), cfg.Backup.Bucket)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s (no bucket configured, not uploaded)\n", w.Path())
	}
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	dest := args[0]
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s already exists", dest)
	}
	if err := uploader.Download(cmd.Context(), cfg.Backup.Name, dest); err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			return fmt.Errorf("%w: set backup.bucket", err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored backup to %s\n", dest)
	return nil
}

func runBackupURL(cmd *cobra.Command, args []string) error {
	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	url, expiry, err := uploader.PresignedURL(cmd.Context(), cfg.Backup.Name)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"url":        url,
			"expires_at": expiry.UTC(),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}
