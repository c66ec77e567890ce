package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/tablesync/internal/config"
	"github.com/hyperengineering/tablesync/internal/types"
	"github.com/hyperengineering/tablesync/pkg/offline"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	dbOverride string
	jsonOutput bool

	// cfg is loaded once per command by setup.
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "tablesync",
	Short:        "tablesync - offline table sync client and reference table service",
	Version:      Version,
	SilenceUsage: true,

	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
			logCloser = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides TABLESYNC_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Local database path (overrides config and TABLESYNC_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(insertCmd, updateCmd, deleteCmd, getCmd, readCmd)
	rootCmd.AddCommand(pushCmd, pullCmd, purgeCmd, syncCmd)
	rootCmd.AddCommand(statusCmd, errorsCmd, backupCmd)
}

// setup loads configuration and installs the default logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbOverride != "" {
		cfg.Database.Path = dbOverride
	}

	if logCloser != nil {
		logCloser.Close()
	}
	logger, closer := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	logCloser = closer
	return nil
}

// newLogger builds the slog logger described by lc. Output goes to w and,
// when lc.File is set, to a size-rotated log file as well.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, io.Closer) {
	var closer io.Closer
	if lc.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(w, rotating)
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), closer
	}
	return slog.New(slog.NewJSONHandler(w, opts)), closer
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openClient opens the offline client described by the loaded config.
// Without a remote URL the client runs offline: local reads and writes
// work and remote calls fail as network errors.
func openClient(ctx context.Context, autoSync bool) (*offline.Client, error) {
	return offline.New(ctx, offline.Config{
		LocalPath:    cfg.Database.Path,
		ServiceURL:   cfg.Remote.URL,
		APIKey:       cfg.Remote.APIKey,
		Timeout:      time.Duration(cfg.Remote.Timeout),
		PageSize:     cfg.Sync.PageSize,
		SyncInterval: time.Duration(cfg.Sync.Interval),
		AutoSync:     autoSync,
		SyncTables:   cfg.Sync.Tables,
		OfflineMode:  cfg.Remote.URL == "",
	})
}

// openRemoteClient is openClient for commands that talk to the service.
func openRemoteClient(ctx context.Context, autoSync bool) (*offline.Client, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	return openClient(ctx, autoSync)
}

// readRecord decodes a JSON object from arg, or from stdin when arg is "-".
func readRecord(cmd *cobra.Command, arg string) (types.Record, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	item, err := types.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("parse item: %w", err)
	}
	if item == nil {
		return nil, errors.New("parse item: expected a JSON object")
	}
	return item, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
