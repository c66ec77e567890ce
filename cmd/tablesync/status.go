package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued operations, sync errors and service health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	health := client.HealthCheck(cmd.Context())

	var total int64
	tables := make([]string, 0, len(stats.Pending))
	for table, n := range stats.Pending {
		total += n
		tables = append(tables, table)
	}
	sort.Strings(tables)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"database":      cfg.Database.Path,
			"remote":        cfg.Remote.URL,
			"remote_ok":     health.Remote,
			"last_error":    health.LastError,
			"pending":       stats.Pending,
			"pending_total": total,
			"errors":        stats.Errors,
			"records":       userTables(stats.Records),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n", cfg.Database.Path)
	remote := cfg.Remote.URL
	switch {
	case remote == "":
		remote = "(offline)"
	case health.Remote:
		remote += " (ok)"
	default:
		remote += " (unreachable: " + health.LastError + ")"
	}
	fmt.Fprintf(out, "Remote:   %s\n", remote)
	fmt.Fprintf(out, "Pending:  %d\n", total)
	fmt.Fprintf(out, "Errors:   %d\n", stats.Errors)

	records := userTables(stats.Records)
	if len(records) == 0 && len(tables) == 0 {
		return nil
	}
	names := make([]string, 0, len(records))
	for table := range records {
		names = append(names, table)
	}
	for _, table := range tables {
		if _, ok := records[table]; !ok {
			names = append(names, table)
		}
	}
	sort.Strings(names)

	fmt.Fprintln(out)
	w := newTabWriter(out)
	fmt.Fprintln(w, "TABLE\tRECORDS\tPENDING")
	for _, table := range names {
		fmt.Fprintf(w, "%s\t%d\t%d\n", table, records[table], stats.Pending[table])
	}
	return w.Flush()
}

// userTables drops the engine's bookkeeping tables from counts.
func userTables(counts map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for table, n := range counts {
		if !strings.HasPrefix(table, "__") {
			out[table] = n
		}
	}
	return out
}
