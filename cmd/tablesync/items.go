package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablesync/internal/query"
	"github.com/hyperengineering/tablesync/pkg/offline"
)

var (
	readFilter  string
	readOrderBy string
	readTop     int
	readSkip    int
)

var insertCmd = &cobra.Command{
	Use:   "insert <table> <json|->",
	Short: "Insert an item locally and queue it",
	Long:  "Insert a JSON object into the local table and queue the insert for the next push. An item without an id gets a generated one.",
	Args:  cobra.ExactArgs(2),
	RunE:  runInsert,
}

var updateCmd = &cobra.Command{
	Use:   "update <table> <json|->",
	Short: "Replace an item locally and queue the update",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpdate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <table> <id>",
	Short: "Delete an item locally and queue the delete",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var getCmd = &cobra.Command{
	Use:   "get <table> <id>",
	Short: "Print one local item",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var readCmd = &cobra.Command{
	Use:   "read <table>",
	Short: "Query the local copy of a table",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

func init() {
	readCmd.Flags().StringVar(&readFilter, "filter", "", "OData filter, e.g. \"done eq false\"")
	readCmd.Flags().StringVar(&readOrderBy, "orderby", "", "Sort keys, e.g. \"priority desc,id\"")
	readCmd.Flags().IntVar(&readTop, "top", 0, "Maximum number of items")
	readCmd.Flags().IntVar(&readSkip, "skip", 0, "Number of items to skip")
}

func runInsert(cmd *cobra.Command, args []string) error {
	item, err := readRecord(cmd, args[1])
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	stored, err := client.Table(args[0]).Insert(cmd.Context(), item)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stored)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Inserted %s/%s (queued)\n", args[0], stored.ID())
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	item, err := readRecord(cmd, args[1])
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	stored, err := client.Table(args[0]).Update(cmd.Context(), item)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stored)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s/%s (queued)\n", args[0], stored.ID())
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Table(args[0]).Delete(cmd.Context(), offline.Record{"id": args[1]}); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"table":   args[0],
			"id":      args[1],
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s (queued)\n", args[0], args[1])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	item, err := client.Table(args[0]).Lookup(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), item)
}

func runRead(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	table := client.Table(args[0])
	q, err := buildQuery(table, readFilter, readOrderBy, readTop, readSkip)
	if err != nil {
		return err
	}
	items, err := table.Read(cmd.Context(), q)
	if err != nil {
		return err
	}
	if items == nil {
		items = []offline.Record{}
	}
	return printJSON(cmd.OutOrStdout(), items)
}

// buildQuery assembles a query on table from command-line flags.
func buildQuery(table *offline.Table, filter, orderBy string, top, skip int) (offline.Query, error) {
	q := table.Query()
	if filter != "" {
		var err error
		if q, err = table.Where(filter); err != nil {
			return q, err
		}
	}
	for _, key := range strings.Split(orderBy, ",") {
		fields := strings.Fields(key)
		switch {
		case len(fields) == 0:
		case len(fields) == 2 && strings.EqualFold(fields[1], "desc"):
			q = q.OrderByDesc(fields[0])
		case len(fields) == 1 || (len(fields) == 2 && strings.EqualFold(fields[1], "asc")):
			q = q.OrderByAsc(fields[0])
		default:
			return q, fmt.Errorf("%w: invalid sort key %q", query.ErrSyntax, key)
		}
	}
	if top > 0 {
		q = q.WithTop(top)
	}
	if skip > 0 {
		q = q.WithSkip(skip)
	}
	return q, nil
}
