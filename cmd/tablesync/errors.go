package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tablesync/pkg/offline"
)

var errorsTable string

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List and resolve operations the service rejected",
	Long:  "Inspect the operation errors recorded by the last push and resolve them by discarding, accepting the server item, or retrying.",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operation errors from the last push",
	Args:  cobra.NoArgs,
	RunE:  runErrorsList,
}

var errorsDiscardCmd = &cobra.Command{
	Use:   "discard <error-id>",
	Short: "Cancel the operation and drop the local item",
	Args:  cobra.ExactArgs(1),
	RunE:  runErrorsDiscard,
}

var errorsAcceptCmd = &cobra.Command{
	Use:   "accept <error-id> [json|-]",
	Short: "Cancel the operation and keep the server item, or the given item",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runErrorsAccept,
}

var errorsRetryCmd = &cobra.Command{
	Use:   "retry <error-id> [json|-]",
	Short: "Keep the operation queued, optionally with a new payload",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runErrorsRetry,
}

func init() {
	errorsListCmd.Flags().StringVar(&errorsTable, "table", "", "Only errors for this table")

	errorsCmd.AddCommand(errorsListCmd)
	errorsCmd.AddCommand(errorsDiscardCmd)
	errorsCmd.AddCommand(errorsAcceptCmd)
	errorsCmd.AddCommand(errorsRetryCmd)
}

func runErrorsList(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	errs, err := client.Errors(cmd.Context(), errorsTable)
	if err != nil {
		return err
	}

	if jsonOutput {
		if errs == nil {
			errs = []*offline.OperationError{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"errors": errs,
			"total":  len(errs),
		})
	}

	if len(errs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sync errors.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tTABLE\tITEM\tSTATUS\tMESSAGE")
	for _, e := range errs {
		status := "-"
		if e.StatusCode != 0 {
			status = fmt.Sprint(e.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.Table, e.ItemID, status, e.Message)
	}
	return w.Flush()
}

func runErrorsDiscard(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Discard(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
	return nil
}

func runErrorsAccept(cmd *cobra.Command, args []string) error {
	item, err := optionalRecord(cmd, args)
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.AcceptServer(cmd.Context(), args[0], item); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s\n", args[0])
	return nil
}

func runErrorsRetry(cmd *cobra.Command, args []string) error {
	item, err := optionalRecord(cmd, args)
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Retry(cmd.Context(), args[0], item); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s on next push\n", args[0])
	return nil
}

// optionalRecord parses the second argument as an item when present.
func optionalRecord(cmd *cobra.Command, args []string) (offline.Record, error) {
	if len(args) < 2 {
		return nil, nil
	}
	return readRecord(cmd, args[1])
}
