package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"alert-relay/internal/app"
)

var (
	dlqListStatus string
	dlqListLimit  int
	dlqResolvedBy string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and resolve dead letter entries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqListLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.DLQListOptions{
			Status: dlqListStatus,
			Limit:  dlqListLimit,
		}

		return getApp().DLQList(cmd.Context(), opts)
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead letter entry as manually resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dead letter id %q", args[0])
		}

		return getApp().DLQResolve(cmd.Context(), id, dlqResolvedBy)
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqListStatus, "status", "", "Filter by status (pending, retrying, resolved, failed)")
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "Number of entries to display")
	dlqResolveCmd.Flags().StringVar(&dlqResolvedBy, "resolved-by", "operator", "Identifier recorded with the resolution")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqResolveCmd)
}
