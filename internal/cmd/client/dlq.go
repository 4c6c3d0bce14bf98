package client

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDLQCommand constructs the `dlq` command group and subcommands.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}
	dlqCmd.AddCommand(
		newDLQListCommand(baseURL),
		newDLQReplayCommand(baseURL),
		newDLQDeleteCommand(baseURL),
	)
	return dlqCmd
}

// newDLQListCommand constructs the `dlq list` subcommand.
func newDLQListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			afterSeq, _ := cmd.Flags().GetUint64("after-seq")

			query := url.Values{}
			if filter != "" {
				query.Set("filter", filter)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if afterSeq > 0 {
				query.Set("after_seq", strconv.FormatUint(afterSeq, 10))
			}
			var resp map[string]any
			if err := getJSON(cmd.Context(), baseURL, "/v1/dlq", query, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	listCmd.Flags().String("filter", "", `CEL filter, e.g. 'code == "download_timeout" && attempts >= 3'`)
	listCmd.Flags().Int("limit", 50, "Maximum records to return (0 = all)")
	listCmd.Flags().Uint64("after-seq", 0, "Resume listing after this sequence")
	return listCmd
}

// newDLQReplayCommand constructs the `dlq replay` subcommand.
func newDLQReplayCommand(baseURL BaseURLFunc) *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue a dead-lettered task as a fresh entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seq, _ := cmd.Flags().GetUint64("seq")
			var resp map[string]any
			if err := postJSON(cmd.Context(), baseURL, "/v1/dlq/replay", map[string]uint64{"sequence": seq}, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	replayCmd.Flags().Uint64("seq", 0, "Dead-letter record sequence")
	_ = replayCmd.MarkFlagRequired("seq")
	return replayCmd
}

// newDLQDeleteCommand constructs the `dlq delete` subcommand.
func newDLQDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Discard a dead-letter record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seq, _ := cmd.Flags().GetUint64("seq")
			return postJSON(cmd.Context(), baseURL, "/v1/dlq/delete", map[string]uint64{"sequence": seq}, nil)
		},
	}
	deleteCmd.Flags().Uint64("seq", 0, "Dead-letter record sequence")
	_ = deleteCmd.MarkFlagRequired("seq")
	return deleteCmd
}
