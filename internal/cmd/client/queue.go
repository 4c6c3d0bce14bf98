package client

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}
	queueCmd.AddCommand(newQueueStatsCommand(baseURL))
	return queueCmd
}

// newQueueStatsCommand constructs the `queue stats` subcommand.
func newQueueStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp map[string]any
			if err := getJSON(cmd.Context(), baseURL, "/v1/queue/stats", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// NewJobCommand constructs the `job` command group.
func NewJobCommand(baseURL BaseURLFunc) *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Job ledger operations"}
	jobCmd.AddCommand(newJobShowCommand(baseURL))
	return jobCmd
}

// newJobShowCommand constructs the `job show` subcommand.
func newJobShowCommand(baseURL BaseURLFunc) *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show a job's outcome counters and recent history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobID, _ := cmd.Flags().GetString("id")
			history, _ := cmd.Flags().GetInt("history")
			query := map[string][]string{"job_id": {jobID}}
			if history > 0 {
				query["history"] = []string{strconv.Itoa(history)}
			}
			var resp map[string]any
			if err := getJSON(cmd.Context(), baseURL, "/v1/jobs", query, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	showCmd.Flags().String("id", "", "Job id")
	showCmd.Flags().Int("history", 0, "Include up to N outcome deltas")
	_ = showCmd.MarkFlagRequired("id")
	return showCmd
}
