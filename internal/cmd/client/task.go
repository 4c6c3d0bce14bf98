package client

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oiwn/FetchBox/internal/task"
)

// NewTaskCommand constructs the `task` command group and subcommands.
func NewTaskCommand(baseURL BaseURLFunc) *cobra.Command {
	taskCmd := &cobra.Command{Use: "task", Short: "Task operations"}
	taskCmd.AddCommand(
		newTaskEnqueueCommand(baseURL),
		newTaskSubmitCommand(baseURL),
	)
	return taskCmd
}

// newTaskEnqueueCommand constructs the `task enqueue` subcommand.
func newTaskEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a single download task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			jobID, _ := cmd.Flags().GetString("job")
			rawURL, _ := cmd.Flags().GetString("url")
			pool, _ := cmd.Flags().GetString("proxy-pool")
			keyPrefix, _ := cmd.Flags().GetString("key-prefix")
			headerPairs, _ := cmd.Flags().GetStringArray("header")
			tagPairs, _ := cmd.Flags().GetStringArray("tag")

			if rawURL == "" {
				return fmt.Errorf("--url is required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			if jobID == "" {
				jobID = "adhoc"
			}
			headerMap, err := parseKeyValue(headerPairs)
			if err != nil {
				return err
			}
			tags, err := parseKeyValue(tagPairs)
			if err != nil {
				return err
			}
			t := task.Task{ID: id, JobID: jobID, URL: rawURL, ProxyHint: pool, Tags: tags}
			for name, value := range headerMap {
				t.Headers = append(t.Headers, task.Header{Name: name, Value: value})
			}
			if keyPrefix != "" {
				t.StorageHint = &task.StorageHint{KeyPrefix: keyPrefix}
			}

			var resp struct {
				Sequence uint64 `json:"sequence"`
			}
			if err := postJSON(cmd.Context(), baseURL, "/v1/tasks", &t, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "sequence": resp.Sequence})
		},
	}
	enqueueCmd.Flags().String("id", "", "Task id (default: random UUID)")
	enqueueCmd.Flags().String("job", "adhoc", "Job id the task belongs to")
	enqueueCmd.Flags().String("url", "", "Resource URL to download")
	enqueueCmd.Flags().String("proxy-pool", "", "Proxy pool hint")
	enqueueCmd.Flags().String("key-prefix", "", "Storage key prefix override")
	enqueueCmd.Flags().StringArray("header", nil, "Request header name=value (repeatable)")
	enqueueCmd.Flags().StringArray("tag", nil, "Task tag name=value (repeatable)")
	return enqueueCmd
}

// manifest is a batch of tasks submitted as one job.
type manifest struct {
	JobID string      `json:"job_id"`
	Tasks []task.Task `json:"tasks"`
}

// newTaskSubmitCommand constructs the `task submit` subcommand, which
// enqueues every task from a JSON manifest file.
func newTaskSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue all tasks from a job manifest file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("manifest")
			if path == "" {
				return fmt.Errorf("--manifest is required")
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var m manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			submitted := 0
			for i := range m.Tasks {
				t := &m.Tasks[i]
				if t.JobID == "" {
					t.JobID = m.JobID
				}
				if t.ID == "" {
					t.ID = uuid.NewString()
				}
				var resp struct {
					Sequence uint64 `json:"sequence"`
				}
				if err := postJSON(cmd.Context(), baseURL, "/v1/tasks", t, &resp); err != nil {
					return fmt.Errorf("task %s: %w", t.ID, err)
				}
				submitted++
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"job_id": m.JobID, "submitted": submitted})
		},
	}
	submitCmd.Flags().String("manifest", "", "Path to a JSON manifest: {job_id, tasks: [...]}")
	return submitCmd
}
