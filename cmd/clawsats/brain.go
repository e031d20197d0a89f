package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/types"
)

var brainCmd = &cobra.Command{
	Use:   "brain",
	Short: "Inspect and drive the job queue",
}

var brainStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the job queue by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := fetchJobs("")
		if err != nil {
			return err
		}
		counts := map[types.JobStatus]int{}
		for _, j := range jobs {
			counts[j.Status]++
		}
		fmt.Printf("Jobs: %d total\n", len(jobs))
		for _, status := range []types.JobStatus{
			types.JobStatusPending, types.JobStatusRunning, types.JobStatusNeedsApproval,
			types.JobStatusCompleted, types.JobStatusFailed,
		} {
			if counts[status] > 0 {
				fmt.Printf("  %-15s %d\n", status, counts[status])
			}
		}
		return nil
	},
}

var brainJobsCmd = &cobra.Command{
	Use:   "jobs [status]",
	Short: "List jobs, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := ""
		if len(args) == 1 {
			status = args[0]
		}
		jobs, err := fetchJobs(status)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%-36s %-15s p%-2d %-20s max=%d sats attempts=%d\n",
				j.ID, j.Status, j.Priority, j.Capability, j.MaxSats, j.Attempts)
		}
		return nil
	},
}

var brainWhatNextCmd = &cobra.Command{
	Use:   "what-next",
	Short: "Show the jobs the next sweep will pick up",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := fetchJobs(string(types.JobStatusPending))
		if err != nil {
			return err
		}
		held, err := fetchJobs(string(types.JobStatusNeedsApproval))
		if err != nil {
			return err
		}
		if len(pending)+len(held) == 0 {
			fmt.Println("Nothing queued.")
			return nil
		}
		for _, j := range append(pending, held...) {
			fmt.Printf("%-36s %-15s p%-2d %s\n", j.ID, j.Status, j.Priority, j.Capability)
		}
		return nil
	},
}

var brainWhyCmd = &cobra.Command{
	Use:   "why <job-id>",
	Short: "Show the audit trail for one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := fetchJobs("")
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.ID != args[0] {
				continue
			}
			fmt.Printf("%s  %s  %s\n", j.ID, j.Capability, j.Status)
			if j.Error != "" {
				fmt.Printf("error: %s\n", j.Error)
			}
			for _, entry := range j.Audit {
				fmt.Printf("  %s  %-15s %s\n",
					entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Action, entry.Reason)
			}
			return nil
		}
		return fmt.Errorf("no job with id %s", args[0])
	},
}

var brainEnqueueCmd = &cobra.Command{
	Use:   "enqueue <capability>",
	Short: "Queue a job for the next sweep",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrainEnqueue,
}

var brainRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Requeue every failed job",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newRPCClient()
		if err != nil {
			return err
		}
		result, err := client.call("retryFailed", nil)
		if err != nil {
			return err
		}
		var reply struct {
			Requeued int `json:"requeued"`
		}
		if err := json.Unmarshal(result, &reply); err != nil {
			return err
		}
		fmt.Printf("Requeued %d jobs.\n", reply.Requeued)
		return nil
	},
}

var brainRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger one brain sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		allowMemory, _ := cmd.Flags().GetBool("allow-memory-writes")
		client, err := newRPCClient()
		if err != nil {
			return err
		}
		result, err := client.call("run", map[string]any{
			"allowMemoryWrites": allowMemory,
		})
		if err != nil {
			return err
		}
		var reply struct {
			Processed int `json:"processed"`
		}
		if err := json.Unmarshal(result, &reply); err != nil {
			return err
		}
		fmt.Printf("Processed %d jobs.\n", reply.Processed)
		return nil
	},
}

func init() {
	brainEnqueueCmd.Flags().StringToString("param", nil, "Job parameter as key=value (repeatable)")
	brainEnqueueCmd.Flags().String("strategy", "", "Execution strategy: local, hire, or auto")
	brainEnqueueCmd.Flags().Int64("max-sats", 0, "Spending cap when hiring")
	brainEnqueueCmd.Flags().Int("priority", 0, "Queue priority, lower runs first")
	brainEnqueueCmd.Flags().Bool("persist", false, "Write the result to chain memory")

	brainRunCmd.Flags().Bool("allow-memory-writes", false, "Permit chain memory writes this sweep")

	brainCmd.AddCommand(brainStatusCmd)
	brainCmd.AddCommand(brainJobsCmd)
	brainCmd.AddCommand(brainWhatNextCmd)
	brainCmd.AddCommand(brainWhyCmd)
	brainCmd.AddCommand(brainEnqueueCmd)
	brainCmd.AddCommand(brainRetryCmd)
	brainCmd.AddCommand(brainRunCmd)
}

func runBrainEnqueue(cmd *cobra.Command, args []string) error {
	params, _ := cmd.Flags().GetStringToString("param")
	strategy, _ := cmd.Flags().GetString("strategy")
	maxSats, _ := cmd.Flags().GetInt64("max-sats")
	priority, _ := cmd.Flags().GetInt("priority")
	persist, _ := cmd.Flags().GetBool("persist")

	jobParams := map[string]any{}
	for k, v := range params {
		// Numeric values arrive as strings from the flag; keep them
		// numeric where they parse.
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			jobParams[k] = n
		} else {
			jobParams[k] = v
		}
	}

	rpcArgs := map[string]any{
		"capability": args[0],
		"params":     jobParams,
	}
	if strategy != "" {
		rpcArgs["strategy"] = strategy
	}
	if maxSats > 0 {
		rpcArgs["maxSats"] = maxSats
	}
	if priority > 0 {
		rpcArgs["priority"] = priority
	}
	if persist {
		rpcArgs["persistResult"] = true
	}

	client, err := newRPCClient()
	if err != nil {
		return err
	}
	result, err := client.call("enqueue", rpcArgs)
	if err != nil {
		return err
	}

	var job types.Job
	if err := json.Unmarshal(result, &job); err != nil {
		return err
	}
	fmt.Printf("Queued %s as %s (priority %d)\n", job.Capability, job.ID, job.Priority)
	return nil
}

func fetchJobs(status string) ([]types.Job, error) {
	client, err := newRPCClient()
	if err != nil {
		return nil, err
	}
	args := map[string]any{}
	if status != "" {
		args["status"] = status
	}
	result, err := client.call("listJobs", args)
	if err != nil {
		return nil, err
	}
	var jobs []types.Job
	if err := json.Unmarshal(result, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
