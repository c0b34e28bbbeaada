package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/sym"
)

// JobsCmd groups job queue commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Enqueue, inspect and cancel generation jobs",
	Long: `Manage generation jobs in the queue.

Job types:
  GENERATE_BUSINESS_PLAN  payload {"client_id", "plan_id", "variables"}
  GENERATE_DELIVERABLE    payload {"client_id", "deliverable_id", "month", "year", "variables"}
  GENERATE_PDF            payload {"client_id", "document_ref"}

Examples:
  scribe jobs enqueue GENERATE_DELIVERABLE '{"client_id":"acme","deliverable_id":"d1","month":2,"year":2026}'
  scribe jobs ls --status PENDING
  scribe jobs status 01J...
  scribe jobs cancel 01J...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <payload-json>",
	Short: "Add a job to the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsEnqueue(args[0], args[1])
	},
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		jobType, _ := cmd.Flags().GetString("type")
		clientID, _ := cmd.Flags().GetString("client")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(status, jobType, clientID, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runJobsStatus(args[0], asJSON)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a PENDING or PROCESSING job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsCancel(args[0])
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStats()
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED)")
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().String("client", "", "Filter by CRM client id")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to list")
	jobsStatusCmd.Flags().Bool("json", false, "Output the job as JSON")

	addDBPathFlag(JobsCmd)
	JobsCmd.AddCommand(jobsEnqueueCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
}

func runJobsEnqueue(rawType, payload string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.Queue.EnqueueRaw(ctx, async.JobType(strings.ToUpper(rawType)), json.RawMessage(payload))
	if err != nil {
		return err
	}
	fmt.Printf("%s Enqueued job %s\n", sym.Pulse, id)
	return nil
}

func runJobsLs(status, jobType, clientID string, limit int) error {
	filter := async.ListFilter{ClientID: clientID, Limit: limit}
	if status != "" {
		status = strings.ToUpper(status)
		if !async.IsValidStatus(status) {
			return errors.NewValidationError("unknown status %q", status)
		}
		filter.Status = async.JobStatus(status)
	}
	if jobType != "" {
		t := async.JobType(strings.ToUpper(jobType))
		if !t.Valid() {
			return errors.NewValidationError("unknown job type %q", jobType)
		}
		filter.Type = t
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.Queue.List(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	if len(jobs) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Pulse)
		return nil
	}

	data := pterm.TableData{{"JOB ID", "TYPE", "CLIENT", "STATUS", "ATTEMPTS", "CREATED", "ERROR"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			string(job.Type),
			orDash(job.ClientID),
			string(job.Status),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
			orDash(truncate(job.Error, 40)),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(jobID string, asJSON bool) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Queue.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(job)
	}

	fmt.Printf("%s Job ID: %s\n", sym.Pulse, job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Client: %s\n", orDash(job.ClientID))
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	if job.ResultRef != "" {
		fmt.Printf("  Result: %s\n", job.ResultRef)
	}
	if job.Error != "" {
		fmt.Printf("  Error (%s): %s\n", orDash(string(job.ErrorKind)), job.Error)
	}
	if job.CancelRequested {
		fmt.Printf("  Cancel requested\n")
	}
	fmt.Printf("\n")

	fmt.Printf("Created: %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", job.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if job.Status == async.StatusPending && job.Attempts > 0 {
		fmt.Printf("Next run: %s\n", job.NextRunAt.Local().Format("2006-01-02 15:04:05"))
	}

	exists, err := a.Checkpoints.Exists(ctx, job.ID)
	if err == nil && exists {
		fmt.Printf("\nCheckpoint: present (scribe checkpoint show %s)\n", job.ID)
	}
	return nil
}

func runJobsCancel(jobID string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	fmt.Printf("%s Job %s cancelled\n", sym.Pulse, jobID)
	return nil
}

func runJobsStats() error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s Queue\n", sym.Pulse)
	fmt.Printf("  Pending:    %d\n", stats.Pending)
	fmt.Printf("  Processing: %d\n", stats.Processing)
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("  Total:      %d\n", stats.Total)
	return nil
}
