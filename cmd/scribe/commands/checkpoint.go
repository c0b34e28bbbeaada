package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/sym"
)

// CheckpointCmd groups checkpoint commands
var CheckpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   sym.DB + " Inspect and discard resumable generation work",
	Long: `Checkpoints hold the sections a job has already generated. A retried or
recovered job resumes at the first missing section.

Examples:
  scribe checkpoint ls               # All resumable work
  scribe checkpoint ls --client acme # One client's resumable work
  scribe checkpoint show 01J...      # Sections generated so far
  scribe checkpoint rm 01J...        # Start the next attempt over`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var checkpointLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List resumable work",
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID, _ := cmd.Flags().GetString("client")
		return runCheckpointLs(clientID)
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show the sections stored for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runCheckpointShow(args[0], asJSON)
	},
}

var checkpointRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Discard a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheckpointRm(args[0])
	},
}

func init() {
	checkpointLsCmd.Flags().String("client", "", "Filter by CRM client id")
	checkpointShowCmd.Flags().Bool("json", false, "Output the checkpoint as JSON")

	addDBPathFlag(CheckpointCmd)
	CheckpointCmd.AddCommand(checkpointLsCmd)
	CheckpointCmd.AddCommand(checkpointShowCmd)
	CheckpointCmd.AddCommand(checkpointRmCmd)
}

func runCheckpointLs(clientID string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Checkpoints.ListResumable(ctx, clientID)
	if err != nil {
		return errors.Wrap(err, "failed to list checkpoints")
	}
	if len(list) == 0 {
		fmt.Printf("%s No resumable work\n", sym.DB)
		return nil
	}

	data := pterm.TableData{{"JOB ID", "ENTITY", "CLIENT", "NEXT SECTION", "JOB STATUS", "UPDATED"}}
	for _, s := range list {
		data = append(data, []string{
			s.JobID,
			fmt.Sprintf("%s/%s", s.EntityKind, s.EntityID),
			orDash(s.ClientID),
			fmt.Sprintf("%d", s.NextSectionIndex),
			orDash(s.JobStatus),
			s.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCheckpointShow(jobID string, asJSON bool) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.Checkpoints.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if cp == nil {
		return errors.NewNotFoundError("no checkpoint for job %s", jobID)
	}
	if asJSON {
		return printJSON(cp)
	}

	fmt.Printf("%s Checkpoint for job %s\n", sym.DB, cp.JobID)
	fmt.Printf("  Entity: %s/%s\n", cp.EntityKind, cp.EntityID)
	fmt.Printf("  Client: %s\n", orDash(cp.ClientID))
	fmt.Printf("  Next section: %d\n", cp.NextSectionIndex)
	fmt.Printf("  Updated: %s\n\n", cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	data := pterm.TableData{{"#", "SECTION", "GENERATED BY", "CHARS"}}
	for _, sec := range cp.Sections {
		data = append(data, []string{
			fmt.Sprintf("%d", sec.OrderIndex),
			sec.SectionID,
			orDash(sec.GeneratedBy),
			fmt.Sprintf("%d", len(sec.Content)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCheckpointRm(jobID string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.Checkpoints.DiscardIdle(ctx, jobID)
	if errors.Is(err, errors.ErrConflict) {
		return errors.WithHint(err, "cancel the job first: scribe jobs cancel "+jobID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Checkpoint for job %s discarded\n", sym.DB, jobID)
	return nil
}
