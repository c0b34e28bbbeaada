package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/sym"
)

// PulseCmd groups Pulse worker commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run Pulse workers (job queue, generation pipeline, maintenance)",
	Long: sym.Pulse + ` Pulse runs generation jobs in the background.

Pulse provides:
- A worker pool that claims jobs and runs the generation pipeline
- Checkpoints so interrupted jobs resume at the next section
- Token budget enforcement per client and per job
- A maintenance ticker for stale leases, leaked reservations and cache expiry

Example:
  scribe pulse start              # Start workers in foreground
  scribe pulse start --workers 3  # Override pulse.workers
  scribe pulse recover            # Recover stale jobs once and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd runs workers until interrupted
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start Pulse workers in the foreground",
	Long: `Start Pulse workers in foreground mode.

Workers recover stale jobs, then poll the queue until interrupted. Ctrl+C
stops claiming new work and waits up to pulse.shutdown_timeout_seconds for
jobs in flight; their checkpoints survive for the next start.`,
	RunE: runPulseStart,
}

// PulseRecoverCmd recovers stale jobs once
var PulseRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue or fail jobs whose lease expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Queue.RecoverStale(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to recover stale jobs")
		}
		fmt.Printf("%s Recovered stale jobs: %d requeued, %d failed\n", sym.PulseOpen, len(res.Requeued), len(res.Failed))
		return nil
	},
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 uses pulse.workers)")
	addDBPathFlag(PulseCmd)
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseRecoverCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		a.Config.Pulse.Workers = workers
	}

	fmt.Printf("%s Starting Pulse with %d worker(s)...\n", sym.Pulse, a.Config.Pulse.Workers)
	if err := a.StartPulse(ctx); err != nil {
		return errors.Wrap(err, "failed to start pulse")
	}

	cfg := a.Config
	fmt.Printf("%s Pulse started\n", sym.Pulse)
	fmt.Printf("  Provider: %s (%s)\n", cfg.Provider.Name, cfg.Provider.Model)
	fmt.Printf("  Workers: %d\n", a.Pool.Workers())
	fmt.Printf("  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Printf("  Lease: %v\n", cfg.Pulse.Lease())
	fmt.Printf("  Cache: %s\n", cfg.Cache.Backend)
	if cfg.Pulse.SweepInterval() > 0 {
		fmt.Printf("  Maintenance interval: %v\n", cfg.Pulse.SweepInterval())
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Draining workers...\n", sym.PulseClose)
	a.StopPulse()
	cancel()

	fmt.Printf("%s Pulse stopped\n", sym.Pulse)
	return nil
}
