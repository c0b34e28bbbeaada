package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/server"
	"github.com/teranos/scribe/sym"
	"github.com/teranos/scribe/version"
)

// ServerCmd starts the HTTP API together with Pulse workers
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   sym.Pulse + " Start the scribe HTTP API and Pulse workers",
	Long: `Start the scribe HTTP API with Pulse workers in the same process.

The API exposes job, checkpoint, ledger and cache endpoints under /api,
health at /health, Prometheus metrics at /metrics and a WebSocket event
stream at /ws.

Examples:
  scribe server                 # Listen on server.port
  scribe server --port 9000     # Override the port
  scribe server --no-pulse      # API only; another process runs workers`,
	RunE: runServer,
}

var (
	serverPort    int
	serverNoPulse bool
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoPulse, "no-pulse", false, "Serve the API without starting Pulse workers")
	addDBPathFlag(ServerCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.Config.GetServerPort()
	if serverPort > 0 {
		port = serverPort
	}

	if !serverNoPulse {
		if err := a.StartPulse(ctx); err != nil {
			return errors.Wrap(err, "failed to start pulse")
		}
	}

	srv, err := server.NewScribeServer(a, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	info := version.Get()
	pterm.Info.Printf("scribe %s (commit %s)\n", info.Version, info.Short())
	pterm.Info.Printf("Database: %s\n", a.Config.GetDatabasePath())
	pterm.Success.Printf("%s Listening on http://localhost:%d\n", sym.Pulse, port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			err := srv.Stop()
			a.StopPulse()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				pterm.Warning.Printf("Shutdown finished with error: %v\n", err)
				return err
			}
			pterm.Success.Println("Server stopped")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Forced exit; in-flight jobs will be recovered on next start")
			os.Exit(1)
		}
	}
	return nil
}
