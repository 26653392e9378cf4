package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/am"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/server"
	"github.com/teranos/kiln/sym"
)

// ServeCmd starts the kiln HTTP and WebSocket server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.Serve + " Serve the run API and live event stream",
	Long: sym.Serve + ` serve: Serve the run API and live event stream

Runs started over HTTP keep going after the request ends; their output is
broadcast on /ws as run-output and run-status events. Changes to the loaded
config file are applied without a restart (max_concurrent, log retention).

Examples:
  kiln serve
  kiln serve --port 9000 -v`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	hub := events.NewHub(events.HubOptions{
		AllowedOrigins:          cfg.GetServerAllowedOrigins(),
		SlowClientWarnPerSecond: cfg.Events.SlowClientWarnPerSecond,
		Logger:                  logger.Logger,
	})

	rt, err := openRuntime(hub)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.reconcile(ctx)

	if files := am.LoadedFiles(); len(files) > 0 {
		watcher, err := am.NewConfigWatcher(files[len(files)-1])
		if err != nil {
			logger.Warnw("Config hot reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(rt.applyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	port := rt.cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}
	dbPath := rt.cfg.GetDatabasePath()
	verbosity, _ := cmd.Flags().GetCount("verbose")
	printStartupBanner(port, dbPath, verbosity)

	srv := server.New(server.Config{
		Runs:           rt.runs,
		Scripts:        rt.scripts,
		Workspaces:     rt.workspaces,
		Hub:            hub,
		AllowedOrigins: rt.cfg.GetServerAllowedOrigins(),
		Logger:         logger.Logger,
	})
	if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port)); err != nil {
		return err
	}
	pterm.Success.Println("Server stopped cleanly")
	return nil
}
