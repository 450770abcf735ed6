package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/server"
)

// ServeCmd starts the runtime server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the buntime server",
	Long: `Start the runtime: the worker pool, the plugin registry, and the HTTP
listener. Applications under the apps directory are served on demand;
press Ctrl+C to drain and stop.`,
	RunE: RunServe,
}

func init() {
	RegisterServeFlags(ServeCmd)
}

// RegisterServeFlags adds the serve flags to a command. The root command
// runs serve when invoked without a subcommand, so it needs them too.
func RegisterServeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("port", 0, "Listen port (overrides config)")
	cmd.Flags().String("apps-dir", "", "Applications directory (overrides config)")
}

// RunServe loads configuration, initializes logging, and runs the server
// until a termination signal arrives.
func RunServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
		configPath = config.ProjectConfigPath()
	}
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if appsDir, _ := cmd.Flags().GetString("apps-dir"); appsDir != "" {
		cfg.AppsDir = appsDir
	}

	// Flag count wins over the configured level so -v works regardless
	// of what the config file says.
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if !cmd.Flags().Changed("verbose") {
		verbosity = levelVerbosity(cfg.Log.Level)
	}
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	if err := logger.Initialize(jsonLogs || cfg.Log.JSON, verbosity); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()

	srv, err := server.New(cmd.Context(), server.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Log:        logger.Logger,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	if err := srv.Start(); err != nil {
		return errors.Wrap(err, "server failed to start")
	}

	if !jsonLogs && !cfg.Log.JSON {
		printStartupBanner(cfg, srv.Addr(), verbosity)
	}

	// GRACE: first Ctrl+C drains, second forces exit.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		shutdownDone <- srv.Shutdown(ctx)
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil // unreachable
	}
}

// levelVerbosity maps a configured log level to the equivalent -v count.
func levelVerbosity(level string) int {
	switch level {
	case "debug":
		return logger.VerbosityDebug
	case "warn", "error":
		return logger.VerbosityUser
	default:
		return logger.VerbosityInfo
	}
}
