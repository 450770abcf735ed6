package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/buntime/cmd/buntime/commands"

	// Built-in plugins register their factories on import. The loader
	// only instantiates the ones whose manifests it finds on disk.
	_ "github.com/teranos/buntime/plugins/auth"
	_ "github.com/teranos/buntime/plugins/dbbridge"
	_ "github.com/teranos/buntime/plugins/kv"
	_ "github.com/teranos/buntime/plugins/proxy"
)

var rootCmd = &cobra.Command{
	Use:   "buntime",
	Short: "buntime - multi-tenant application runtime",
	Long: `buntime - a multi-tenant runtime for JavaScript/TypeScript applications.

Each application directory under apps/ is served by its own worker
process, spawned on demand and recycled by TTL, idle timeout, request
count, or pool pressure. Plugins extend the runtime with routes, hooks,
and services; the database pipeline exposes per-tenant SQLite over HTTP
and WebSocket.

Running buntime with no command starts the server.

Examples:
  buntime                        # Start the server
  buntime serve --port 9000      # Start on a specific port
  buntime serve -vv              # Start with debug logging
  buntime version                # Show version information`,
	RunE: commands.RunServe,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: nearest buntime.toml)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	// The root command doubles as serve, so it carries the same flags.
	commands.RegisterServeFlags(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
