package commands

import (
	"fmt"
	"path/filepath"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/version"
)

// printStartupBanner prints the user-friendly startup summary.
func printStartupBanner(cfg *config.Config, addr string, verbosity int) {
	green := "\033[32m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s┌─ buntime ───────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Listening: http://%s\n", green, reset, addr)
	fmt.Printf("%s│%s Apps:      %s\n", green, reset, cfg.AppsDir)
	fmt.Printf("%s│%s API:       %s\n", green, reset, cfg.Server.APIPrefix)
	if cfg.Hrana.Enabled {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, filepath.Join(cfg.DataDir, "db"))
	}
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
