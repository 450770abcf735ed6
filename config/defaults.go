package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
// Every key gets a default so env-only overrides survive Unmarshal.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.api_prefix", "/api")

	// Application layout defaults
	v.SetDefault("apps_dir", "apps")
	v.SetDefault("data_dir", "data")

	// Worker defaults applied when an app manifest leaves a field unset
	v.SetDefault("worker.command", "bun run")
	v.SetDefault("worker.entrypoint", "index.ts")
	v.SetDefault("worker.ttl_ms", 0)                // ephemeral unless the app opts in
	v.SetDefault("worker.idle_timeout_ms", 0)       // no idle retirement
	v.SetDefault("worker.timeout_ms", 30000)        // per-request bound
	v.SetDefault("worker.max_requests", 0)          // unlimited
	v.SetDefault("worker.max_body_bytes", 10<<20)   // 10 MiB
	v.SetDefault("worker.low_memory", false)
	v.SetDefault("worker.terminate_delay_ms", 2000) // TERMINATE grace before kill

	// Pool defaults
	v.SetDefault("pool.max_size", 100)

	// Plugin defaults
	v.SetDefault("plugins.dirs", []string{"plugins"})
	v.SetDefault("plugins.disabled", []string{})

	// Database pipeline defaults
	v.SetDefault("hrana.enabled", true)
	v.SetDefault("hrana.ws_rate_limit", 100.0) // requests per second per connection
	v.SetDefault("hrana.ws_rate_burst", 200)

	// Logging defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
