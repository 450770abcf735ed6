// Package config loads the runtime configuration from TOML files and
// BUNTIME_* environment variables, with viper handling the merge.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/teranos/buntime/worker"
)

// Config is the full runtime configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	AppsDir string        `mapstructure:"apps_dir"`
	DataDir string        `mapstructure:"data_dir"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Plugins PluginsConfig `mapstructure:"plugins"`
	Hrana   HranaConfig   `mapstructure:"hrana"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// APIPrefix roots the runtime's own endpoints (health, workers,
	// database pipeline). Plugins may not claim base paths under it.
	APIPrefix string `mapstructure:"api_prefix"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Default listen port. 8787 keeps out of the privileged range and clear
// of the usual 8080 crowd.
const DefaultPort = 8787

// WorkerConfig holds pool-wide worker defaults. Per-app manifests
// override individual fields; keys mirror worker.Config.
type WorkerConfig struct {
	Command          string `mapstructure:"command"`
	Entrypoint       string `mapstructure:"entrypoint"`
	TTLMS            int64  `mapstructure:"ttl_ms"`
	IdleTimeoutMS    int64  `mapstructure:"idle_timeout_ms"`
	TimeoutMS        int64  `mapstructure:"timeout_ms"`
	MaxRequests      int64  `mapstructure:"max_requests"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes"`
	LowMemory        bool   `mapstructure:"low_memory"`
	TerminateDelayMS int64  `mapstructure:"terminate_delay_ms"`
}

// Defaults converts the configured worker defaults into the config shape
// the pool consumes. Per-app manifest fields are layered on top by the
// server when it resolves an application.
func (w WorkerConfig) Defaults() worker.Config {
	return worker.Config{
		Command:       w.Command,
		Entrypoint:    w.Entrypoint,
		TTLMS:         w.TTLMS,
		IdleTimeoutMS: w.IdleTimeoutMS,
		TimeoutMS:     w.TimeoutMS,
		MaxRequests:   w.MaxRequests,
		MaxBodyBytes:  w.MaxBodyBytes,
		LowMemory:     w.LowMemory,
	}
}

// TerminateDelay returns the grace period between TERMINATE and kill.
func (w WorkerConfig) TerminateDelay() time.Duration {
	return time.Duration(w.TerminateDelayMS) * time.Millisecond
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

// PluginsConfig points the loader at plugin directories and names
// plugins excluded from loading.
type PluginsConfig struct {
	Dirs     []string `mapstructure:"dirs"`
	Disabled []string `mapstructure:"disabled"`
}

// HranaConfig controls the database pipeline endpoints.
type HranaConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	WSRateLimit float64 `mapstructure:"ws_rate_limit"`
	WSRateBurst int     `mapstructure:"ws_rate_burst"`
}

// LogConfig selects encoder and level for the process logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// String returns a short representation for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: %s%s, AppsDir: %s, Pool: {MaxSize: %d}}",
		c.Server.Addr(), c.Server.APIPrefix, c.AppsDir, c.Pool.MaxSize)
}
