package config

import (
	"strings"

	"github.com/teranos/buntime/errors"
)

// Validate checks that the configuration is usable. It is called once at
// load; failures are fatal and name the offending key.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return errors.Newf("server.api_prefix must start with /, got %q", c.Server.APIPrefix)
	}
	if strings.HasSuffix(c.Server.APIPrefix, "/") {
		return errors.Newf("server.api_prefix must not end with /, got %q", c.Server.APIPrefix)
	}

	if c.AppsDir == "" {
		return errors.New("apps_dir cannot be empty")
	}
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}

	// Worker timing: 0 means "disabled" or "ephemeral", negative is invalid
	if c.Worker.TTLMS < 0 {
		return errors.Newf("worker.ttl_ms must be >= 0, got %d", c.Worker.TTLMS)
	}
	if c.Worker.IdleTimeoutMS < 0 {
		return errors.Newf("worker.idle_timeout_ms must be >= 0, got %d", c.Worker.IdleTimeoutMS)
	}
	if c.Worker.TimeoutMS < 0 {
		return errors.Newf("worker.timeout_ms must be >= 0, got %d", c.Worker.TimeoutMS)
	}
	if c.Worker.MaxRequests < 0 {
		return errors.Newf("worker.max_requests must be >= 0, got %d", c.Worker.MaxRequests)
	}
	if c.Worker.MaxBodyBytes < 0 {
		return errors.Newf("worker.max_body_bytes must be >= 0, got %d", c.Worker.MaxBodyBytes)
	}
	if c.Worker.TerminateDelayMS < 0 {
		return errors.Newf("worker.terminate_delay_ms must be >= 0, got %d", c.Worker.TerminateDelayMS)
	}
	if c.Worker.Command == "" {
		return errors.New("worker.command cannot be empty")
	}
	if c.Worker.Entrypoint == "" {
		return errors.New("worker.entrypoint cannot be empty")
	}

	if c.Pool.MaxSize < 0 {
		return errors.Newf("pool.max_size must be >= 0, got %d", c.Pool.MaxSize)
	}

	if c.Hrana.WSRateLimit < 0 {
		return errors.Newf("hrana.ws_rate_limit must be >= 0, got %f", c.Hrana.WSRateLimit)
	}
	if c.Hrana.WSRateBurst < 0 {
		return errors.Newf("hrana.ws_rate_burst must be >= 0, got %d", c.Hrana.WSRateBurst)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}
