package worker

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/teranos/buntime/errors"
)

// Config describes how to run one worker. It is immutable for the lifetime
// of the instance it spawns.
type Config struct {
	// Entrypoint is the filename executed inside the application directory.
	Entrypoint string `json:"entrypoint" mapstructure:"entrypoint"`

	// Command launches the worker binary; the entrypoint is appended as the
	// final argument. Parsed with shell quoting rules.
	Command string `json:"command,omitempty" mapstructure:"command"`

	// TTLMS bounds the worker's total lifetime in milliseconds. Zero means
	// ephemeral: one request, then termination, never cached.
	TTLMS int64 `json:"ttl" mapstructure:"ttl_ms"`

	// IdleTimeoutMS retires the worker after this much inactivity.
	IdleTimeoutMS int64 `json:"idleTimeout" mapstructure:"idle_timeout_ms"`

	// TimeoutMS bounds each request round-trip.
	TimeoutMS int64 `json:"timeout" mapstructure:"timeout_ms"`

	// MaxRequests retires the worker after it has served this many requests.
	MaxRequests int64 `json:"maxRequests" mapstructure:"max_requests"`

	// MaxBodyBytes caps how much of an incoming request body is read.
	MaxBodyBytes int64 `json:"maxBodyBytes" mapstructure:"max_body_bytes"`

	// LowMemory asks the worker runtime to trade throughput for footprint.
	LowMemory bool `json:"lowMemory" mapstructure:"low_memory"`

	// Env is passed to the worker after sensitive-key filtering. Opaque to
	// the pool.
	Env map[string]string `json:"-" mapstructure:"env"`

	// PublicRoutes marks paths that bypass authentication plugins.
	PublicRoutes *PublicRoutes `json:"publicRoutes,omitempty" mapstructure:"public_routes"`
}

// defaultRequestTimeout applies when a config carries no per-request
// timeout of its own.
const defaultRequestTimeout = 30 * time.Second

// Ephemeral reports whether workers built from this config run one request
// and terminate.
func (c Config) Ephemeral() bool {
	return c.TTLMS == 0
}

// TTL returns the lifetime bound as a duration; zero for ephemeral configs.
func (c Config) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// IdleTimeout returns the inactivity bound as a duration; zero disables it.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// Timeout returns the per-request bound, falling back to the default when
// unset or negative.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Serialize renders the operational fields as JSON for the WORKER_CONFIG
// environment variable. Env is deliberately excluded.
func (c Config) Serialize() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize worker config")
	}
	return string(data), nil
}

// httpMethods enumerates the method keys accepted in the object form of a
// public-routes value.
var httpMethods = []string{"ALL", "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// PublicRoutes is either a plain list of path globs (applies to every
// method) or a per-method map. The two forms are mutually exclusive on the
// wire; UnmarshalJSON accepts both.
type PublicRoutes struct {
	// All holds globs that apply to every method (array form, or the ALL
	// key of the object form).
	All []string

	// ByMethod holds globs keyed by upper-case HTTP method.
	ByMethod map[string][]string
}

// UnmarshalJSON accepts ["glob", ...] or {"GET": ["glob", ...], ...}.
func (p *PublicRoutes) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var globs []string
		if err := json.Unmarshal(data, &globs); err != nil {
			return errors.Wrap(err, "invalid public routes array")
		}
		p.All = globs
		p.ByMethod = nil
		return nil
	}

	var byMethod map[string][]string
	if err := json.Unmarshal(data, &byMethod); err != nil {
		return errors.Wrap(err, "invalid public routes object")
	}

	p.ByMethod = make(map[string][]string, len(byMethod))
	for method, globs := range byMethod {
		upper := strings.ToUpper(method)
		if !validMethod(upper) {
			return errors.Newf("invalid public routes method %q", method)
		}
		if upper == "ALL" {
			p.All = append(p.All, globs...)
			continue
		}
		p.ByMethod[upper] = globs
	}
	return nil
}

// MarshalJSON renders the array form when only All is set, the object form
// otherwise.
func (p PublicRoutes) MarshalJSON() ([]byte, error) {
	if len(p.ByMethod) == 0 {
		return json.Marshal(p.All)
	}
	out := make(map[string][]string, len(p.ByMethod)+1)
	if len(p.All) > 0 {
		out["ALL"] = p.All
	}
	for method, globs := range p.ByMethod {
		out[method] = globs
	}
	return json.Marshal(out)
}

func validMethod(method string) bool {
	for _, m := range httpMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Match reports whether the method and path are covered by the public-route
// set. Globs follow path.Match, with a trailing "/*" additionally matching
// the whole subtree.
func (p *PublicRoutes) Match(method, reqPath string) bool {
	if p == nil {
		return false
	}

	if matchGlobs(p.All, reqPath) {
		return true
	}

	if p.ByMethod == nil {
		return false
	}
	return matchGlobs(p.ByMethod[strings.ToUpper(method)], reqPath)
}

func matchGlobs(globs []string, reqPath string) bool {
	for _, glob := range globs {
		if glob == reqPath {
			return true
		}
		if ok, err := path.Match(glob, reqPath); err == nil && ok {
			return true
		}
		// "/assets/*" also covers nested paths like /assets/css/site.css
		if strings.HasSuffix(glob, "/*") {
			prefix := strings.TrimSuffix(glob, "/*")
			if reqPath == prefix || strings.HasPrefix(reqPath, prefix+"/") {
				return true
			}
		}
	}
	return false
}
