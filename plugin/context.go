package plugin

import (
	"go.uber.org/zap"

	"github.com/teranos/buntime/worker"
)

// RuntimeInfo is the runtime metadata exposed to plugins.
type RuntimeInfo struct {
	// Version is the buntime version; manifests may constrain it via
	// their runtime field.
	Version string

	// APIPrefix is the reserved URL prefix for runtime endpoints.
	APIPrefix string

	// AppsDir is the root directory tenant applications live under.
	AppsDir string

	// DataDir is the root directory for runtime-owned state; plugins
	// keep their storage in subdirectories named after themselves.
	DataDir string

	// BaseURL is the loopback address workers and plugins use to call
	// back into the runtime.
	BaseURL string
}

// Context gives one plugin access to runtime services during and after
// OnInit. Plugins that need services later keep the pointer.
type Context struct {
	// Name is the plugin's own name.
	Name string

	// Options carries the plugin's free-form manifest fields.
	Options map[string]interface{}

	// Runtime describes the hosting runtime.
	Runtime RuntimeInfo

	// Log is scoped to this plugin.
	Log *zap.SugaredLogger

	// Pool is the worker pool, when the loader runs with one. Plugins
	// must tolerate nil.
	Pool *worker.Pool

	registry *Registry
}

// GetPlugin looks up another loaded plugin by name. During OnInit only
// dependencies are visible, since load order follows the dependency
// graph.
func (c *Context) GetPlugin(name string) (*Plugin, bool) {
	return c.registry.Get(name)
}

// RegisterService publishes a named handle for other plugins. Names are
// first-come: registering a taken name fails.
func (c *Context) RegisterService(name string, handle interface{}) error {
	return c.registry.RegisterService(name, handle)
}

// GetService looks up a handle published by another plugin.
func (c *Context) GetService(name string) (interface{}, bool) {
	return c.registry.GetService(name)
}
