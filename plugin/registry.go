package plugin

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

// Registry holds loaded plugins in load order and fans pipeline events
// out to their hooks. It is append-only once the loader finishes; the
// Run methods iterate a snapshot of the ordered list.
type Registry struct {
	mu       sync.RWMutex
	ordered  []*Plugin
	byName   map[string]*Plugin
	services map[string]interface{}
	log      *zap.SugaredLogger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		byName:   make(map[string]*Plugin),
		services: make(map[string]interface{}),
		log:      log,
	}
}

// Register appends a plugin to the ordered sequence. A name already
// present fails.
func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name]; exists {
		return errors.Wrapf(errors.ErrDuplicatePlugin, "plugin already registered: %s", p.Name)
	}
	r.byName[p.Name] = p
	r.ordered = append(r.ordered, p)
	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Plugins returns a snapshot of the loaded plugins in load order.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns the plugin names in load order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, p := range r.ordered {
		names[i] = p.Name
	}
	return names
}

// RegisterService publishes a named handle for inter-plugin capability
// sharing. Names are first-come: a taken name fails so a misconfigured
// plugin cannot silently shadow another's service.
func (r *Registry) RegisterService(name string, handle interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return errors.Newf("service already registered: %s", name)
	}
	r.services[name] = handle
	return nil
}

// GetService looks up a published service handle.
func (r *Registry) GetService(name string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.services[name]
	return h, ok
}

// callHook invokes one hook, converting a panic into an error so a
// misbehaving plugin cannot take the pipeline down.
func callHook(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("plugin %s: hook panicked: %v", name, rec)
		}
	}()
	return fn()
}

// RunOnRequest runs every OnRequest hook in load order. A hook returning
// a response short-circuits; a hook returning a replacement request
// feeds it to the hooks after it. Hook errors are logged and the next
// hook sees the request unchanged.
//
// Callers must continue with the returned request. The returned error is
// advisory: the first hook failure, already logged. The normal pipeline
// ignores it; the auth-wrap path denies on it.
func (r *Registry) RunOnRequest(req *http.Request, app string) (*Response, *http.Request, error) {
	var firstErr error
	for _, p := range r.Plugins() {
		hook := p.Hooks.OnRequest
		if hook == nil {
			continue
		}
		var (
			resp *Response
			out  *http.Request
		)
		err := callHook(p.Name, func() error {
			var herr error
			resp, out, herr = hook(req, app)
			return herr
		})
		if err != nil {
			r.log.Warnw("onRequest hook failed",
				logger.FieldPlugin, p.Name,
				logger.FieldPath, req.URL.Path,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if resp != nil {
			return resp, req, firstErr
		}
		if out != nil {
			req = out
		}
	}
	return nil, req, firstErr
}

// RunOnResponse threads the response through every OnResponse hook in
// load order. Hook errors abort the chain and propagate.
func (r *Registry) RunOnResponse(ctx context.Context, res *Response, app string) (*Response, error) {
	for _, p := range r.Plugins() {
		hook := p.Hooks.OnResponse
		if hook == nil {
			continue
		}
		var out *Response
		err := callHook(p.Name, func() error {
			var herr error
			out, herr = hook(ctx, res, app)
			return herr
		})
		if err != nil {
			return nil, errors.Wrapf(err, "onResponse hook failed for plugin %s", p.Name)
		}
		if out != nil {
			res = out
		}
	}
	return res, nil
}

// RunOnServerStart notifies every plugin that the listener is up.
// Errors are logged; startup continues.
func (r *Registry) RunOnServerStart(ctx context.Context) {
	for _, p := range r.Plugins() {
		hook := p.Hooks.OnServerStart
		if hook == nil {
			continue
		}
		if err := callHook(p.Name, func() error { return hook(ctx) }); err != nil {
			r.log.Warnw("onServerStart hook failed", logger.FieldPlugin, p.Name, "error", err)
		}
	}
}

// RunOnShutdown runs shutdown hooks in reverse load order. Errors are
// logged so shutdown always completes.
func (r *Registry) RunOnShutdown(ctx context.Context) {
	plugins := r.Plugins()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		hook := p.Hooks.OnShutdown
		if hook == nil {
			continue
		}
		if err := callHook(p.Name, func() error { return hook(ctx) }); err != nil {
			r.log.Warnw("onShutdown hook failed", logger.FieldPlugin, p.Name, "error", err)
		}
	}
}

// RunOnWorkerSpawn notifies plugins that a worker began serving key.
// Errors are logged; the spawn is not affected.
func (r *Registry) RunOnWorkerSpawn(ctx context.Context, key string) {
	for _, p := range r.Plugins() {
		hook := p.Hooks.OnWorkerSpawn
		if hook == nil {
			continue
		}
		if err := callHook(p.Name, func() error { return hook(ctx, key) }); err != nil {
			r.log.Warnw("onWorkerSpawn hook failed",
				logger.FieldPlugin, p.Name,
				logger.FieldAppKey, key,
				"error", err,
			)
		}
	}
}

// RunOnWorkerTerminate notifies plugins that the worker for key is gone.
// Errors are logged.
func (r *Registry) RunOnWorkerTerminate(ctx context.Context, key string) {
	for _, p := range r.Plugins() {
		hook := p.Hooks.OnWorkerTerminate
		if hook == nil {
			continue
		}
		if err := callHook(p.Name, func() error { return hook(ctx, key) }); err != nil {
			r.log.Warnw("onWorkerTerminate hook failed",
				logger.FieldPlugin, p.Name,
				logger.FieldAppKey, key,
				"error", err,
			)
		}
	}
}

// ClaimWS returns the first plugin whose websocket hooks claim path.
func (r *Registry) ClaimWS(path string) (*Plugin, bool) {
	for _, p := range r.Plugins() {
		ws := p.Hooks.WebSocket
		if ws == nil || ws.Match == nil {
			continue
		}
		if ws.Match(path) {
			return p, true
		}
	}
	return nil, false
}

// WebSocketHandler composes every plugin's websocket hooks into the one
// set the server drives per connection. With a single provider its hooks
// are returned directly; otherwise each event runs every provider in
// load order, logging per-plugin errors and returning the first one.
// Returns nil when no plugin provides websocket hooks.
func (r *Registry) WebSocketHandler() *WebSocketHooks {
	var providers []*Plugin
	for _, p := range r.Plugins() {
		if p.Hooks.WebSocket != nil {
			providers = append(providers, p)
		}
	}
	switch len(providers) {
	case 0:
		return nil
	case 1:
		return providers[0].Hooks.WebSocket
	}

	return &WebSocketHooks{
		Match: func(path string) bool {
			for _, p := range providers {
				if m := p.Hooks.WebSocket.Match; m != nil && m(path) {
					return true
				}
			}
			return false
		},
		Open: func(ctx context.Context, c *WSConn) error {
			var firstErr error
			for _, p := range providers {
				hook := p.Hooks.WebSocket.Open
				if hook == nil {
					continue
				}
				if err := callHook(p.Name, func() error { return hook(ctx, c) }); err != nil {
					r.log.Warnw("websocket open hook failed", logger.FieldPlugin, p.Name, "error", err)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
		Message: func(ctx context.Context, c *WSConn, data []byte) error {
			var firstErr error
			for _, p := range providers {
				hook := p.Hooks.WebSocket.Message
				if hook == nil {
					continue
				}
				if err := callHook(p.Name, func() error { return hook(ctx, c, data) }); err != nil {
					r.log.Warnw("websocket message hook failed", logger.FieldPlugin, p.Name, "error", err)
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
		Close: func(c *WSConn) {
			for _, p := range providers {
				hook := p.Hooks.WebSocket.Close
				if hook == nil {
					continue
				}
				if err := callHook(p.Name, func() error { hook(c); return nil }); err != nil {
					r.log.Warnw("websocket close hook failed", logger.FieldPlugin, p.Name, "error", err)
				}
			}
		},
	}
}

// ResolvePluginApp returns the plugin whose base owns pathname: an exact
// match or a prefix followed by a path separator. Only plugins with a
// registered directory participate.
func (r *Registry) ResolvePluginApp(pathname string) (*Plugin, bool) {
	for _, p := range r.Plugins() {
		if p.Dir == "" || p.Base == "" {
			continue
		}
		if pathname == p.Base || strings.HasPrefix(pathname, p.Base+"/") {
			return p, true
		}
	}
	return nil, false
}

// AuthWrap guards a plugin-provided route with the registry's onRequest
// chain: a short-circuit response is written as-is, any hook error
// denies with 401, and only then does the wrapped handler run with the
// possibly-rewritten request.
func (r *Registry) AuthWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp, out, err := r.RunOnRequest(req, "")
		if resp != nil {
			resp.Send(w)
			return
		}
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, out)
	})
}
