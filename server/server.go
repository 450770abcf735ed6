// Package server is the buntime HTTP front end. It owns the listener,
// the runtime API endpoints, plugin route mounting, and the request
// pipeline that turns tenant traffic into worker invocations.
//
// Routing order per request: runtime API prefix, then plugin static
// routes, then the pipeline (plugin app resolution, onRequest hooks,
// filesystem app resolution, worker dispatch, onResponse hooks).
// WebSocket upgrades bypass the worker pool entirely and go to the
// first plugin that claims the path.
package server

import (
	"context"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/db"
	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/hrana"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
	"github.com/teranos/buntime/plugins/auth"
	"github.com/teranos/buntime/plugins/dbbridge"
	"github.com/teranos/buntime/version"
	"github.com/teranos/buntime/worker"
)

// Options configures a runtime server.
type Options struct {
	// Config is the loaded runtime configuration. Required.
	Config *config.Config

	// ConfigPath, when set, enables the config watcher: edits to the
	// file re-load worker defaults without a restart.
	ConfigPath string

	Log *zap.SugaredLogger
}

// Server is one buntime instance: worker pool, plugin registry, the
// optional database pipeline, and the HTTP listener tying them together.
type Server struct {
	cfg atomic.Pointer[config.Config]
	log *zap.SugaredLogger

	// instanceID identifies this runtime instance in logs and metrics.
	// It is the pool's own ID so worker stats and server stats carry
	// the same identity.
	instanceID string

	pool     *worker.Pool
	registry *plugin.Registry

	// Database pipeline; all nil when hrana.enabled is false.
	provider *db.Provider
	hrana    *hrana.Server
	hranaWS  *hrana.WSBridge

	httpServer    *http.Server
	mux           *http.ServeMux
	upgrader      websocket.Upgrader
	configWatcher *config.ConfigWatcher

	startedAt time.Time

	// addr is the bound listen address, set by Start. It differs from
	// the configured address when the config asks for port 0.
	addr atomic.Value

	connMu sync.Mutex
	conns  map[*websocket.Conn]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New builds a server: pool, database pipeline, and plugins are all
// constructed here, so a returned server has every plugin's OnInit
// already run. Start only binds the listener.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server requires a config")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg := opts.Config
	if err := expandDirs(cfg); err != nil {
		return nil, err
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:      log,
		conns:    make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(),
		ctx:      serverCtx,
		cancel:   cancel,
	}
	s.cfg.Store(cfg)
	s.state.Store(int32(stateCreated))

	baseURL := loopbackURL(cfg.Server)

	pool, err := worker.NewPool(worker.PoolOptions{
		MaxSize:           cfg.Pool.MaxSize,
		APIBaseURL:        baseURL,
		TerminateDelay:    cfg.Worker.TerminateDelay(),
		OnWorkerSpawn:     s.onWorkerSpawn,
		OnWorkerTerminate: s.onWorkerTerminate,
		Log:               log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.pool = pool
	s.instanceID = pool.Metrics().InstanceID

	services := map[string]interface{}{
		auth.ServicePublicRoutes: auth.PublicRouteResolver(s.appPublicRoutes),
	}

	if cfg.Hrana.Enabled {
		s.provider = db.NewProvider(filepath.Join(cfg.DataDir, "db"), log)
		s.hrana = hrana.NewServer(hrana.Options{
			Provider: s.provider,
			BaseURL:  baseURL,
			Log:      log,
		})
		s.hranaWS = hrana.NewWSBridge(s.hrana, cfg.Hrana.WSRateLimit, cfg.Hrana.WSRateBurst, log)
		services[dbbridge.ServiceServer] = s.hrana
		services[dbbridge.ServiceWS] = http.Handler(s.hranaWS)
	}

	loader := plugin.NewLoader(plugin.LoaderOptions{
		Dirs: cfg.Plugins.Dirs,
		Runtime: plugin.RuntimeInfo{
			Version:   version.Semver(),
			APIPrefix: cfg.Server.APIPrefix,
			AppsDir:   cfg.AppsDir,
			DataDir:   cfg.DataDir,
			BaseURL:   baseURL,
		},
		Pool:     pool,
		Disabled: cfg.Plugins.Disabled,
		Services: services,
		Log:      log,
	})
	registry, err := loader.Load(ctx)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.registry = registry

	s.mux = s.buildMux(cfg)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.ConfigPath != "" {
		watcher, err := config.NewConfigWatcher(opts.ConfigPath, log)
		if err != nil {
			s.teardown()
			return nil, err
		}
		watcher.OnReload(s.applyConfig)
		s.configWatcher = watcher
		config.SetGlobalWatcher(watcher)
	}

	log.Infow("runtime assembled",
		logger.FieldInstance, s.instanceID,
		"plugins", len(registry.Plugins()),
		"hrana", cfg.Hrana.Enabled,
		"apps_dir", cfg.AppsDir,
	)
	return s, nil
}

// config returns the current configuration snapshot. The watcher swaps
// the pointer on reload; readers never see a partially applied config.
func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// InstanceID identifies this runtime instance.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Registry exposes the loaded plugin registry.
func (s *Server) Registry() *plugin.Registry {
	return s.registry
}

// Pool exposes the worker pool.
func (s *Server) Pool() *worker.Pool {
	return s.pool
}

// applyConfig is the watcher's reload callback. Worker defaults and
// pool-facing knobs take effect for subsequent requests; fields that
// shape the listener or the plugin set need a restart.
func (s *Server) applyConfig(next *config.Config) error {
	if err := expandDirs(next); err != nil {
		return err
	}
	prev := s.cfg.Load()
	s.cfg.Store(next)

	if prev.Server != next.Server {
		s.log.Warnw("server address or API prefix changed in config; restart required to apply",
			"current", prev.Server.Addr(),
			"configured", next.Server.Addr(),
		)
	}
	if !slices.Equal(prev.Plugins.Dirs, next.Plugins.Dirs) || prev.Hrana != next.Hrana {
		s.log.Warnw("plugin or hrana configuration changed; restart required to apply")
	}

	s.log.Infow("configuration reloaded",
		"worker_ttl_ms", next.Worker.TTLMS,
		"worker_timeout_ms", next.Worker.TimeoutMS,
	)
	return nil
}

// onWorkerSpawn fans the pool's spawn event out to plugin hooks.
func (s *Server) onWorkerSpawn(inst *worker.Instance) {
	if s.registry == nil {
		return
	}
	s.registry.RunOnWorkerSpawn(s.ctx, inst.Key)
}

// onWorkerTerminate fans the pool's terminate event out to plugin hooks.
func (s *Server) onWorkerTerminate(inst *worker.Instance) {
	if s.registry == nil {
		return
	}
	s.registry.RunOnWorkerTerminate(s.ctx, inst.Key)
}

// teardown releases everything New built, for construction failures.
func (s *Server) teardown() {
	s.cancel()
	if s.pool != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.pool.Shutdown(shutdownCtx)
	}
	if s.hrana != nil {
		s.hrana.Close()
	}
	if s.provider != nil {
		_ = s.provider.Close()
	}
}
