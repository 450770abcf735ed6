package plugin

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/worker"
)

// onInitTimeout bounds each plugin's OnInit hook.
const onInitTimeout = 30 * time.Second

var basePathRe = regexp.MustCompile(`^/[a-zA-Z0-9_-]+$`)

// reservedBases can never be claimed by a plugin; the configured API
// prefix is reserved on top of these.
var reservedBases = map[string]bool{
	"/api":         true,
	"/.well-known": true,
}

// LoaderOptions configures a plugin load.
type LoaderOptions struct {
	// Dirs are the directories to scan, in priority order.
	Dirs []string

	// Runtime is the metadata exposed to every plugin's Context and
	// checked against manifest runtime constraints.
	Runtime RuntimeInfo

	// Pool, when set, is exposed to plugins through their Context.
	Pool *worker.Pool

	// Disabled names plugins to skip even when their manifest enables
	// them. Comes from runtime configuration.
	Disabled []string

	// Services are runtime-owned handles registered before any plugin
	// initializes, so OnInit can look them up.
	Services map[string]interface{}

	Log *zap.SugaredLogger
}

// Loader scans, orders, and initializes plugins into a Registry.
type Loader struct {
	opts LoaderOptions
	log  *zap.SugaredLogger

	// initTimeout is shortened only in tests.
	initTimeout time.Duration
}

// NewLoader creates a loader.
func NewLoader(opts LoaderOptions) *Loader {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Loader{
		opts:        opts,
		log:         opts.Log,
		initTimeout: onInitTimeout,
	}
}

// Load discovers every plugin manifest, partitions enabled from
// disabled, orders enabled plugins so dependencies load first, and
// initializes each in turn. Configuration problems (missing required
// dependency, dependency cycle, invalid base path, unknown
// implementation) fail the whole load.
func (l *Loader) Load(ctx context.Context) (*Registry, error) {
	discovered, err := Scan(l.opts.Dirs, l.log)
	if err != nil {
		return nil, err
	}

	configDisabled := make(map[string]bool, len(l.opts.Disabled))
	for _, name := range l.opts.Disabled {
		configDisabled[name] = true
	}

	var enabled []*Discovered
	disabled := make(map[string]bool)
	for _, d := range discovered {
		switch {
		case configDisabled[d.Manifest.Name]:
			disabled[d.Manifest.Name] = true
			l.log.Debugw("plugin disabled by configuration", logger.FieldPlugin, d.Manifest.Name)
		case !d.Manifest.Enabled:
			disabled[d.Manifest.Name] = true
			l.log.Debugw("plugin disabled by manifest", logger.FieldPlugin, d.Manifest.Name)
		default:
			enabled = append(enabled, d)
		}
	}

	order, err := sortByDependencies(enabled, disabled)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(l.log)
	for name, handle := range l.opts.Services {
		if err := reg.RegisterService(name, handle); err != nil {
			return nil, err
		}
	}
	for _, d := range order {
		p, err := l.loadOne(ctx, d, reg)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		l.log.Infow("plugin loaded",
			logger.FieldPlugin, p.Name,
			"version", p.Version,
			"base", p.Base,
		)
	}

	l.log.Infow("plugin load complete",
		logger.FieldCount, len(order),
		"disabled", len(disabled),
	)
	return reg, nil
}

// loadOne validates, instantiates, and initializes a single plugin.
func (l *Loader) loadOne(ctx context.Context, d *Discovered, reg *Registry) (*Plugin, error) {
	m := d.Manifest

	if err := validateBase(m.Name, m.Base, l.opts.Runtime.APIPrefix); err != nil {
		return nil, err
	}
	if err := checkRuntimeConstraint(m.Name, m.Runtime, l.opts.Runtime.Version); err != nil {
		return nil, err
	}

	factory, ok := lookupFactory(m.Name)
	if !ok {
		return nil, errors.Newf("no implementation registered for plugin %s (have: %s)",
			m.Name, strings.Join(Factories(), ", "))
	}

	options := make(map[string]interface{}, len(m.Options)+1)
	for k, v := range m.Options {
		options[k] = v
	}
	if d.Entry != "" {
		options["pluginEntry"] = d.Entry
	}

	hooks, err := factory(options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to construct plugin %s", m.Name)
	}

	p := &Plugin{
		Name:    m.Name,
		Version: m.Version,
		Base:    m.Base,
		Dir:     d.Dir,
		Entry:   d.Entry,
		Options: options,
		Hooks:   hooks,
	}

	pc := &Context{
		Name:     p.Name,
		Options:  options,
		Runtime:  l.opts.Runtime,
		Log:      l.log.Named(p.Name),
		Pool:     l.opts.Pool,
		registry: reg,
	}

	if err := l.runInit(ctx, p, pc); err != nil {
		return nil, err
	}

	if p.Hooks.Provides != nil {
		services, err := callProvides(ctx, p)
		if err != nil {
			return nil, errors.Wrapf(err, "plugin %s provides() failed", p.Name)
		}
		for name, handle := range services {
			if err := reg.RegisterService(name, handle); err != nil {
				return nil, errors.Wrapf(err, "plugin %s", p.Name)
			}
			l.log.Debugw("service registered",
				logger.FieldPlugin, p.Name,
				logger.FieldService, name,
			)
		}
	}

	return p, nil
}

// runInit invokes OnInit under the init timeout. The hook receives a
// context that expires with the timeout; one that ignores it is
// abandoned, not waited on.
func (l *Loader) runInit(ctx context.Context, p *Plugin, pc *Context) error {
	if p.Hooks.OnInit == nil {
		return nil
	}

	ictx, cancel := context.WithTimeout(ctx, l.initTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callHook(p.Name, func() error { return p.Hooks.OnInit(ictx, pc) })
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "plugin %s failed to initialize", p.Name)
		}
		return nil
	case <-ictx.Done():
		return errors.NewTimeoutError("plugin %s onInit did not complete within %s", p.Name, l.initTimeout)
	}
}

func callProvides(ctx context.Context, p *Plugin) (map[string]interface{}, error) {
	var services map[string]interface{}
	err := callHook(p.Name, func() error {
		var herr error
		services, herr = p.Hooks.Provides(ctx)
		return herr
	})
	return services, err
}

// sortByDependencies orders enabled plugins so every dependency precedes
// its dependents (Kahn's algorithm, stable by scan order). A required
// dependency that is missing or disabled fails the load; an optional one
// that is absent is dropped from the graph. A non-empty residual after
// the sort is a cycle and the error names every plugin still in it.
func sortByDependencies(enabled []*Discovered, disabled map[string]bool) ([]*Discovered, error) {
	byName := make(map[string]*Discovered, len(enabled))
	for _, d := range enabled {
		byName[d.Manifest.Name] = d
	}

	indegree := make(map[string]int, len(enabled))
	dependents := make(map[string][]string)

	for _, d := range enabled {
		name := d.Manifest.Name
		for _, dep := range d.Manifest.Dependencies {
			if _, ok := byName[dep]; !ok {
				if disabled[dep] {
					return nil, errors.Wrapf(errors.ErrMissingDependency,
						"plugin %s requires %s, which is disabled", name, dep)
				}
				return nil, errors.Wrapf(errors.ErrMissingDependency,
					"plugin %s requires %s, which is not installed", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
		for _, dep := range d.Manifest.OptionalDependencies {
			if _, ok := byName[dep]; !ok {
				continue
			}
			dependents[dep] = append(dependents[dep], name)
			indegree[name]++
		}
	}

	queue := make([]*Discovered, 0, len(enabled))
	for _, d := range enabled {
		if indegree[d.Manifest.Name] == 0 {
			queue = append(queue, d)
		}
	}

	order := make([]*Discovered, 0, len(enabled))
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		order = append(order, d)
		for _, dependent := range dependents[d.Manifest.Name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, byName[dependent])
			}
		}
	}

	if len(order) != len(enabled) {
		var residual []string
		for _, d := range enabled {
			if indegree[d.Manifest.Name] > 0 {
				residual = append(residual, d.Manifest.Name)
			}
		}
		return nil, errors.Wrapf(errors.ErrDependencyCycle,
			"plugins %s depend on each other", strings.Join(residual, ", "))
	}
	return order, nil
}

// validateBase enforces the base path shape and reservations. An empty
// base mounts nothing; "/" is allowed as-is.
func validateBase(name, base, apiPrefix string) error {
	if base == "" || base == "/" {
		return nil
	}
	if !basePathRe.MatchString(base) {
		return errors.Wrapf(errors.ErrInvalidBasePath,
			"plugin %s: base %q must match /[a-zA-Z0-9_-]+ or be exactly /", name, base)
	}
	if reservedBases[base] || (apiPrefix != "" && base == apiPrefix) {
		return errors.Wrapf(errors.ErrInvalidBasePath,
			"plugin %s: base %q is reserved", name, base)
	}
	return nil
}

// checkRuntimeConstraint validates the manifest's runtime semver
// constraint against the running version. No constraint passes.
func checkRuntimeConstraint(name, constraint, version string) error {
	if constraint == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "invalid runtime version %s", version)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "plugin %s: invalid runtime constraint %s", name, constraint)
	}
	if !c.Check(v) {
		return errors.Newf("plugin %s requires runtime %s, but running %s", name, constraint, version)
	}
	return nil
}
