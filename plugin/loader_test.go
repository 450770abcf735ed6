package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
)

func loaderFixture(t *testing.T, manifests map[string]string) *Loader {
	t.Helper()
	dir := t.TempDir()
	for file, content := range manifests {
		writeFile(t, dir, file, content)
	}
	return NewLoader(LoaderOptions{
		Dirs:    []string{dir},
		Runtime: RuntimeInfo{Version: "1.2.3", APIPrefix: "/_rt"},
		Log:     zap.NewNop().Sugar(),
	})
}

func recordingFactory(name string, order *[]string) Factory {
	return func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			OnInit: func(ctx context.Context, pc *Context) error {
				*order = append(*order, name)
				return nil
			},
		}, nil
	}
}

func TestLoadOrdersByDependencies(t *testing.T) {
	var inits []string
	RegisterFactory("topo-a", recordingFactory("topo-a", &inits))
	RegisterFactory("topo-b", recordingFactory("topo-b", &inits))
	RegisterFactory("topo-c", recordingFactory("topo-c", &inits))
	RegisterFactory("topo-d", recordingFactory("topo-d", &inits))

	l := loaderFixture(t, map[string]string{
		"topo-a.toml": `name = "topo-a"`,
		"topo-b.toml": "name = \"topo-b\"\ndependencies = [\"topo-a\"]",
		"topo-c.toml": "name = \"topo-c\"\ndependencies = [\"topo-a\"]",
		"topo-d.toml": "name = \"topo-d\"\ndependencies = [\"topo-b\", \"topo-c\"]",
	})

	reg, err := l.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"topo-a", "topo-b", "topo-c", "topo-d"}, inits)
	assert.Equal(t, inits, reg.Names(), "registration order matches init order")
}

func TestLoadDetectsCycle(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"cyc-a.toml": "name = \"cyc-a\"\ndependencies = [\"cyc-b\"]",
		"cyc-b.toml": "name = \"cyc-b\"\ndependencies = [\"cyc-a\"]",
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDependencyCycle))
	assert.Contains(t, err.Error(), "cyc-a")
	assert.Contains(t, err.Error(), "cyc-b")
}

func TestLoadMissingRequiredDependency(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"dep-a.toml": "name = \"dep-a\"\ndependencies = [\"dep-ghost\"]",
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingDependency))
	assert.Contains(t, err.Error(), "which is not installed")
}

func TestLoadDisabledRequiredDependency(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"dep-b.toml":   "name = \"dep-b\"\ndependencies = [\"dep-off\"]",
		"dep-off.toml": "name = \"dep-off\"\nenabled = false",
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingDependency))
	assert.Contains(t, err.Error(), "which is disabled",
		"the message distinguishes disabled from missing")
}

func TestLoadOptionalDependencies(t *testing.T) {
	var inits []string
	RegisterFactory("opt-a", recordingFactory("opt-a", &inits))
	RegisterFactory("opt-b", recordingFactory("opt-b", &inits))

	l := loaderFixture(t, map[string]string{
		// opt-b sorts first by filename; the optional edge still forces
		// opt-a ahead of it, and the absent optional is simply dropped.
		"opt-b.toml": "name = \"opt-b\"\noptionalDependencies = [\"opt-a\", \"opt-ghost\"]",
		"opt-a.toml": `name = "opt-a"`,
	})

	_, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"opt-a", "opt-b"}, inits)
}

func TestLoadDisabledPluginNeverBuilt(t *testing.T) {
	built := false
	RegisterFactory("never-built", func(map[string]interface{}) (Hooks, error) {
		built = true
		return Hooks{}, nil
	})

	l := loaderFixture(t, map[string]string{
		"never-built.toml": "name = \"never-built\"\nenabled = false",
	})

	reg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, built, "disabled plugins are never instantiated")
	_, ok := reg.Get("never-built")
	assert.False(t, ok)
}

func TestLoadRejectsReservedBase(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"grab.toml": "name = \"grab\"\nbase = \"/api\"",
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidBasePath))
	assert.Contains(t, err.Error(), "grab")
}

func TestLoadRejectsRuntimeMismatch(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"future.toml": "name = \"future\"\nruntime = \">= 2.0\"",
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires runtime >= 2.0")
}

func TestLoadMissingImplementation(t *testing.T) {
	l := loaderFixture(t, map[string]string{
		"ghost-impl.toml": `name = "ghost-impl"`,
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no implementation registered for plugin ghost-impl")
}

func TestLoadFactoryReceivesOptions(t *testing.T) {
	var got map[string]interface{}
	RegisterFactory("optplug", func(options map[string]interface{}) (Hooks, error) {
		got = options
		return Hooks{}, nil
	})

	dir := t.TempDir()
	writeFile(t, dir, "optplug/plugin.toml", `
name = "optplug"
version = "0.1.0"
base = "/optplug"
injectBase = true
upstream = "https://upstream.example.com"
`)
	entry := writeFile(t, dir, "optplug/plugin.ts", `export default {}`)

	l := NewLoader(LoaderOptions{
		Dirs:    []string{dir},
		Runtime: RuntimeInfo{Version: "1.2.3"},
		Log:     zap.NewNop().Sugar(),
	})
	reg, err := l.Load(context.Background())
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, true, got["injectBase"])
	assert.Equal(t, "https://upstream.example.com", got["upstream"])
	assert.Equal(t, entry, got["pluginEntry"], "the loader hands factories the resolved entry path")
	assert.NotContains(t, got, "name")
	assert.NotContains(t, got, "version")
	assert.NotContains(t, got, "base")

	p, ok := reg.Get("optplug")
	require.True(t, ok)
	assert.Equal(t, "0.1.0", p.Version)
	assert.Equal(t, "/optplug", p.Base)
	assert.Equal(t, entry, p.Entry)
}

func TestLoadInitTimeout(t *testing.T) {
	RegisterFactory("slow-init", func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			OnInit: func(ctx context.Context, pc *Context) error {
				time.Sleep(300 * time.Millisecond)
				return nil
			},
		}, nil
	})

	l := loaderFixture(t, map[string]string{
		"slow-init.toml": `name = "slow-init"`,
	})
	l.initTimeout = 30 * time.Millisecond

	start := time.Now()
	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
	assert.Contains(t, err.Error(), "did not complete within")
	assert.Less(t, time.Since(start), 250*time.Millisecond,
		"the loader gives up at the timeout, not when the hook returns")
}

func TestLoadInitFailureNamesPlugin(t *testing.T) {
	RegisterFactory("broken-init", func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			OnInit: func(ctx context.Context, pc *Context) error {
				return errors.New("config store unreachable")
			},
		}, nil
	})

	l := loaderFixture(t, map[string]string{
		"broken-init.toml": `name = "broken-init"`,
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin broken-init failed to initialize")
	assert.Contains(t, err.Error(), "config store unreachable")
}

func TestLoadProvidesRegistersServices(t *testing.T) {
	type kvHandle struct{ buckets int }
	handle := &kvHandle{buckets: 7}

	RegisterFactory("svc-kv", func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			Provides: func(ctx context.Context) (map[string]interface{}, error) {
				return map[string]interface{}{"kv.store": handle}, nil
			},
		}, nil
	})

	l := loaderFixture(t, map[string]string{
		"svc-kv.toml": `name = "svc-kv"`,
	})

	reg, err := l.Load(context.Background())
	require.NoError(t, err)

	got, ok := reg.GetService("kv.store")
	require.True(t, ok)
	assert.Same(t, handle, got)
}

func TestLoadDuplicateServiceFails(t *testing.T) {
	provide := func(val int) Factory {
		return func(map[string]interface{}) (Hooks, error) {
			return Hooks{
				Provides: func(ctx context.Context) (map[string]interface{}, error) {
					return map[string]interface{}{"shared.svc": val}, nil
				},
			}, nil
		}
	}
	RegisterFactory("svc-dup-a", provide(1))
	RegisterFactory("svc-dup-b", provide(2))

	l := loaderFixture(t, map[string]string{
		"svc-dup-a.toml": `name = "svc-dup-a"`,
		"svc-dup-b.toml": `name = "svc-dup-b"`,
	})

	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service already registered: shared.svc")
}

func TestLoadContextSeesDependencies(t *testing.T) {
	RegisterFactory("ctx-a", func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			Provides: func(ctx context.Context) (map[string]interface{}, error) {
				return map[string]interface{}{"a.svc": "ready"}, nil
			},
		}, nil
	})

	var sawDep, sawSvc bool
	RegisterFactory("ctx-b", func(map[string]interface{}) (Hooks, error) {
		return Hooks{
			OnInit: func(ctx context.Context, pc *Context) error {
				_, sawDep = pc.GetPlugin("ctx-a")
				_, sawSvc = pc.GetService("a.svc")
				assert.Equal(t, "ctx-b", pc.Name)
				assert.Equal(t, "1.2.3", pc.Runtime.Version)
				require.NotNil(t, pc.Log)
				return pc.RegisterService("b.svc", 42)
			},
		}, nil
	})

	l := loaderFixture(t, map[string]string{
		"ctx-a.toml": `name = "ctx-a"`,
		"ctx-b.toml": "name = \"ctx-b\"\ndependencies = [\"ctx-a\"]",
	})

	reg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, sawDep, "dependencies are registered before dependents initialize")
	assert.True(t, sawSvc, "dependency services are visible during OnInit")

	got, ok := reg.GetService("b.svc")
	require.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestValidateBase(t *testing.T) {
	tests := []struct {
		base    string
		wantErr bool
	}{
		{"", false},
		{"/", false},
		{"/kv", false},
		{"/my-plugin_2", false},
		{"kv", true},
		{"/a/b", true},
		{"/spaced out", true},
		{"/api", true},
		{"/.well-known", true},
		{"/_rt", true},
	}

	for _, tt := range tests {
		err := validateBase("p", tt.base, "/_rt")
		if tt.wantErr {
			assert.Error(t, err, "base %q", tt.base)
		} else {
			assert.NoError(t, err, "base %q", tt.base)
		}
	}
}

func TestCheckRuntimeConstraint(t *testing.T) {
	assert.NoError(t, checkRuntimeConstraint("p", "", "1.2.3"))
	assert.NoError(t, checkRuntimeConstraint("p", ">= 1.0", "1.2.3"))
	assert.NoError(t, checkRuntimeConstraint("p", "^1.2", "1.2.3"))
	assert.Error(t, checkRuntimeConstraint("p", ">= 2.0", "1.2.3"))
	assert.Error(t, checkRuntimeConstraint("p", "not-a-constraint((", "1.2.3"))
	assert.Error(t, checkRuntimeConstraint("p", ">= 1.0", "development"))
}
