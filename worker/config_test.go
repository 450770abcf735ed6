package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigEphemeral(t *testing.T) {
	assert.True(t, Config{TTLMS: 0}.Ephemeral())
	assert.False(t, Config{TTLMS: 1}.Ephemeral())
}

func TestConfigTimeoutDefault(t *testing.T) {
	assert.Equal(t, defaultRequestTimeout, Config{}.Timeout())
	assert.Equal(t, defaultRequestTimeout, Config{TimeoutMS: -5}.Timeout())
	assert.Equal(t, 250*time.Millisecond, Config{TimeoutMS: 250}.Timeout())
}

func TestConfigSerializeExcludesEnv(t *testing.T) {
	cfg := Config{
		Entrypoint: "index.ts",
		TTLMS:      300000,
		Env:        map[string]string{"SECRET_THING": "value"},
	}

	s, err := cfg.Serialize()
	require.NoError(t, err)
	assert.Contains(t, s, `"entrypoint":"index.ts"`)
	assert.Contains(t, s, `"ttl":300000`)
	assert.NotContains(t, s, "SECRET_THING")
	assert.NotContains(t, s, "value")
}

func TestPublicRoutesUnmarshalArrayForm(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{
		"ttl": 300000,
		"publicRoutes": ["/health", "/assets/*"]
	}`), &cfg))

	require.NotNil(t, cfg.PublicRoutes)
	assert.Equal(t, []string{"/health", "/assets/*"}, cfg.PublicRoutes.All)
	assert.Nil(t, cfg.PublicRoutes.ByMethod)

	assert.True(t, cfg.PublicRoutes.Match("GET", "/health"))
	assert.True(t, cfg.PublicRoutes.Match("DELETE", "/health"), "array form covers all methods")
	assert.False(t, cfg.PublicRoutes.Match("GET", "/admin"))
}

func TestPublicRoutesUnmarshalObjectForm(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{
		"publicRoutes": {
			"ALL": ["/ping"],
			"get": ["/docs/*"],
			"POST": ["/webhooks/stripe"]
		}
	}`), &cfg))

	pr := cfg.PublicRoutes
	require.NotNil(t, pr)
	assert.Equal(t, []string{"/ping"}, pr.All)
	assert.Equal(t, []string{"/docs/*"}, pr.ByMethod["GET"], "method keys normalize to upper case")

	assert.True(t, pr.Match("HEAD", "/ping"))
	assert.True(t, pr.Match("GET", "/docs/intro"))
	assert.False(t, pr.Match("POST", "/docs/intro"))
	assert.True(t, pr.Match("POST", "/webhooks/stripe"))
	assert.False(t, pr.Match("GET", "/webhooks/stripe"))
}

func TestPublicRoutesUnmarshalRejectsUnknownMethod(t *testing.T) {
	var cfg Config
	err := json.Unmarshal([]byte(`{"publicRoutes": {"FETCH": ["/x"]}}`), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCH")
}

func TestPublicRoutesMatchGlobs(t *testing.T) {
	pr := &PublicRoutes{All: []string{"/assets/*", "/favicon.ico", "/api/v?/status"}}

	tests := []struct {
		path string
		want bool
	}{
		{"/favicon.ico", true},
		{"/assets/app.css", true},
		// trailing /* covers the whole subtree, not just one level
		{"/assets/css/site.css", true},
		{"/assets", true},
		{"/api/v1/status", true},
		{"/api/v22/status", false},
		{"/secret", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pr.Match("GET", tt.path), "path %q", tt.path)
	}
}

func TestPublicRoutesNilSafe(t *testing.T) {
	var pr *PublicRoutes
	assert.False(t, pr.Match("GET", "/anything"))
}

func TestPublicRoutesMarshalRoundTrip(t *testing.T) {
	in := PublicRoutes{
		All:      []string{"/ping"},
		ByMethod: map[string][]string{"GET": {"/docs/*"}},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out PublicRoutes
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.All, out.All)
	assert.Equal(t, in.ByMethod, out.ByMethod)
}
