package dbbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/buntime/db"
	"github.com/teranos/buntime/hrana"
	"github.com/teranos/buntime/plugin"
)

// pipelineFixture builds a real pipeline server over a throwaway data
// directory, the way the runtime does before loading plugins.
func pipelineFixture(t *testing.T) (*hrana.Server, *hrana.WSBridge) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	provider := db.NewProvider(t.TempDir(), log)
	t.Cleanup(func() { provider.Close() })

	srv := hrana.NewServer(hrana.Options{Provider: provider, Log: log})
	t.Cleanup(srv.Close)
	return srv, hrana.NewWSBridge(srv, 100, 200, log)
}

// loadBridge runs the plugin through the real loader with the given
// pre-registered services.
func loadBridge(t *testing.T, manifest string, services map[string]interface{}) *plugin.Plugin {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dbbridge.toml"), []byte(manifest), 0644))

	l := plugin.NewLoader(plugin.LoaderOptions{
		Dirs:     []string{dir},
		Runtime:  plugin.RuntimeInfo{Version: "1.0.0", APIPrefix: "/api"},
		Services: services,
		Log:      zaptest.NewLogger(t).Sugar(),
	})
	reg, err := l.Load(context.Background())
	require.NoError(t, err)

	p, ok := reg.Get(Name)
	require.True(t, ok)
	return p
}

const bridgeManifest = "name = \"dbbridge\"\nbase = \"/dbbridge\"\n"

func TestBridgeServesPipeline(t *testing.T) {
	srv, ws := pipelineFixture(t)
	p := loadBridge(t, bridgeManifest, map[string]interface{}{
		ServiceServer: srv,
		ServiceWS:     ws,
	})

	handler := p.Hooks.Routes["/v2/pipeline"]
	require.NotNil(t, handler)

	body := `{"requests":[
		{"type":"execute","stmt":{"sql":"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"}},
		{"type":"execute","stmt":{"sql":"INSERT INTO notes (body) VALUES ('hi')"}},
		{"type":"execute","stmt":{"sql":"SELECT body FROM notes"}}
	]}`
	r := httptest.NewRequest(http.MethodPost, "/v2/pipeline", strings.NewReader(body))
	r.Header.Set(hrana.HeaderNamespace, "tenant-a")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Results []struct {
			Type     string `json:"type"`
			Response *struct {
				Result struct {
					Rows [][]struct {
						Value string `json:"value"`
					} `json:"rows"`
				} `json:"result"`
			} `json:"response"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	for i, res := range resp.Results {
		assert.Equal(t, "ok", res.Type, "step %d", i)
	}
	require.NotNil(t, resp.Results[2].Response)
	require.Len(t, resp.Results[2].Response.Result.Rows, 1)
	assert.Equal(t, "hi", resp.Results[2].Response.Result.Rows[0][0].Value)
}

func TestBridgeServesWebsocket(t *testing.T) {
	srv, ws := pipelineFixture(t)
	p := loadBridge(t, bridgeManifest, map[string]interface{}{
		ServiceServer: srv,
		ServiceWS:     ws,
	})

	handler := p.Hooks.Routes["/v2"]
	require.NotNil(t, handler)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := `{"request_id":1,"request":{"type":"execute","stmt":{"sql":"SELECT 40 + 2"}}}`
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply struct {
		RequestID int64 `json:"request_id"`
		Response  struct {
			Type  string       `json:"type"`
			Error *hrana.Error `json:"error"`
		} `json:"response"`
	}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, int64(1), reply.RequestID)
	require.Nil(t, reply.Response.Error)
	assert.Equal(t, "ok", reply.Response.Type)
}

func TestBridgeWithoutServicesDegrades(t *testing.T) {
	p := loadBridge(t, bridgeManifest, nil)

	for _, path := range []string{"/v2/pipeline", "/v2"} {
		handler := p.Hooks.Routes[path]
		require.NotNil(t, handler, path)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code,
			"%s refuses requests when the runtime did not publish the pipeline", path)
	}
}

func TestBridgeWSRouteOptional(t *testing.T) {
	srv, _ := pipelineFixture(t)
	manifest := bridgeManifest + "ws = false\n"
	p := loadBridge(t, manifest, map[string]interface{}{ServiceServer: srv})

	assert.Contains(t, p.Hooks.Routes, "/v2/pipeline")
	assert.NotContains(t, p.Hooks.Routes, "/v2", "ws = false drops the websocket route")
}

func TestBridgeRejectsWrongServiceType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dbbridge.toml"), []byte(bridgeManifest), 0644))

	l := plugin.NewLoader(plugin.LoaderOptions{
		Dirs:     []string{dir},
		Runtime:  plugin.RuntimeInfo{Version: "1.0.0"},
		Services: map[string]interface{}{ServiceServer: "not a server"},
		Log:      zaptest.NewLogger(t).Sugar(),
	})
	_, err := l.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected type")
}
