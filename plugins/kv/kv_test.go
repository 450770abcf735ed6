package kv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/plugin"
)

// kvFixture initializes the plugin against a throwaway data directory
// and returns its hooks plus the published Store handle.
func kvFixture(t *testing.T, options map[string]interface{}) (plugin.Hooks, Store) {
	t.Helper()
	if options == nil {
		options = map[string]interface{}{}
	}
	hooks, err := New(options)
	require.NoError(t, err)

	pc := &plugin.Context{
		Name:    Name,
		Options: options,
		Runtime: plugin.RuntimeInfo{Version: "1.0.0", DataDir: t.TempDir()},
		Log:     zaptest.NewLogger(t).Sugar(),
	}
	require.NoError(t, hooks.OnInit(context.Background(), pc))
	t.Cleanup(func() { hooks.OnShutdown(context.Background()) })

	services, err := hooks.Provides(context.Background())
	require.NoError(t, err)
	store, ok := services[ServiceStore].(Store)
	require.True(t, ok, "the plugin publishes a Store under %s", ServiceStore)
	return hooks, store
}

func TestKVRoundTrip(t *testing.T) {
	_, store := kvFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "app", "greeting", []byte("hello")))

	got, err := store.Get(ctx, "app", "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, store.Set(ctx, "app", "greeting", []byte("goodbye")))
	got, err = store.Get(ctx, "app", "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("goodbye"), got, "Set replaces existing values")

	require.NoError(t, store.Delete(ctx, "app", "greeting"))
	_, err = store.Get(ctx, "app", "greeting")
	assert.True(t, errors.IsNotFoundError(err))

	assert.NoError(t, store.Delete(ctx, "app", "greeting"), "deleting an absent key is not an error")
}

func TestKVEmptyAndNilValues(t *testing.T) {
	_, store := kvFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "app", "empty", nil))
	got, err := store.Get(ctx, "app", "empty")
	require.NoError(t, err)
	assert.Len(t, got, 0)

	err = store.Set(ctx, "app", "", []byte("x"))
	assert.Error(t, err, "empty keys are rejected")
}

func TestKVNamespaceIsolation(t *testing.T) {
	_, store := kvFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "tenant-a", "color", []byte("red")))
	require.NoError(t, store.Set(ctx, "tenant-b", "color", []byte("blue")))

	a, err := store.Get(ctx, "tenant-a", "color")
	require.NoError(t, err)
	b, err := store.Get(ctx, "tenant-b", "color")
	require.NoError(t, err)
	assert.Equal(t, "red", string(a))
	assert.Equal(t, "blue", string(b))

	_, err = store.Get(ctx, "tenant-c", "color")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestKVList(t *testing.T) {
	_, store := kvFixture(t, nil)
	ctx := context.Background()

	for _, key := range []string{"users/1", "users/2", "sessions/9", "config"} {
		require.NoError(t, store.Set(ctx, "app", key, []byte("v")))
	}
	require.NoError(t, store.Set(ctx, "other", "users/3", []byte("v")))

	keys, err := store.List(ctx, "app", "users/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/1", "users/2"}, keys)

	keys, err = store.List(ctx, "app", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"config", "sessions/9", "users/1", "users/2"}, keys,
		"an empty prefix lists the whole namespace, sorted")

	keys, err = store.List(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKVListEscapesWildcards(t *testing.T) {
	_, store := kvFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "app", "100%", []byte("v")))
	require.NoError(t, store.Set(ctx, "app", "100x", []byte("v")))
	require.NoError(t, store.Set(ctx, "app", "a_b", []byte("v")))
	require.NoError(t, store.Set(ctx, "app", "axb", []byte("v")))

	keys, err := store.List(ctx, "app", "100%")
	require.NoError(t, err)
	assert.Equal(t, []string{"100%"}, keys, "%% matches literally, not as a wildcard")

	keys, err = store.List(ctx, "app", "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys, "_ matches literally, not as a wildcard")
}

func TestKVStoreFileLocation(t *testing.T) {
	dataDir := t.TempDir()
	hooks, err := New(map[string]interface{}{"file": "state.db"})
	require.NoError(t, err)

	pc := &plugin.Context{
		Name:    Name,
		Runtime: plugin.RuntimeInfo{DataDir: dataDir},
		Log:     zaptest.NewLogger(t).Sugar(),
	}
	require.NoError(t, hooks.OnInit(context.Background(), pc))
	defer hooks.OnShutdown(context.Background())

	_, err = os.Stat(filepath.Join(dataDir, "kv", "state.db"))
	assert.NoError(t, err, "the store lives in the plugin's own subdirectory")
}

func TestKVRejectsPathyFileOption(t *testing.T) {
	_, err := New(map[string]interface{}{"file": "../escape.db"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bare filename")
}

func TestKVRESTRoundTrip(t *testing.T) {
	hooks, _ := kvFixture(t, nil)
	handler := hooks.Routes["/"]
	require.NotNil(t, handler)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var r *http.Request
		if body == "" {
			r = httptest.NewRequest(method, path, nil)
		} else {
			r = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/app/missing", "").Code)

	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, "/app/users/7", `{"name":"ada"}`).Code)

	resp := do(http.MethodGet, "/app/users/7", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, `{"name":"ada"}`, resp.Body.String())
	assert.Equal(t, "application/octet-stream", resp.Header().Get("Content-Type"))

	list := do(http.MethodGet, "/app?prefix=users/", "")
	assert.Equal(t, http.StatusOK, list.Code)
	var parsed struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &parsed))
	assert.Equal(t, []string{"users/7"}, parsed.Keys, "slashes in keys survive the REST surface")

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/app/users/7", "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/app/users/7", "").Code)
}

func TestKVRESTValidation(t *testing.T) {
	hooks, _ := kvFixture(t, map[string]interface{}{"maxValueBytes": int64(8)})
	handler := hooks.Routes["/"]

	do := func(method, path, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/", "").Code,
		"a namespace segment is required")

	resp := do(http.MethodPatch, "/app/key", "x")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
	assert.Contains(t, resp.Header().Get("Allow"), "GET")

	assert.Equal(t, http.StatusMethodNotAllowed, do(http.MethodDelete, "/app", "").Code,
		"namespaces cannot be deleted wholesale")

	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, "/app/fits", "12345678").Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(http.MethodPut, "/app/big", "123456789").Code)
}
