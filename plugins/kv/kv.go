// Package kv is the built-in key/value store plugin. It owns a SQLite
// file under the runtime data directory, publishes a Store service other
// plugins can depend on, and mounts a small REST API under its base path.
package kv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/buntime/db"
	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
	"github.com/teranos/buntime/plugin"
)

// Name is the manifest name this implementation answers to.
const Name = "kv"

// ServiceStore is the registry key the Store handle is published under.
const ServiceStore = "kv.store"

// defaultMaxValueBytes caps PUT bodies on the REST surface. In-process
// consumers of the Store service are not limited.
const defaultMaxValueBytes = 1 << 20

func init() {
	plugin.RegisterFactory(Name, New)
}

type kvPlugin struct {
	file          string
	maxValueBytes int64

	store *sqliteStore
	log   *zap.SugaredLogger
}

// New builds the plugin's hooks from its manifest options:
//
//	[options]
//	file = "kv.db"
//	maxValueBytes = 1048576
func New(options map[string]interface{}) (plugin.Hooks, error) {
	p := &kvPlugin{
		file:          "kv.db",
		maxValueBytes: defaultMaxValueBytes,
		log:           zap.NewNop().Sugar(),
	}
	if f, ok := options["file"].(string); ok && f != "" {
		if filepath.Base(f) != f {
			return plugin.Hooks{}, errors.Newf("kv file %q must be a bare filename", f)
		}
		p.file = f
	}
	if n, ok := options["maxValueBytes"].(int64); ok && n > 0 {
		p.maxValueBytes = n
	}

	return plugin.Hooks{
		OnInit: p.onInit,
		Provides: func(ctx context.Context) (map[string]interface{}, error) {
			return map[string]interface{}{ServiceStore: Store(p.store)}, nil
		},
		Routes: map[string]http.Handler{
			"/": http.HandlerFunc(p.handle),
		},
		OnShutdown: p.onShutdown,
	}, nil
}

func (p *kvPlugin) onInit(ctx context.Context, pc *plugin.Context) error {
	p.log = pc.Log

	dir := filepath.Join(pc.Runtime.DataDir, Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create kv data directory")
	}
	path := filepath.Join(dir, p.file)

	handle, err := db.OpenWithMigrations(path, pc.Log)
	if err != nil {
		return errors.Wrap(err, "failed to open kv store")
	}
	p.store = &sqliteStore{db: handle}
	p.log.Infow("kv store ready", logger.FieldPath, path)
	return nil
}

func (p *kvPlugin) onShutdown(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	return p.store.db.Close()
}

// handle serves the REST surface. Paths arrive base-stripped:
//
//	GET    /{namespace}?prefix=p  list keys
//	GET    /{namespace}/{key}     read a value
//	PUT    /{namespace}/{key}     write a value
//	DELETE /{namespace}/{key}     delete a key
//
// Keys may contain slashes; everything after the namespace segment is
// the key.
func (p *kvPlugin) handle(w http.ResponseWriter, r *http.Request) {
	if p.store == nil {
		http.Error(w, "kv store not ready", http.StatusServiceUnavailable)
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		http.Error(w, "namespace required", http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	namespace := parts[0]
	if len(parts) == 1 {
		p.handleList(w, r, namespace)
		return
	}
	key := parts[1]

	switch r.Method {
	case http.MethodGet:
		p.handleGet(w, r, namespace, key)
	case http.MethodPut, http.MethodPost:
		p.handleSet(w, r, namespace, key)
	case http.MethodDelete:
		p.handleDelete(w, r, namespace, key)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *kvPlugin) handleList(w http.ResponseWriter, r *http.Request, namespace string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keys, err := p.store.List(r.Context(), namespace, r.URL.Query().Get("prefix"))
	if err != nil {
		p.log.Errorw("kv list failed", logger.FieldNamespace, namespace, logger.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
}

func (p *kvPlugin) handleGet(w http.ResponseWriter, r *http.Request, namespace, key string) {
	value, err := p.store.Get(r.Context(), namespace, key)
	if errors.IsNotFoundError(err) {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	if err != nil {
		p.log.Errorw("kv get failed", logger.FieldNamespace, namespace, logger.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (p *kvPlugin) handleSet(w http.ResponseWriter, r *http.Request, namespace, key string) {
	value, err := io.ReadAll(io.LimitReader(r.Body, p.maxValueBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(value)) > p.maxValueBytes {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := p.store.Set(r.Context(), namespace, key, value); err != nil {
		p.log.Errorw("kv set failed", logger.FieldNamespace, namespace, logger.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *kvPlugin) handleDelete(w http.ResponseWriter, r *http.Request, namespace, key string) {
	if err := p.store.Delete(r.Context(), namespace, key); err != nil {
		p.log.Errorw("kv delete failed", logger.FieldNamespace, namespace, logger.FieldError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
