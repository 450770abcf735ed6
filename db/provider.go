package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/hrana"
	"github.com/teranos/buntime/logger"
)

// AdapterTypeSQLite is the only adapter type this provider serves.
const AdapterTypeSQLite = "sqlite"

// namespaceRe constrains tenant namespaces to names that are safe as file
// stems. Rejecting separators and leading dots keeps namespaces from
// escaping the data directory.
var namespaceRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Provider maps adapter type and namespace to SQLite databases under a
// single data directory: the root database at root.db and one file per
// namespace under namespaces/. Databases open lazily and stay cached for
// the provider's lifetime.
type Provider struct {
	dataDir string
	log     *zap.SugaredLogger

	mu       sync.Mutex
	adapters map[string]*SQLiteAdapter
	dbs      map[string]*sql.DB
	closed   bool
}

// NewProvider creates a provider rooted at dataDir. The directory is
// created on first open, not here, so constructing a provider for a
// read-only config check has no side effects.
func NewProvider(dataDir string, log *zap.SugaredLogger) *Provider {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Provider{
		dataDir:  dataDir,
		log:      log.Named("db"),
		adapters: make(map[string]*SQLiteAdapter),
		dbs:      make(map[string]*sql.DB),
	}
}

// GetAdapter implements hrana.Provider for tenant namespaces.
func (p *Provider) GetAdapter(_ context.Context, adapterType, namespace string) (hrana.Adapter, error) {
	if err := checkAdapterType(adapterType); err != nil {
		return nil, err
	}
	if !namespaceRe.MatchString(namespace) {
		return nil, errors.NewInvalidRequestError("invalid namespace %q", namespace)
	}
	return p.open(namespace, filepath.Join(p.dataDir, "namespaces", namespace+".db"))
}

// GetRootAdapter implements hrana.Provider for the root database.
func (p *Provider) GetRootAdapter(_ context.Context, adapterType string) (hrana.Adapter, error) {
	if err := checkAdapterType(adapterType); err != nil {
		return nil, err
	}
	return p.open("", filepath.Join(p.dataDir, "root.db"))
}

func checkAdapterType(adapterType string) error {
	if adapterType != AdapterTypeSQLite && adapterType != "" {
		return errors.Wrapf(errors.ErrAdapterNotFound, "adapter type %q", adapterType)
	}
	return nil
}

func (p *Provider) open(namespace, path string) (hrana.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrDatabaseClosed
	}
	if adapter, ok := p.adapters[namespace]; ok {
		return adapter, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create database directory for %q", namespace)
	}
	handle, err := Open(path, p.log)
	if err != nil {
		return nil, errors.Wrapf(err, "open database for namespace %q", namespace)
	}

	// One connection per database keeps a session's BEGIN, its statements
	// and its COMMIT on the same SQLite handle. SQLite serializes writers
	// anyway, so this costs little.
	handle.SetMaxOpenConns(1)

	adapter := NewSQLiteAdapter(handle, p.log)
	p.adapters[namespace] = adapter
	p.dbs[namespace] = handle

	p.log.Infow("Tenant database opened",
		logger.FieldNamespace, namespace,
		logger.FieldPath, path,
	)
	return adapter, nil
}

// Namespaces lists the currently open namespaces, root included as "".
func (p *Provider) Namespaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.adapters))
	for ns := range p.adapters {
		out = append(out, ns)
	}
	return out
}

// Close closes every opened database. Further adapter lookups fail with
// ErrDatabaseClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for ns, handle := range p.dbs {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close database %q", ns)
		}
	}
	p.adapters = make(map[string]*SQLiteAdapter)
	p.dbs = make(map[string]*sql.DB)
	return firstErr
}
