package kv

import (
	"context"
	"database/sql"
	"strings"

	"github.com/teranos/buntime/errors"
)

// Store is the persistent key/value service the plugin publishes. Keys
// live inside namespaces; a key may contain slashes, which makes List
// prefixes behave like directory listings.
type Store interface {
	// Get returns the stored value. Missing keys satisfy
	// errors.IsNotFoundError.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// List returns the keys in namespace starting with prefix, sorted.
	// An empty prefix lists the whole namespace.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// sqliteStore keeps all namespaces in one kv_store table, scoped by the
// namespace column.
type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("key %q not found in namespace %q", key, namespace)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read key")
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if key == "" {
		return errors.NewInvalidRequestError("key must not be empty")
	}
	if value == nil {
		// The column is NOT NULL; a nil slice binds as NULL.
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value,
	)
	if err != nil {
		return errors.Wrap(err, "failed to write key")
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_store WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return errors.Wrap(err, "failed to delete key")
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_store WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
		namespace, escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	return keys, nil
}

// escapeLike neutralizes LIKE wildcards so prefixes match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
