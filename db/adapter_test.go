package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/hrana"
	buntesting "github.com/teranos/buntime/internal/testing"
)

func newMemoryAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	return NewSQLiteAdapter(buntesting.CreateTestDB(t), nil)
}

func TestSQLiteAdapterExecute(t *testing.T) {
	adapter := newMemoryAdapter(t)
	ctx := context.Background()

	created, err := adapter.Execute(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, score REAL, data BLOB)", nil)
	require.NoError(t, err)
	assert.Empty(t, created.Columns)

	inserted, err := adapter.Execute(ctx,
		"INSERT INTO users (name, score, data) VALUES (?, ?, ?)",
		[]any{"alice", 9.5, []byte{0x01, 0x02}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.RowsAffected)
	assert.Equal(t, int64(1), inserted.LastInsertID)

	_, err = adapter.Execute(ctx, "INSERT INTO users (name, score, data) VALUES (?, NULL, NULL)", []any{"bob"})
	require.NoError(t, err)

	rows, err := adapter.Execute(ctx, "SELECT id, name, score, data FROM users ORDER BY id", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "score", "data"}, rows.Columns)
	require.Len(t, rows.Rows, 2)

	assert.Equal(t, int64(1), rows.Rows[0][0])
	assert.Equal(t, "alice", rows.Rows[0][1])
	assert.Equal(t, 9.5, rows.Rows[0][2])
	assert.Equal(t, []byte{0x01, 0x02}, rows.Rows[0][3])

	assert.Nil(t, rows.Rows[1][2], "SQL NULL scans to nil")
	assert.Nil(t, rows.Rows[1][3])
}

func TestSQLiteAdapterQueryClassification(t *testing.T) {
	tests := []struct {
		sql  string
		rows bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"PRAGMA table_info(users)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"EXPLAIN QUERY PLAN SELECT 1", true},
		{"VALUES (1), (2)", true},
		{"INSERT INTO t VALUES (1) RETURNING id", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET x = 1", false},
		{"CREATE TABLE t (id INTEGER)", false},
		{"BEGIN", false},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.rows, returnsRows(tt.sql))
		})
	}
}

func TestSQLiteAdapterErrorCodes(t *testing.T) {
	adapter := newMemoryAdapter(t)
	ctx := context.Background()

	_, err := adapter.Execute(ctx, "CREATE TABLE users (email TEXT PRIMARY KEY)", nil)
	require.NoError(t, err)
	_, err = adapter.Execute(ctx, "INSERT INTO users VALUES ('a@example.com')", nil)
	require.NoError(t, err)

	t.Run("constraint violations carry the extended code", func(t *testing.T) {
		_, err := adapter.Execute(ctx, "INSERT INTO users VALUES ('a@example.com')", nil)
		require.Error(t, err)

		var ae *hrana.AdapterError
		require.True(t, errors.As(err, &ae), "driver errors must be wrapped for the pipeline")
		assert.NotZero(t, ae.Number)
		assert.Equal(t, int(sqlite3.ErrConstraint), ae.Number&0xff,
			"primary code survives in the low byte")
	})

	t.Run("syntax errors normalize to SQLITE_ERROR", func(t *testing.T) {
		_, err := adapter.Execute(ctx, "SELEC 1", nil)
		require.Error(t, err)
		assert.Equal(t, "SQLITE_ERROR", hrana.NormalizeError(err).Code)
	})

	t.Run("missing table normalizes to SQLITE_ERROR", func(t *testing.T) {
		_, err := adapter.Execute(ctx, "SELECT * FROM missing", nil)
		require.Error(t, err)
		assert.Equal(t, "SQLITE_ERROR", hrana.NormalizeError(err).Code)
	})
}

func TestSQLiteAdapterStatementRouting(t *testing.T) {
	// sqlmock distinguishes Exec from Query, which pins down which
	// database/sql path each statement class takes.
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	adapter := NewSQLiteAdapter(handle, nil)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO t").
		WithArgs("x").
		WillReturnResult(sqlmock.NewResult(3, 1))
	result, err := adapter.Execute(ctx, "INSERT INTO t (name) VALUES (?)", []any{"x"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.LastInsertID)
	assert.Equal(t, int64(1), result.RowsAffected)

	mock.ExpectQuery("SELECT name FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("x"))
	result, err = adapter.Execute(ctx, "SELECT name FROM t", nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAdapterNonDriverErrorsPassThrough(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	adapter := NewSQLiteAdapter(handle, nil)

	boom := errors.New("connection reset")
	mock.ExpectExec("UPDATE t").WillReturnError(boom)

	_, err = adapter.Execute(context.Background(), "UPDATE t SET x = 1", nil)
	require.Error(t, err)

	var ae *hrana.AdapterError
	assert.False(t, errors.As(err, &ae), "non-sqlite errors are not given fake codes")
}
