package db

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/buntime/hrana"
)

// SQLiteAdapter runs pipeline statements against one SQLite database. Row
// queries and mutations take different database/sql paths, so the statement
// text decides which to use.
type SQLiteAdapter struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewSQLiteAdapter wraps an open database. The adapter does not own the
// handle; closing it is the caller's (usually the provider's) job.
func NewSQLiteAdapter(db *sql.DB, log *zap.SugaredLogger) *SQLiteAdapter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SQLiteAdapter{db: db, log: log}
}

// Execute implements hrana.Adapter.
func (a *SQLiteAdapter) Execute(ctx context.Context, sqlText string, args []any) (*hrana.Result, error) {
	if returnsRows(sqlText) {
		return a.query(ctx, sqlText, args)
	}
	return a.exec(ctx, sqlText, args)
}

func (a *SQLiteAdapter) query(ctx context.Context, sqlText string, args []any) (*hrana.Result, error) {
	rows, err := a.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, wrapSQLiteError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapSQLiteError(err)
	}

	out := &hrana.Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapSQLiteError(err)
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteError(err)
	}
	return out, nil
}

func (a *SQLiteAdapter) exec(ctx context.Context, sqlText string, args []any) (*hrana.Result, error) {
	result, err := a.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, wrapSQLiteError(err)
	}

	out := &hrana.Result{Columns: []string{}}
	// Both values are best-effort: some statements (PRAGMA writes, DDL)
	// report neither.
	if affected, err := result.RowsAffected(); err == nil {
		out.RowsAffected = affected
	}
	if last, err := result.LastInsertId(); err == nil {
		out.LastInsertID = last
	}
	return out, nil
}

// returnsRows classifies a statement by its leading keyword, plus the
// RETURNING clause that turns a mutation into a row source.
func returnsRows(sqlText string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sqlText))
	for _, prefix := range [...]string{"SELECT", "PRAGMA", "WITH", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return strings.Contains(upper, " RETURNING ")
}
