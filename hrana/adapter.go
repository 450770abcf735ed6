package hrana

import "context"

// Result is an adapter's answer to one statement. Columns and Rows are
// populated for row-returning statements; RowsAffected and LastInsertID
// for mutations. Row values use the adapter's native Go types and are
// encoded to wire values by the pipeline.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	LastInsertID int64
}

// Adapter executes SQL against one tenant database. Implementations must
// be safe for concurrent use; the pipeline serializes statements within a
// session but distinct pipelines share adapters freely.
//
// Failed statements should return an *AdapterError (or wrap one) so the
// protocol can surface a stable error code; bare errors still work but
// fall back to message inference.
type Adapter interface {
	// Execute runs a single statement. Args are positional; named
	// parameter values have already been flattened into declared order
	// by the pipeline.
	Execute(ctx context.Context, sql string, args []any) (*Result, error)
}

// Provider resolves adapters by type and namespace. The adapter type comes
// from the x-database-adapter header ("sqlite" by default); the namespace
// isolates tenants, with the empty namespace denoting the root database.
type Provider interface {
	GetAdapter(ctx context.Context, adapterType, namespace string) (Adapter, error)
	GetRootAdapter(ctx context.Context, adapterType string) (Adapter, error)
}
