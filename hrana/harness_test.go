package hrana

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
)

// fakeAdapter stands in for a database adapter. Statements whose text
// starts with FAIL error out; everything else answers through the scripted
// handler, or with an empty result when none is set.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	execLog []string
	handler func(sql string, args []any) (*Result, error)
}

func (a *fakeAdapter) Execute(_ context.Context, sql string, args []any) (*Result, error) {
	a.mu.Lock()
	a.execLog = append(a.execLog, sql)
	a.mu.Unlock()

	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "FAIL") {
		return nil, NewAdapterError(1, errors.Newf("scripted failure for %q", sql))
	}
	if a.handler != nil {
		return a.handler(sql, args)
	}
	return &Result{Columns: []string{}, Rows: [][]any{}}, nil
}

// executed returns a snapshot of the statements seen so far.
func (a *fakeAdapter) executed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.execLog))
	copy(out, a.execLog)
	return out
}

// fakeProvider hands out adapters keyed by "type/namespace", recording
// what was asked for. A nil map entry falls back to the root adapter.
type fakeProvider struct {
	root *fakeAdapter

	mu         sync.Mutex
	namespaced map[string]*fakeAdapter
	requests   []string
	err        error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		root:       &fakeAdapter{name: "root"},
		namespaced: make(map[string]*fakeAdapter),
	}
}

func (p *fakeProvider) GetAdapter(_ context.Context, adapterType, namespace string) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, adapterType+"/"+namespace)
	if p.err != nil {
		return nil, p.err
	}
	key := adapterType + "/" + namespace
	if a, ok := p.namespaced[key]; ok {
		return a, nil
	}
	a := &fakeAdapter{name: key}
	p.namespaced[key] = a
	return a, nil
}

func (p *fakeProvider) GetRootAdapter(_ context.Context, adapterType string) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, adapterType+"/")
	if p.err != nil {
		return nil, p.err
	}
	return p.root, nil
}

// newTestServer builds a pipeline server over a fresh fake provider.
func newTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider()
	s := NewServer(Options{Provider: provider, Log: zap.NewNop().Sugar()})
	t.Cleanup(s.Close)
	return s, provider
}

// Shorthand constructors for pointer-typed wire fields.

func sqlStmt(sql string) *Stmt {
	return &Stmt{SQL: &sql}
}

func int32p(v int32) *int32 { return &v }

func boolp(v bool) *bool { return &v }

func execRequest(sql string) StreamRequest {
	return StreamRequest{Type: RequestExecute, Stmt: sqlStmt(sql)}
}
