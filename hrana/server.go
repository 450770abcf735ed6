package hrana

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

// DefaultAdapterType is assumed when a request names no adapter.
const DefaultAdapterType = "sqlite"

// Server executes pipelines. It owns the session table and resolves
// adapters through the configured provider; everything else is per-call
// state, so one Server serves all tenants concurrently.
type Server struct {
	provider Provider
	sessions *sessionManager
	baseURL  string
	log      *zap.SugaredLogger
}

// Options configures a Server.
type Options struct {
	// Provider resolves adapters per request. Required.
	Provider Provider
	// BaseURL is advertised to clients in every pipeline response so
	// they can pin follow-up requests. Empty is valid and means "same
	// place you reached me".
	BaseURL string
	Log     *zap.SugaredLogger
}

// NewServer builds a pipeline server and starts its session sweeper.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		provider: opts.Provider,
		sessions: newSessionManager(log, sessionTTL, sweepInterval),
		baseURL:  opts.BaseURL,
		log:      log,
	}
}

// Close stops the session sweeper and invalidates every live baton.
func (s *Server) Close() {
	s.sessions.close()
}

// SessionCount reports live sessions, for the runtime metrics endpoint.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// Pipeline executes one pipeline request. It never returns an error: all
// failures, from an unresolvable adapter to a malformed statement, surface
// as typed error results so the HTTP layer always answers 200 with a
// well-formed body.
func (s *Server) Pipeline(ctx context.Context, adapterType, namespace string, req *PipelineRequest) *PipelineResponse {
	start := time.Now()
	if adapterType == "" {
		adapterType = DefaultAdapterType
	}

	var sess *session
	var adapter Adapter

	if req.Baton != "" {
		found, err := s.sessions.get(req.Baton)
		if err != nil {
			return s.failPipeline(err)
		}
		sess = found
		adapter = sess.adapter
	} else {
		resolved, err := s.resolveAdapter(ctx, adapterType, namespace)
		if err != nil {
			return s.failPipeline(errors.Wrapf(errors.ErrAdapterNotFound, "adapter %q namespace %q: %v", adapterType, namespace, err))
		}
		adapter = resolved
		if opensTransaction(req.Requests) {
			sess = s.sessions.create(adapter)
		}
	}

	// Nothing stops two clients from presenting one baton at the same
	// time; the session lock makes them take turns instead of racing on
	// the stored-SQL table. The receiver is pinned here, so the unlock
	// still fires after a close request clears sess.
	if sess != nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
	}

	results := make([]StreamResult, 0, len(req.Requests))
	for i := range req.Requests {
		result, closed := s.execRequest(ctx, adapter, sess, &req.Requests[i])
		results = append(results, result)
		if closed && sess != nil {
			s.sessions.remove(sess.id)
			sess = nil
		}
	}

	resp := &PipelineResponse{BaseURL: s.baseURL, Results: results}
	if sess != nil {
		resp.Baton = &sess.id
	}

	s.log.Debugw("Pipeline executed",
		logger.FieldAdapter, adapterType,
		logger.FieldNamespace, namespace,
		logger.FieldCount, len(req.Requests),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return resp
}

// failPipeline answers a pipeline whose setup failed before any request
// ran: one error result, null baton.
func (s *Server) failPipeline(err error) *PipelineResponse {
	return &PipelineResponse{
		BaseURL: s.baseURL,
		Results: []StreamResult{errResult(protocolError(err))},
	}
}

func (s *Server) resolveAdapter(ctx context.Context, adapterType, namespace string) (Adapter, error) {
	if namespace != "" {
		return s.provider.GetAdapter(ctx, adapterType, namespace)
	}
	return s.provider.GetRootAdapter(ctx, adapterType)
}

// execRequest dispatches one stream request. The second return is true for
// a close request, which tears down the session after its result is
// recorded.
func (s *Server) execRequest(ctx context.Context, adapter Adapter, sess *session, req *StreamRequest) (StreamResult, bool) {
	switch req.Type {
	case RequestExecute:
		if req.Stmt == nil {
			return errResult(protocolError(errors.NewInvalidRequestError("execute request missing stmt"))), false
		}
		result, err := s.execStmt(ctx, adapter, sess, req.Stmt)
		if err != nil {
			return errResult(protocolError(err)), false
		}
		return okResult(RequestExecute, result), false

	case RequestBatch:
		if req.Batch == nil {
			return errResult(protocolError(errors.NewInvalidRequestError("batch request missing batch"))), false
		}
		return okResult(RequestBatch, s.execBatch(ctx, adapter, sess, req.Batch)), false

	case RequestSequence:
		sql, err := s.resolveRequestSQL(sess, req)
		if err != nil {
			return errResult(protocolError(err)), false
		}
		if err := s.execSequence(ctx, adapter, sess, sql); err != nil {
			return errResult(protocolError(err)), false
		}
		return okResult(RequestSequence, nil), false

	case RequestDescribe:
		sql, err := s.resolveRequestSQL(sess, req)
		if err != nil {
			return errResult(protocolError(err)), false
		}
		return okResult(RequestDescribe, describeSQL(sql)), false

	case RequestStoreSQL:
		if sess == nil {
			return errResult(protocolError(errors.Wrap(errors.ErrNoSession, "store_sql requires an active session"))), false
		}
		if req.SQLID == nil {
			return errResult(protocolError(errors.NewInvalidRequestError("store_sql missing sql_id"))), false
		}
		sess.storedSQL[*req.SQLID] = req.SQL
		return okResult(RequestStoreSQL, nil), false

	case RequestCloseSQL:
		// Closing an id the session never stored, or closing without a
		// session at all, succeeds vacuously.
		if sess != nil && req.SQLID != nil {
			delete(sess.storedSQL, *req.SQLID)
		}
		return okResult(RequestCloseSQL, nil), false

	case RequestClose:
		return okResult(RequestClose, nil), true

	case RequestGetAutocommit:
		return okResult(RequestGetAutocommit, &AutocommitResult{IsAutocommit: true}), false

	default:
		return errResult(&Error{
			Code:    CodeInvalidRequest,
			Message: "unknown request type " + strconv.Quote(req.Type),
		}), false
	}
}

// execStmt resolves a statement's SQL and arguments, runs it, and encodes
// the result.
func (s *Server) execStmt(ctx context.Context, adapter Adapter, sess *session, stmt *Stmt) (*StmtResult, error) {
	sql, err := resolveStmtSQL(sess, stmt)
	if err != nil {
		return nil, err
	}

	result, err := adapter.Execute(ctx, sql, stmtArgs(stmt))
	if err != nil {
		return nil, err
	}
	if sess != nil {
		trackTransaction(sess, sql)
	}

	out := &StmtResult{
		Cols:             make([]Col, 0, len(result.Columns)),
		AffectedRowCount: result.RowsAffected,
	}
	for _, name := range result.Columns {
		out.Cols = append(out.Cols, Col{Name: name})
	}
	if result.LastInsertID != 0 {
		id := strconv.FormatInt(result.LastInsertID, 10)
		out.LastInsertRowID = &id
	}
	if stmt.wantRows() {
		out.Rows = make([][]Value, 0, len(result.Rows))
		for _, row := range result.Rows {
			out.Rows = append(out.Rows, ToRow(row))
		}
	}
	return out, nil
}

// execBatch runs steps in order, skipping those whose condition fails.
// Step errors are recorded in place and never abort the batch.
func (s *Server) execBatch(ctx context.Context, adapter Adapter, sess *session, batch *Batch) *BatchResult {
	n := len(batch.Steps)
	out := &BatchResult{
		StepResults: make([]*StmtResult, n),
		StepErrors:  make([]*Error, n),
	}

	for i := range batch.Steps {
		step := &batch.Steps[i]
		if !condPasses(step.Condition, i, out) {
			continue
		}
		result, err := s.execStmt(ctx, adapter, sess, &step.Stmt)
		if err != nil {
			out.StepErrors[i] = protocolError(err)
			continue
		}
		out.StepResults[i] = result
	}
	return out
}

// condPasses evaluates a batch condition against the outcomes of steps
// before index i. References at or beyond i fail silently rather than
// erroring, and an empty or unrecognized condition always passes.
func condPasses(c *BatchCond, i int, out *BatchResult) bool {
	if c == nil {
		return true
	}
	switch {
	case c.Ok != nil:
		n := int(*c.Ok)
		return n >= 0 && n < i && out.StepResults[n] != nil
	case c.Error != nil:
		n := int(*c.Error)
		return n >= 0 && n < i && out.StepErrors[n] != nil
	case c.Not != nil:
		return !condPasses(c.Not, i, out)
	case c.And != nil:
		for j := range c.And {
			if !condPasses(&c.And[j], i, out) {
				return false
			}
		}
		return true
	case c.Or != nil:
		for j := range c.Or {
			if condPasses(&c.Or[j], i, out) {
				return true
			}
		}
		return false
	case c.IsAutocommit != nil:
		// This server has no connection-level autocommit toggle, so the
		// reported state is constant true.
		return *c.IsAutocommit
	default:
		return true
	}
}

// execSequence splits on semicolons and runs each non-empty statement.
// The first failure aborts the rest.
func (s *Server) execSequence(ctx context.Context, adapter Adapter, sess *session, sql string) error {
	for _, stmt := range strings.Split(sql, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := adapter.Execute(ctx, stmt, nil); err != nil {
			return err
		}
		if sess != nil {
			trackTransaction(sess, stmt)
		}
	}
	return nil
}

// describeSQL classifies a statement by prefix. The core does not parse
// SQL, so cols and params are always empty.
func describeSQL(sql string) *DescribeResult {
	d := &DescribeResult{Params: []DescribeParam{}, Cols: []Col{}}
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "EXPLAIN"):
		d.IsReadonly = true
		d.IsExplain = strings.HasPrefix(upper, "EXPLAIN")
	case strings.HasPrefix(upper, "CREATE"), strings.HasPrefix(upper, "DROP"), strings.HasPrefix(upper, "ALTER"):
		d.IsDDL = true
	}
	return d
}

// resolveStmtSQL returns a statement's text, looking sql_id up in the
// session's stored-SQL map.
func resolveStmtSQL(sess *session, stmt *Stmt) (string, error) {
	if stmt.SQL != nil {
		return *stmt.SQL, nil
	}
	if stmt.SQLID != nil {
		return lookupStoredSQL(sess, *stmt.SQLID)
	}
	return "", errors.NewInvalidRequestError("stmt has neither sql nor sql_id")
}

// resolveRequestSQL does the same for requests that carry SQL directly
// (sequence, describe).
func (s *Server) resolveRequestSQL(sess *session, req *StreamRequest) (string, error) {
	if req.SQL != "" {
		return req.SQL, nil
	}
	if req.SQLID != nil {
		return lookupStoredSQL(sess, *req.SQLID)
	}
	return "", errors.NewInvalidRequestError("%s request has neither sql nor sql_id", req.Type)
}

func lookupStoredSQL(sess *session, id int32) (string, error) {
	if sess == nil {
		return "", errors.Wrap(errors.ErrNoSession, "sql_id reference requires an active session")
	}
	sql, ok := sess.storedSQL[id]
	if !ok {
		return "", errors.NewNotFoundError("sql_id %d not stored", id)
	}
	return sql, nil
}

// stmtArgs flattens arguments to the positional list adapters take.
// Positional args win when both forms are present; named values are
// submitted in declared order, and parameter-name binding is the
// adapter's concern.
func stmtArgs(stmt *Stmt) []any {
	if len(stmt.Args) > 0 {
		return FromValues(stmt.Args)
	}
	if len(stmt.NamedArgs) > 0 {
		out := make([]any, len(stmt.NamedArgs))
		for i, arg := range stmt.NamedArgs {
			out[i] = FromValue(arg.Value)
		}
		return out
	}
	return nil
}

// opensTransaction reports whether any request in the pipeline starts a
// transaction, which is what makes a batonless pipeline worth a session.
func opensTransaction(reqs []StreamRequest) bool {
	for i := range reqs {
		req := &reqs[i]
		if req.Stmt != nil && req.Stmt.SQL != nil && isTransactionSQL(*req.Stmt.SQL) {
			return true
		}
		if req.Batch != nil {
			for j := range req.Batch.Steps {
				stmt := &req.Batch.Steps[j].Stmt
				if stmt.SQL != nil && isTransactionSQL(*stmt.SQL) {
					return true
				}
			}
		}
		if req.SQL != "" && isTransactionSQL(req.SQL) {
			return true
		}
	}
	return false
}

func isTransactionSQL(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "BEGIN") || strings.Contains(upper, "TRANSACTION")
}

// trackTransaction maintains the session's transaction flag. The flag is
// observability-only; the underlying connection owns the real state.
func trackTransaction(sess *session, sql string) {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(upper, "BEGIN"):
		sess.inTransaction = true
	case strings.HasPrefix(upper, "COMMIT"), strings.HasPrefix(upper, "ROLLBACK"), strings.HasPrefix(upper, "END"):
		sess.inTransaction = false
	}
}
