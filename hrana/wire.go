// Package hrana implements the HRANA-over-HTTP pipeline protocol that
// workers use to reach their tenant databases. A pipeline is a single POST
// carrying an ordered list of stream requests; the server executes them
// strictly in order against one database adapter and returns one result per
// request. Multi-request transactions are linked across pipelines by a
// baton: an opaque session token minted when a pipeline opens a transaction
// and invalidated by close, expiry, or server restart.
package hrana

import "encoding/json"

// Stream request types accepted in a pipeline.
const (
	RequestExecute       = "execute"
	RequestBatch         = "batch"
	RequestSequence      = "sequence"
	RequestDescribe      = "describe"
	RequestStoreSQL      = "store_sql"
	RequestCloseSQL      = "close_sql"
	RequestClose         = "close"
	RequestGetAutocommit = "get_autocommit"
)

// PipelineRequest is the decoded body of one POST to the pipeline endpoint.
// A null or absent baton means the caller has no session; an unknown or
// expired baton fails the whole pipeline without executing anything.
type PipelineRequest struct {
	Baton    string          `json:"baton"`
	Requests []StreamRequest `json:"requests"`
}

// PipelineResponse mirrors PipelineRequest: one result per request, in
// order. Baton is null when no session survives the pipeline.
type PipelineResponse struct {
	BaseURL string         `json:"base_url,omitempty"`
	Baton   *string        `json:"baton"`
	Results []StreamResult `json:"results"`
}

// StreamRequest is one operation inside a pipeline, discriminated by Type.
// Only the fields relevant to the type are populated.
type StreamRequest struct {
	Type  string `json:"type"`
	Stmt  *Stmt  `json:"stmt,omitempty"`
	Batch *Batch `json:"batch,omitempty"`

	// SQL carries the statement text for sequence and store_sql.
	SQL string `json:"sql,omitempty"`
	// SQLID names a stored statement for store_sql and close_sql.
	SQLID *int32 `json:"sql_id,omitempty"`
}

// Stmt is a single SQL statement with its arguments. Exactly one of SQL or
// SQLID identifies the text; SQLID references a statement stored earlier in
// the same session.
type Stmt struct {
	SQL       *string    `json:"sql,omitempty"`
	SQLID     *int32     `json:"sql_id,omitempty"`
	Args      []Value    `json:"args,omitempty"`
	NamedArgs []NamedArg `json:"named_args,omitempty"`
	WantRows  *bool      `json:"want_rows,omitempty"`
}

// wantRows defaults to true when the field is absent.
func (s *Stmt) wantRows() bool {
	return s.WantRows == nil || *s.WantRows
}

// NamedArg binds a value to a named placeholder.
type NamedArg struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Batch is an ordered list of conditional steps executed as one request.
type Batch struct {
	Steps []BatchStep `json:"steps"`
}

// BatchStep runs its statement only when Condition evaluates true against
// the outcomes of earlier steps. A nil condition always runs.
type BatchStep struct {
	Condition *BatchCond `json:"condition,omitempty"`
	Stmt      Stmt       `json:"stmt"`
}

// BatchCond is a predicate over prior step outcomes. At most one field is
// set; an empty condition passes. Step references outside the range of
// already-executed steps evaluate false rather than erroring.
type BatchCond struct {
	Ok           *int32      `json:"ok,omitempty"`
	Error        *int32      `json:"error,omitempty"`
	Not          *BatchCond  `json:"not,omitempty"`
	And          []BatchCond `json:"and,omitempty"`
	Or           []BatchCond `json:"or,omitempty"`
	IsAutocommit *bool       `json:"is_autocommit,omitempty"`
}

// StreamResult is the outcome of one stream request: either ok with a typed
// response or error with a protocol error. Pipelines never fail requests by
// throwing; every failure lands here.
type StreamResult struct {
	Type     string    `json:"type"`
	Response *Response `json:"response,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Response wraps the per-type payload of a successful request. Type echoes
// the request type; Result is nil for acknowledgement-only types such as
// store_sql and close.
type Response struct {
	Type   string `json:"type"`
	Result any    `json:"result,omitempty"`
}

// Error is the protocol-level error shape. Code is one of the SQLITE_*
// style strings or a protocol code like NO_SESSION.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Protocol error codes minted by the pipeline itself (as opposed to codes
// normalized from adapter failures).
const (
	CodeNoSession       = "NO_SESSION"
	CodeInvalidBaton    = "INVALID_BATON"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeSQLNotFound     = "SQL_NOT_FOUND"
	CodeAdapterNotFound = "ADAPTER_NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// StmtResult reports one executed statement. LastInsertRowID is rendered as
// a decimal string to survive JSON number precision limits. A nil Rows
// means the statement ran with want_rows false and the field is omitted
// from the encoding; a query with no matches carries an empty array.
type StmtResult struct {
	Cols             []Col     `json:"cols"`
	Rows             [][]Value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
	LastInsertRowID  *string   `json:"last_insert_rowid,omitempty"`
}

// MarshalJSON distinguishes "no rows requested" (field absent) from "no
// rows matched" (empty array), which omitempty cannot express.
func (r *StmtResult) MarshalJSON() ([]byte, error) {
	cols := r.Cols
	if cols == nil {
		cols = []Col{}
	}
	if r.Rows == nil {
		return json.Marshal(struct {
			Cols             []Col   `json:"cols"`
			AffectedRowCount int64   `json:"affected_row_count"`
			LastInsertRowID  *string `json:"last_insert_rowid,omitempty"`
		}{cols, r.AffectedRowCount, r.LastInsertRowID})
	}
	return json.Marshal(struct {
		Cols             []Col     `json:"cols"`
		Rows             [][]Value `json:"rows"`
		AffectedRowCount int64     `json:"affected_row_count"`
		LastInsertRowID  *string   `json:"last_insert_rowid,omitempty"`
	}{cols, r.Rows, r.AffectedRowCount, r.LastInsertRowID})
}

// Col names one result column.
type Col struct {
	Name string `json:"name"`
}

// BatchResult holds per-step outcomes. Both slices are exactly as long as
// the batch's step list; a skipped step is null in both.
type BatchResult struct {
	StepResults []*StmtResult `json:"step_results"`
	StepErrors  []*Error      `json:"step_errors"`
}

// MarshalJSON keeps step_results and step_errors as explicit null-filled
// arrays instead of omitting them, which clients index positionally.
func (b *BatchResult) MarshalJSON() ([]byte, error) {
	type alias BatchResult
	a := alias(*b)
	if a.StepResults == nil {
		a.StepResults = []*StmtResult{}
	}
	if a.StepErrors == nil {
		a.StepErrors = []*Error{}
	}
	return json.Marshal(a)
}

// DescribeResult classifies a statement without executing it.
type DescribeResult struct {
	Params     []DescribeParam `json:"params"`
	Cols       []Col           `json:"cols"`
	IsExplain  bool            `json:"is_explain"`
	IsReadonly bool            `json:"is_readonly"`
	IsDDL      bool            `json:"is_ddl"`
}

// DescribeParam names one statement parameter, when derivable.
type DescribeParam struct {
	Name *string `json:"name"`
}

// AutocommitResult answers get_autocommit.
type AutocommitResult struct {
	IsAutocommit bool `json:"is_autocommit"`
}

// okResult wraps a typed payload as a successful stream result.
func okResult(reqType string, result any) StreamResult {
	return StreamResult{
		Type:     "ok",
		Response: &Response{Type: reqType, Result: result},
	}
}

// errResult wraps a protocol error as a failed stream result.
func errResult(e *Error) StreamResult {
	return StreamResult{Type: "error", Error: e}
}
