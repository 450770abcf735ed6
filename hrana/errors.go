package hrana

import (
	"strings"

	"github.com/teranos/buntime/errors"
)

// AdapterError carries a driver-level failure across the adapter boundary
// without binding the protocol core to any one driver. Code is a string
// error code when the driver has one ("SQLITE_BUSY", "ER_DUP_ENTRY");
// Number is the numeric SQLite result code (primary or extended) when only
// that is known.
type AdapterError struct {
	Code    string
	Number  int
	Message string
	cause   error
}

// NewAdapterError wraps a driver error with its numeric result code.
func NewAdapterError(number int, cause error) *AdapterError {
	return &AdapterError{Number: number, Message: cause.Error(), cause: cause}
}

func (e *AdapterError) Error() string { return e.Message }

// Unwrap exposes the driver error for errors.Is/As chains.
func (e *AdapterError) Unwrap() error { return e.cause }

// numericCodes maps SQLite result codes to their protocol names. Extended
// codes are matched first; unknown extended codes fall back to their
// primary (low byte) entry.
var numericCodes = map[int]string{
	1:  "SQLITE_ERROR",
	2:  "SQLITE_INTERNAL",
	3:  "SQLITE_PERM",
	4:  "SQLITE_ABORT",
	5:  "SQLITE_BUSY",
	6:  "SQLITE_LOCKED",
	7:  "SQLITE_NOMEM",
	8:  "SQLITE_READONLY",
	9:  "SQLITE_INTERRUPT",
	10: "SQLITE_IOERR",
	11: "SQLITE_CORRUPT",
	12: "SQLITE_NOTFOUND",
	13: "SQLITE_FULL",
	14: "SQLITE_CANTOPEN",
	15: "SQLITE_PROTOCOL",
	17: "SQLITE_SCHEMA",
	18: "SQLITE_TOOBIG",
	19: "SQLITE_CONSTRAINT",
	20: "SQLITE_MISMATCH",
	21: "SQLITE_MISUSE",
	23: "SQLITE_AUTH",
	25: "SQLITE_RANGE",
	26: "SQLITE_NOTADB",

	275:  "SQLITE_CONSTRAINT_CHECK",
	787:  "SQLITE_CONSTRAINT_FOREIGNKEY",
	1299: "SQLITE_CONSTRAINT_NOTNULL",
	1555: "SQLITE_CONSTRAINT_PRIMARYKEY",
	2067: "SQLITE_CONSTRAINT_ROWID",
}

// messageCodes infers a code from the driver message when no usable code
// accompanied the error. Checked in order; specific constraint kinds must
// precede the bare "constraint" entry.
var messageCodes = []struct {
	substr string
	code   string
}{
	{"unique constraint", "SQLITE_CONSTRAINT_UNIQUE"},
	{"duplicate", "SQLITE_CONSTRAINT_UNIQUE"},
	{"foreign key constraint", "SQLITE_CONSTRAINT_FOREIGNKEY"},
	{"not null constraint", "SQLITE_CONSTRAINT_NOTNULL"},
	{"primary key constraint", "SQLITE_CONSTRAINT_PRIMARYKEY"},
	{"check constraint", "SQLITE_CONSTRAINT_CHECK"},
	{"constraint", "SQLITE_CONSTRAINT"},
	{"busy", "SQLITE_BUSY"},
	{"locked", "SQLITE_BUSY"},
	{"readonly", "SQLITE_READONLY"},
	{"read-only", "SQLITE_READONLY"},
	{"syntax error", "SQLITE_ERROR"},
	{"near ", "SQLITE_ERROR"},
	{"no such table", "SQLITE_ERROR"},
	{"no such column", "SQLITE_ERROR"},
	{"authorization", "SQLITE_AUTH"},
	{"permission", "SQLITE_AUTH"},
}

// NormalizeError converts any adapter failure into the protocol's
// {code, message} shape. Resolution order: string codes pass through
// (uppercased unless already SQLITE_/LIBSQL_ prefixed), then numeric
// SQLite codes map through the fixed table, then message substrings are
// consulted, and anything left is SQLITE_ERROR.
func NormalizeError(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		if code := ae.Code; code != "" {
			if !strings.HasPrefix(code, "SQLITE_") && !strings.HasPrefix(code, "LIBSQL_") {
				code = strings.ToUpper(code)
			}
			return &Error{Message: ae.Message, Code: code}
		}
		if ae.Number != 0 {
			if code, ok := numericCodes[ae.Number]; ok {
				return &Error{Message: ae.Message, Code: code}
			}
			if code, ok := numericCodes[ae.Number&0xff]; ok {
				return &Error{Message: ae.Message, Code: code}
			}
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, m := range messageCodes {
		if strings.Contains(lower, m.substr) {
			return &Error{Message: msg, Code: m.code}
		}
	}
	return &Error{Message: msg, Code: "SQLITE_ERROR"}
}

// protocolError maps pipeline-level failures (as opposed to statement
// execution failures) to their protocol codes.
func protocolError(err error) *Error {
	switch {
	case errors.Is(err, errors.ErrNoSession):
		return &Error{Message: err.Error(), Code: CodeNoSession}
	case errors.Is(err, errors.ErrInvalidBaton):
		return &Error{Message: err.Error(), Code: CodeInvalidBaton}
	case errors.Is(err, errors.ErrInvalidRequest):
		return &Error{Message: err.Error(), Code: CodeInvalidRequest}
	case errors.Is(err, errors.ErrNotFound):
		return &Error{Message: err.Error(), Code: CodeSQLNotFound}
	case errors.Is(err, errors.ErrAdapterNotFound):
		return &Error{Message: err.Error(), Code: CodeAdapterNotFound}
	default:
		return NormalizeError(err)
	}
}
