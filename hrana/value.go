package hrana

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Value is the tagged wire encoding of one SQL value. Integers travel as
// decimal strings so 64-bit values survive JSON number precision; blobs
// travel base64-encoded under their own key.
//
//	{"type":"null"}
//	{"type":"integer","value":"42"}
//	{"type":"float","value":3.14}
//	{"type":"text","value":"hello"}
//	{"type":"blob","base64":"aGVsbG8="}
type Value struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// Value type tags.
const (
	TypeNull    = "null"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeText    = "text"
	TypeBlob    = "blob"
)

// maxSafeInteger is the largest integer JSON numbers represent exactly
// (2^53 - 1). Floats inside this range that carry no fractional part still
// encode as float; the bound only governs decoding foreign payloads that
// sent integers as numbers.
const maxSafeInteger = 1<<53 - 1

// NullValue is the encoding of SQL NULL.
func NullValue() Value {
	return Value{Type: TypeNull}
}

// ToValue encodes a Go value produced by a database adapter. Booleans
// become integer 0/1, all integer widths become decimal strings, byte
// slices become base64 blobs, and times render as RFC 3339 text. Values
// with no sensible SQL projection fall back to their string form.
func ToValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case bool:
		if t {
			return Value{Type: TypeInteger, Value: "1"}
		}
		return Value{Type: TypeInteger, Value: "0"}
	case int:
		return Value{Type: TypeInteger, Value: strconv.FormatInt(int64(t), 10)}
	case int8:
		return Value{Type: TypeInteger, Value: strconv.FormatInt(int64(t), 10)}
	case int16:
		return Value{Type: TypeInteger, Value: strconv.FormatInt(int64(t), 10)}
	case int32:
		return Value{Type: TypeInteger, Value: strconv.FormatInt(int64(t), 10)}
	case int64:
		return Value{Type: TypeInteger, Value: strconv.FormatInt(t, 10)}
	case uint:
		return Value{Type: TypeInteger, Value: strconv.FormatUint(uint64(t), 10)}
	case uint8:
		return Value{Type: TypeInteger, Value: strconv.FormatUint(uint64(t), 10)}
	case uint16:
		return Value{Type: TypeInteger, Value: strconv.FormatUint(uint64(t), 10)}
	case uint32:
		return Value{Type: TypeInteger, Value: strconv.FormatUint(uint64(t), 10)}
	case uint64:
		return Value{Type: TypeInteger, Value: strconv.FormatUint(t, 10)}
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	case string:
		return Value{Type: TypeText, Value: t}
	case []byte:
		return Value{Type: TypeBlob, Base64: base64.StdEncoding.EncodeToString(t)}
	case time.Time:
		return Value{Type: TypeText, Value: t.Format(time.RFC3339Nano)}
	default:
		return Value{Type: TypeText, Value: fmt.Sprintf("%v", v)}
	}
}

// floatValue guards against NaN and infinities, which JSON cannot carry.
func floatValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return NullValue()
	}
	return Value{Type: TypeFloat, Value: f}
}

// FromValue decodes a wire value into the Go value handed to adapters:
// nil, int64, float64, string, or []byte. Malformed payloads (unknown
// type tag, unparseable integer, bad base64) decode to nil rather than
// failing the request.
func FromValue(v Value) any {
	switch v.Type {
	case TypeNull, "":
		return nil
	case TypeInteger:
		return decodeInteger(v.Value)
	case TypeFloat:
		if f, ok := v.Value.(float64); ok {
			return f
		}
		return nil
	case TypeText:
		if s, ok := v.Value.(string); ok {
			return s
		}
		return nil
	case TypeBlob:
		b, err := base64.StdEncoding.DecodeString(v.Base64)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}

// decodeInteger accepts the canonical decimal-string form plus the JSON
// number form lenient clients send. Numbers outside the 2^53 safe range
// arrive imprecise, so only the string form is trusted for full 64 bits.
func decodeInteger(raw any) any {
	switch t := raw.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case float64:
		if t != math.Trunc(t) || math.Abs(t) > maxSafeInteger {
			return nil
		}
		return int64(t)
	default:
		return nil
	}
}

// FromValues decodes a positional argument list.
func FromValues(vals []Value) []any {
	if len(vals) == 0 {
		return nil
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = FromValue(v)
	}
	return out
}

// ToRow encodes one adapter row.
func ToRow(row []any) []Value {
	out := make([]Value, len(row))
	for i, v := range row {
		out[i] = ToValue(v)
	}
	return out
}
