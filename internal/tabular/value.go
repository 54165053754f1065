// Package tabular defines the typed values and tables persisted by every
// metascribe backend, plus the Parquet codec several backends share.
//
// # Value kinds
//
// A [Value] is a tagged variant. Go types map onto kinds the way SQLite maps
// types onto storage classes:
//
//	nil                        → Null
//	int, int8..int64, uint..   → Integer
//	float32, float64           → Real
//	everything else            → Text (fmt.Sprint, or the string itself)
//
// Kinds are decided once, at the call boundary, by [Infer] or [Parse]. After
// that, backends only switch on [Kind].
package tabular

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errUnknownKind = errors.New("unknown kind")

// Kind is the storage class of a Value.
type Kind int

const (
	// KindNull is the zero Kind; the zero Value is null.
	KindNull Kind = iota
	// KindInteger stores a signed 64 bits integer.
	KindInteger
	// KindReal stores a 64 bits floating point number.
	KindReal
	// KindText stores UTF-8 text.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < KindNull || k > KindText {
		return nil, fmt.Errorf("%w: %d", errUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "null":
		*k = KindNull
	case "integer":
		*k = KindInteger
	case "real":
		*k = KindReal
	case "text":
		*k = KindText
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, b)
	}
	return nil
}

// Value is a single cell. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Int returns an Integer Value.
func Int(v int64) Value { return Value{kind: KindInteger, i: v} }

// Real returns a Real Value.
func Real(v float64) Value { return Value{kind: KindReal, f: v} }

// Text returns a Text Value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Kind returns the storage class of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns the integer payload. Real values are truncated, Text values
// are parsed; anything else yields 0.
func (v Value) Int64() int64 {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return int64(v.f)
	case KindText:
		if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// Float64 returns the real payload, converting integers and numeric text.
func (v Value) Float64() float64 {
	switch v.kind {
	case KindInteger:
		return float64(v.i)
	case KindReal:
		return v.f
	case KindText:
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return f
		}
	}
	return 0
}

// String returns the text representation of v. Null is the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return v.s
	default:
		return ""
	}
}

// Any returns v as a plain Go value: nil, int64, float64 or string.
func (v Value) Any() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return v.s
	default:
		return nil
	}
}

// Equal reports whether v and o have the same kind and payload. NaN equals
// NaN so that round trips through storage compare equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindReal:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindText:
		return v.s == o.s
	default:
		return true
	}
}

// Infer converts a Go value into a Value.
func Infer(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Real(float64(t))
	case float64:
		return Real(t)
	case string:
		return Text(t)
	case fmt.Stringer:
		return Text(t.String())
	default:
		return Text(fmt.Sprint(t))
	}
}

// Parse converts command line text into a Value: well formed integers become
// Integer, well formed reals become Real, the rest stays Text. Surrounding
// whitespace is ignored for the numeric checks only.
func Parse(s string) Value {
	trimmed := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return Int(i)
	}
	if looksNumeric(trimmed) {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return Real(f)
		}
	}
	return Text(s)
}

// looksNumeric rejects the words strconv.ParseFloat accepts ("inf", "nan",
// "infinity") so that job names such as "Inf" stay text.
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '.', c == 'e', c == 'E', c == '+', c == '-':
		default:
			return false
		}
	}
	return true
}

// Field is a named Value, used for single-record writes.
type Field struct {
	Name  string
	Value Value
}
