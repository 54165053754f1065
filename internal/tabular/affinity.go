package tabular

import (
	"math"
	"strconv"
)

// Coercion follows SQLite column affinity:
//   - Text: numbers become their decimal representation
//   - Integer: whole reals and integer text become Integer
//   - Real: integers and numeric text become Real
//
// A value that cannot be represented in the target kind is returned unchanged,
// so the caller's validation reports the mismatch. Null stays null.

// Coerce converts v towards kind k.
func Coerce(v Value, k Kind) Value {
	if v.IsNull() || v.Kind() == k {
		return v
	}
	switch k {
	case KindText:
		return Text(v.String())
	case KindInteger:
		return coerceToInteger(v)
	case KindReal:
		return coerceToReal(v)
	default:
		return v
	}
}

func coerceToInteger(v Value) Value {
	switch v.Kind() {
	case KindReal:
		f := v.f
		if f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return Int(int64(f))
		}
	case KindText:
		if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return Int(i)
		}
	}
	return v
}

func coerceToReal(v Value) Value {
	switch v.Kind() {
	case KindInteger:
		return Real(float64(v.i))
	case KindText:
		if looksNumeric(v.s) {
			if f, err := strconv.ParseFloat(v.s, 64); err == nil {
				return Real(f)
			}
		}
	}
	return v
}

// Widen returns the kind able to hold both a and b without loss of meaning:
// equal kinds stay, Integer and Real widen to Real, anything with Text is Text.
// Null is absorbed by the other kind.
func Widen(a, b Kind) Kind {
	switch {
	case a == b:
		return a
	case a == KindNull:
		return b
	case b == KindNull:
		return a
	case (a == KindInteger && b == KindReal) || (a == KindReal && b == KindInteger):
		return KindReal
	default:
		return KindText
	}
}
