package broker

import (
	"fmt"
	"math"
	"sort"
)

// Header is one message property supplied by a caller.
type Header struct {
	Key   string
	Value any
}

// Headers is an ordered set of message properties.
type Headers []Header

// HeadersFromMap converts a map to Headers sorted by key.
func HeadersFromMap(m map[string]any) Headers {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Headers, 0, len(keys))
	for _, k := range keys {
		out = append(out, Header{Key: k, Value: m[k]})
	}
	return out
}

// ValidateValue reports whether v is a primitive that can travel as a
// message property: string, bool, integer or floating point number.
func ValidateValue(v any) error {
	switch x := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint8, uint16, uint32:
		return nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return fmt.Errorf("%w: unsigned value %d overflows int64", ErrHeaderConversionFailed, x)
		}
		return nil
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("%w: unsigned value %d overflows int64", ErrHeaderConversionFailed, x)
		}
		return nil
	case float32:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite number", ErrHeaderConversionFailed)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: nil value", ErrHeaderConversionFailed)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrHeaderConversionFailed, v)
	}
}

// NormalizeValue maps the accepted primitive types onto string, bool, int64
// and float64. Values that fail ValidateValue are returned unchanged.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x)
		}
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
	case float32:
		return float64(x)
	}
	return v
}
