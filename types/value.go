// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "math"

// Operation arguments cross the wire as canonical JSON, so a value applied
// locally as an int may replay as a float64. These coercions give program
// dispatch a single view of both.

// Int64Value coerces a numeric argument to int64.
func Int64Value(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float32:
		return Int64Value(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Float64Value coerces a numeric argument to float64.
func Float64Value(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		i, ok := Int64Value(v)
		return float64(i), ok
	}
}

// StringValue coerces a string argument.
func StringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// BytesValue coerces an argument that crossed the wire as an integer array
// back into a byte slice.
func BytesValue(v any) ([]byte, bool) {
	switch t := v.(type) {
	case []byte:
		return t, true
	case []any:
		out := make([]byte, len(t))
		for i, e := range t {
			n, ok := Int64Value(e)
			if !ok || n < 0 || n > 255 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	default:
		return nil, false
	}
}
