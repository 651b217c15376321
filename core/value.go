package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Item is a document as exchanged with the engine
type Item = map[string]any

// ToFloat converts any numeric value to float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Canonical converts numbers to float64 and nested slices to []any so that
// values coming from Go callers and from decoded JSON compare equal.
func Canonical(v any) any {
	if f, ok := ToFloat(v); ok {
		return f
	}
	if items, ok := sliceValues(v); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = Canonical(item)
		}
		return out
	}
	return v
}

// CompareValues orders two scalar values: numbers numerically, booleans
// false before true, everything else by its string form. nil sorts first.
func CompareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	aNum, aOk := ToFloat(a)
	bNum, bOk := ToFloat(b)
	if aOk && bOk {
		if aNum < bNum {
			return -1
		} else if aNum > bNum {
			return 1
		}
		return 0
	}

	aBool, aIsBool := a.(bool)
	bBool, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		switch {
		case aBool == bBool:
			return 0
		case !aBool:
			return -1
		default:
			return 1
		}
	}

	// Numeric strings still compare numerically against numbers
	if aOk != bOk {
		if aNum, err := strconv.ParseFloat(ValueString(a), 64); err == nil {
			if bNum, err := strconv.ParseFloat(ValueString(b), 64); err == nil {
				return CompareValues(aNum, bNum)
			}
		}
	}

	return strings.Compare(ValueString(a), ValueString(b))
}

// ValueString renders a scalar the way it is used as a key
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	if f, ok := ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// MatchLike matches value against an SQL LIKE pattern where % matches any
// run of characters and _ matches exactly one.
func MatchLike(value, pattern string) bool {
	v, p := []rune(value), []rune(pattern)
	vi, pi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == v[vi]):
			vi++
			pi++
		case pi < len(p) && p[pi] == '%':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}
