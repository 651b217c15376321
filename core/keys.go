package core

import "reflect"

// KeysKind tells which shape a Keys value holds
type KeysKind int

const (
	KeysEmpty KeysKind = iota
	KeysScalar
	KeysList
	KeysComposite
)

// Keys is the operand list of a condition. The zero value is EmptyKeys().
type Keys struct {
	kind   KeysKind
	values []any
}

// EmptyKeys returns an operand list with no values
func EmptyKeys() Keys {
	return Keys{kind: KeysEmpty}
}

// Scalar wraps a single value
func Scalar(v any) Keys {
	return Keys{kind: KeysScalar, values: []any{v}}
}

// List holds a flat list of values
func List(values ...any) Keys {
	if len(values) == 0 {
		return EmptyKeys()
	}
	return Keys{kind: KeysList, values: values}
}

// CompositeKey holds one key of a composite index, one value per sub-index
func CompositeKey(parts ...any) Keys {
	return Keys{kind: KeysComposite, values: []any{parts}}
}

// CompositeKeys holds several keys of a composite index
func CompositeKeys(keys ...[]any) Keys {
	if len(keys) == 0 {
		return EmptyKeys()
	}
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return Keys{kind: KeysComposite, values: values}
}

// Kind returns the shape of k
func (k Keys) Kind() KeysKind {
	return k.kind
}

// Values returns the operand list as sent to the engine. Composite keys are
// returned as a list of []any.
func (k Keys) Values() []any {
	if k.values == nil {
		return []any{}
	}
	return k.values
}

// Len returns the number of top-level operands
func (k Keys) Len() int {
	return len(k.values)
}

// NormalizeKeys converts an untyped operand into Keys: nil becomes an empty
// list, a string or any non-slice value becomes a single-element list, and a
// slice is kept as it is (a slice of slices is a list of composite keys).
func NormalizeKeys(v any) Keys {
	if v == nil {
		return EmptyKeys()
	}
	if k, ok := v.(Keys); ok {
		return k
	}
	items, ok := sliceValues(v)
	if !ok {
		return Scalar(v)
	}
	if len(items) == 0 {
		return EmptyKeys()
	}
	if _, nested := sliceValues(items[0]); nested {
		return compositeFrom(items)
	}
	return Keys{kind: KeysList, values: items}
}

// NormalizeComposite converts an operand of a composite index condition. A
// slice whose first element is itself a slice is a list of composite keys;
// any other non-empty slice is a single composite key. nil and an empty
// slice both become an empty list.
func NormalizeComposite(v any) Keys {
	if v == nil {
		return EmptyKeys()
	}
	if k, ok := v.(Keys); ok {
		return k
	}
	items, ok := sliceValues(v)
	if !ok {
		return Scalar(v)
	}
	if len(items) == 0 {
		return EmptyKeys()
	}
	if _, nested := sliceValues(items[0]); nested {
		return compositeFrom(items)
	}
	return CompositeKey(items...)
}

func compositeFrom(items []any) Keys {
	keys := make([][]any, 0, len(items))
	for _, item := range items {
		parts, ok := sliceValues(item)
		if !ok {
			parts = []any{item}
		}
		keys = append(keys, parts)
	}
	return CompositeKeys(keys...)
}

// sliceValues returns the elements of v when v is a slice or array other
// than a string or a byte slice.
func sliceValues(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
