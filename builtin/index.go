package builtin

import (
	"slices"
	"sort"

	"github.com/nickyhof/rxbind/core"
)

// fieldIndex maps the values of an indexed field to the primary keys of
// the items holding them
type fieldIndex struct {
	def     core.IndexDef
	entries map[string][]string
}

func newFieldIndex(def core.IndexDef) *fieldIndex {
	return &fieldIndex{def: def, entries: make(map[string][]string)}
}

// insert indexes every value of the item's field
func (idx *fieldIndex) insert(pk string, item core.Item) {
	for _, v := range idx.values(item) {
		key := core.ValueString(v)
		keys := idx.entries[key]
		if slices.Contains(keys, pk) {
			continue
		}
		idx.entries[key] = append(keys, pk)
	}
}

func (idx *fieldIndex) delete(pk string, item core.Item) {
	for _, v := range idx.values(item) {
		key := core.ValueString(v)
		keys := idx.entries[key]
		if i := slices.Index(keys, pk); i >= 0 {
			keys = slices.Delete(keys, i, i+1)
			if len(keys) == 0 {
				delete(idx.entries, key)
			} else {
				idx.entries[key] = keys
			}
		}
	}
}

func (idx *fieldIndex) values(item core.Item) []any {
	var values []any
	for _, path := range idx.def.Paths() {
		values = append(values, fieldValues(item, path)...)
	}
	return values
}

// lookup returns the primary keys holding any of the values
func (idx *fieldIndex) lookup(values []any) []string {
	var pks []string
	for _, v := range values {
		pks = append(pks, idx.entries[core.ValueString(v)]...)
	}
	return pks
}

// lookupRange returns the primary keys whose value lies in [min, max]
func (idx *fieldIndex) lookupRange(min, max any) []string {
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return core.CompareValues(keys[i], keys[j]) < 0 })

	var pks []string
	for _, k := range keys {
		if core.CompareValues(k, min) >= 0 && core.CompareValues(k, max) <= 0 {
			pks = append(pks, idx.entries[k]...)
		}
	}
	return pks
}
