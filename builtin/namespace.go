package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/ps"
	"github.com/xeipuuv/gojsonschema"
)

// namespace is the in-memory state of an opened namespace
type namespace struct {
	def     core.NamespaceDef
	items   map[string]core.Item
	order   []string
	indexes map[string]*fieldIndex
	schema  *gojsonschema.Schema
	serials map[string]int64
	meta    map[string]string
	version uint64
	// epoch identifies this load of the namespace within the instance
	epoch uint64
}

func newNamespace(def core.NamespaceDef) *namespace {
	return &namespace{
		def:     def,
		items:   make(map[string]core.Item),
		indexes: make(map[string]*fieldIndex),
		serials: make(map[string]int64),
		meta:    make(map[string]string),
	}
}

// loadNamespace restores a namespace from storage
func loadNamespace(store *ps.Persistence, def core.NamespaceDef) (*namespace, error) {
	ns := newNamespace(def)
	if def.Schema != "" {
		schema, err := compileSchema(def.Schema)
		if err != nil {
			return nil, err
		}
		ns.schema = schema
	}
	for _, idx := range def.Indexes {
		if !idx.IsComposite() {
			ns.indexes[idx.Name] = newFieldIndex(idx)
		}
	}

	for pk, data := range store.Scan(def.Name) {
		item, err := decodeItem(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode item %s of %s: %w", pk, def.Name, err)
		}
		ns.put(pk, item)
	}
	// Storage lists keys in name order; keep numeric keys numerically ordered
	slices.SortStableFunc(ns.order, func(a, b string) int { return core.CompareValues(a, b) })

	meta, err := store.Meta(def.Name)
	if err != nil {
		return nil, err
	}
	ns.meta = meta
	ns.serials = store.Serials(def.Name)
	return ns, nil
}

// decodeJSON decodes keeping numbers as json.Number
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeItem(data []byte) (core.Item, error) {
	var item core.Item
	if err := decodeJSON(data, &item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errors.New("item is not a JSON object")
	}
	return item, nil
}

func compileSchema(schema string) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, api.Errorf(api.ErrParseJSON, "Invalid JSON schema: %v", err)
	}
	return compiled, nil
}

// put stores an item and indexes it
func (ns *namespace) put(pk string, item core.Item) {
	if old, ok := ns.items[pk]; ok {
		for _, idx := range ns.indexes {
			idx.delete(pk, old)
		}
	} else {
		ns.order = append(ns.order, pk)
	}
	ns.items[pk] = item
	for _, idx := range ns.indexes {
		idx.insert(pk, item)
	}
	ns.version++
}

func (ns *namespace) remove(pk string) bool {
	old, ok := ns.items[pk]
	if !ok {
		return false
	}
	for _, idx := range ns.indexes {
		idx.delete(pk, old)
	}
	delete(ns.items, pk)
	if i := slices.Index(ns.order, pk); i >= 0 {
		ns.order = slices.Delete(ns.order, i, i+1)
	}
	ns.version++
	return true
}

// clone copies the namespace so a transaction can stage changes
func (ns *namespace) clone() *namespace {
	c := newNamespace(ns.def)
	c.schema = ns.schema
	c.version = ns.version
	c.epoch = ns.epoch
	for name, idx := range ns.indexes {
		copied := newFieldIndex(idx.def)
		for k, pks := range idx.entries {
			copied.entries[k] = slices.Clone(pks)
		}
		c.indexes[name] = copied
	}
	for pk, item := range ns.items {
		c.items[pk] = item
	}
	c.order = slices.Clone(ns.order)
	for k, v := range ns.serials {
		c.serials[k] = v
	}
	for k, v := range ns.meta {
		c.meta[k] = v
	}
	return c
}

// pkOf returns the primary key of an item
func (ns *namespace) pkOf(item core.Item) (string, error) {
	pk, ok := ns.def.PKIndex()
	if !ok {
		return "", api.Errorf(api.ErrLogic, "Namespace '%s' has no primary key index", ns.def.Name)
	}
	parts := make([]string, 0, len(pk.Paths()))
	for _, path := range pk.Paths() {
		v, ok := fieldValue(item, path)
		if !ok || v == nil {
			return "", api.Errorf(api.ErrParams, "Primary key field '%s' is missing in item", path)
		}
		parts = append(parts, core.ValueString(v))
	}
	return strings.Join(parts, "+"), nil
}

// validate checks indexed field types and the namespace schema
func (ns *namespace) validate(item core.Item) error {
	for _, idx := range ns.def.Indexes {
		if idx.IsComposite() {
			continue
		}
		for _, path := range idx.Paths() {
			v, ok := fieldValue(item, path)
			if !ok || v == nil {
				continue
			}
			if arr, isArr := v.([]any); isArr {
				if !idx.IsArray && idx.FieldType != "point" && idx.FieldType != "float_vector" {
					return api.Errorf(api.ErrParams, "Index '%s' is not an array, but value of '%s' is", idx.Name, path)
				}
				for _, elem := range arr {
					if err := checkType(idx, path, elem); err != nil {
						return err
					}
				}
				continue
			}
			if err := checkType(idx, path, v); err != nil {
				return err
			}
		}
	}

	if ns.schema != nil {
		result, err := ns.schema.Validate(gojsonschema.NewGoLoader(item))
		if err != nil {
			return api.Errorf(api.ErrParseJSON, "Failed to validate item: %v", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return api.Errorf(api.ErrParams, "Item does not match schema of '%s': %s", ns.def.Name, strings.Join(msgs, "; "))
		}
	}
	return nil
}

func checkType(idx core.IndexDef, path string, v any) error {
	_, isNum := core.ToFloat(v)
	ok := true
	switch idx.FieldType {
	case "int", "int64":
		if isNum {
			f, _ := core.ToFloat(v)
			ok = f == float64(int64(f))
		} else {
			ok = false
		}
	case "double", "float_vector", "point":
		ok = isNum
	case "string", "uuid":
		_, ok = v.(string)
	case "bool":
		_, ok = v.(bool)
	}
	if !ok {
		return api.Errorf(api.ErrParams, "Can't convert '%v' to %s for field '%s'", v, idx.FieldType, path)
	}
	return nil
}

// fieldValue reads a dotted path from an item
func fieldValue(item core.Item, path string) (any, bool) {
	var cur any = map[string]any(item)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// fieldValues reads a dotted path and flattens arrays, including arrays of
// objects along the path
func fieldValues(item core.Item, path string) []any {
	values := []any{map[string]any(item)}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, v := range values {
			switch t := v.(type) {
			case map[string]any:
				if child, ok := t[part]; ok {
					next = append(next, child)
				}
			case []any:
				for _, elem := range t {
					if m, ok := elem.(map[string]any); ok {
						if child, ok := m[part]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		values = next
	}
	var flat []any
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			flat = append(flat, arr...)
		} else {
			flat = append(flat, v)
		}
	}
	return flat
}

// setField writes a dotted path, creating intermediate objects
func setField(item core.Item, path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(item)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func dropField(item core.Item, path string) bool {
	parts := strings.Split(path, ".")
	cur := map[string]any(item)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

func copyItem(item core.Item) core.Item {
	data, _ := json.Marshal(item)
	copied, err := decodeItem(data)
	if err != nil {
		return core.Item{}
	}
	return copied
}

// namespace returns an opened namespace
func (inst *instance) namespace(name string) (*namespace, error) {
	ns, ok := inst.namespaces[name]
	if !ok {
		return nil, api.Errorf(api.ErrNotFound, "Namespace '%s' does not exist", name)
	}
	return ns, nil
}

func (engine *Engine) NamespaceOpen(ctx context.Context, rx api.Handle, name string) error {
	inst, err := engine.connected(rx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	if name == "" {
		return api.Errorf(api.ErrParams, "Namespace name is empty")
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.namespaces[name]; ok {
		return nil
	}

	def, err := inst.store.LoadNamespace(name)
	switch {
	case errors.Is(err, ps.ErrNotFound):
		def = core.NamespaceDef{Name: name, Indexes: []core.IndexDef{}}
		if _, err := inst.store.SaveNamespace(def, identity); err != nil {
			return api.Errorf(api.ErrLogic, "Failed to create namespace '%s': %v", name, err)
		}
	case err != nil:
		return api.Errorf(api.ErrLogic, "Failed to load namespace '%s': %v", name, err)
	}

	ns, err := loadNamespace(inst.store, def)
	if err != nil {
		return api.FromError(err)
	}
	inst.epochs++
	ns.epoch = inst.epochs
	inst.namespaces[name] = ns
	inst.log.Debug("namespace opened", "namespace", name, "items", len(ns.items))
	return nil
}

func (engine *Engine) NamespaceClose(ctx context.Context, rx api.Handle, name string) error {
	inst, err := engine.connected(rx)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, err := inst.namespace(name); err != nil {
		return err
	}
	delete(inst.namespaces, name)
	inst.log.Debug("namespace closed", "namespace", name)
	return nil
}

func (engine *Engine) NamespaceDrop(ctx context.Context, rx api.Handle, name string) error {
	inst, err := engine.connected(rx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	_, opened := inst.namespaces[name]
	if !opened {
		if _, err := inst.store.LoadNamespace(name); err != nil {
			return api.Errorf(api.ErrNotFound, "Namespace '%s' does not exist", name)
		}
	}
	if _, err := inst.store.DropNamespace(name, identity); err != nil {
		return api.Errorf(api.ErrLogic, "Failed to drop namespace '%s': %v", name, err)
	}
	delete(inst.namespaces, name)
	inst.log.Info("namespace dropped", "namespace", name)
	return nil
}

func (engine *Engine) NamespacesEnum(ctx context.Context, rx api.Handle, enumNotOpened bool) ([]core.NamespaceDef, error) {
	inst, err := engine.connected(rx)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()

	var defs []core.NamespaceDef
	for _, ns := range inst.namespaces {
		def := ns.def
		def.Opened = true
		defs = append(defs, def)
	}
	if enumNotOpened {
		names, err := inst.store.ListNamespaces()
		if err != nil {
			return nil, api.FromError(err)
		}
		for _, name := range names {
			if _, ok := inst.namespaces[name]; ok {
				continue
			}
			def, err := inst.store.LoadNamespace(name)
			if err != nil {
				continue
			}
			defs = append(defs, def)
		}
	}
	slices.SortFunc(defs, func(a, b core.NamespaceDef) int { return strings.Compare(a.Name, b.Name) })
	return defs, nil
}

func (engine *Engine) SetSchema(ctx context.Context, rx api.Handle, name, schema string) error {
	return engine.updateDef(ctx, rx, name, func(ns *namespace, def *core.NamespaceDef) error {
		if schema == "" {
			ns.schema = nil
			def.Schema = ""
			return nil
		}
		compiled, err := compileSchema(schema)
		if err != nil {
			return err
		}
		ns.schema = compiled
		def.Schema = schema
		return nil
	})
}

func (engine *Engine) IndexAdd(ctx context.Context, rx api.Handle, name string, idx core.IndexDef) error {
	if err := idx.Validate(); err != nil {
		return api.Errorf(api.ErrParams, "%v", err)
	}
	return engine.updateDef(ctx, rx, name, func(ns *namespace, def *core.NamespaceDef) error {
		if existing, ok := def.Index(idx.Name); ok {
			if equalIndexDefs(existing, idx) {
				return nil
			}
			return api.Errorf(api.ErrConflict, "Index '%s.%s' already exists with different settings", name, idx.Name)
		}
		if _, hasPK := def.PKIndex(); hasPK && idx.IsPK {
			return api.Errorf(api.ErrConflict, "Namespace '%s' already has a primary key index", name)
		}
		if idx.IsPK && len(ns.items) > 0 {
			return api.Errorf(api.ErrLogic, "Can't add primary key index to non-empty namespace '%s'", name)
		}
		def.Indexes = append(def.Indexes, idx)
		ns.addIndex(idx)
		return nil
	})
}

func (engine *Engine) IndexUpdate(ctx context.Context, rx api.Handle, name string, idx core.IndexDef) error {
	if err := idx.Validate(); err != nil {
		return api.Errorf(api.ErrParams, "%v", err)
	}
	return engine.updateDef(ctx, rx, name, func(ns *namespace, def *core.NamespaceDef) error {
		i := slices.IndexFunc(def.Indexes, func(d core.IndexDef) bool { return d.Name == idx.Name })
		if i < 0 {
			return api.Errorf(api.ErrNotFound, "Index '%s' not found in '%s'", idx.Name, name)
		}
		if def.Indexes[i].IsPK != idx.IsPK {
			return api.Errorf(api.ErrLogic, "Can't change primary key flag of index '%s'", idx.Name)
		}
		def.Indexes[i] = idx
		delete(ns.indexes, idx.Name)
		ns.addIndex(idx)
		return nil
	})
}

func (engine *Engine) IndexDrop(ctx context.Context, rx api.Handle, name, index string) error {
	return engine.updateDef(ctx, rx, name, func(ns *namespace, def *core.NamespaceDef) error {
		i := slices.IndexFunc(def.Indexes, func(d core.IndexDef) bool { return d.Name == index })
		if i < 0 {
			return api.Errorf(api.ErrParams, "Cannot remove index %s: doesn't exist", index)
		}
		if def.Indexes[i].IsPK {
			return api.Errorf(api.ErrLogic, "Cannot remove primary key index %s", index)
		}
		def.Indexes = slices.Delete(def.Indexes, i, i+1)
		delete(ns.indexes, index)
		return nil
	})
}

func (ns *namespace) addIndex(idx core.IndexDef) {
	if idx.IsComposite() {
		return
	}
	fi := newFieldIndex(idx)
	for pk, item := range ns.items {
		fi.insert(pk, item)
	}
	ns.indexes[idx.Name] = fi
}

func equalIndexDefs(a, b core.IndexDef) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

// updateDef changes a namespace definition and persists it
func (engine *Engine) updateDef(ctx context.Context, rx api.Handle, name string, fn func(ns *namespace, def *core.NamespaceDef) error) error {
	inst, err := engine.connected(rx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	ns, err := inst.namespace(name)
	if err != nil {
		return err
	}
	def := ns.def
	def.Indexes = slices.Clone(ns.def.Indexes)
	if err := fn(ns, &def); err != nil {
		return err
	}
	if _, err := inst.store.SaveNamespace(def, identity); err != nil {
		return api.Errorf(api.ErrLogic, "Failed to save namespace '%s': %v", name, err)
	}
	ns.def = def
	ns.version++
	return nil
}

func (engine *Engine) MetaPut(ctx context.Context, rx api.Handle, name, key, value string) error {
	return engine.writeMeta(ctx, rx, name, key, &value)
}

func (engine *Engine) MetaDelete(ctx context.Context, rx api.Handle, name, key string) error {
	return engine.writeMeta(ctx, rx, name, key, nil)
}

func (engine *Engine) writeMeta(ctx context.Context, rx api.Handle, name, key string, value *string) error {
	inst, err := engine.connected(rx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	ns, err := inst.namespace(name)
	if err != nil {
		return err
	}
	tb, err := inst.store.BeginTransaction()
	if err != nil {
		return api.FromError(err)
	}
	if value == nil {
		if _, ok := ns.meta[key]; !ok {
			return nil
		}
		err = tb.AddDelete(ps.MetaPath(name, key))
	} else {
		err = tb.AddWrite(ps.MetaPath(name, key), []byte(*value))
	}
	if err != nil {
		return api.FromError(err)
	}
	if _, err := tb.Commit(identity); err != nil {
		return api.Errorf(api.ErrLogic, "Failed to write meta '%s': %v", key, err)
	}
	if value == nil {
		delete(ns.meta, key)
	} else {
		ns.meta[key] = *value
	}
	return nil
}

func (engine *Engine) MetaGet(ctx context.Context, rx api.Handle, name, key string) (string, error) {
	inst, err := engine.connected(rx)
	if err != nil {
		return "", err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	ns, err := inst.namespace(name)
	if err != nil {
		return "", err
	}
	return ns.meta[key], nil
}

func (engine *Engine) MetaEnum(ctx context.Context, rx api.Handle, name string) ([]string, error) {
	inst, err := engine.connected(rx)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	ns, err := inst.namespace(name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ns.meta))
	for k := range ns.meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
