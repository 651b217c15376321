package builtin

import (
	"encoding/json"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
)

// queryChanges computes the item changes of an update or delete query
func (inst *instance) queryChanges(q *dsl.Query, mode core.ItemModifyMode) (*namespace, []*itemChange, error) {
	x, err := inst.newExecutor(q)
	if err != nil {
		return nil, nil, err
	}
	pks := x.match()
	if len(q.Sort) > 0 {
		items := make([]core.Item, len(pks))
		for i, pk := range pks {
			items[i] = x.ns.items[pk]
		}
		sortItems(items, q.Sort)
		for i, item := range items {
			pks[i], _ = x.ns.pkOf(item)
		}
	}
	pks = page(pks, q.Offset, q.Limit)

	changes := make([]*itemChange, 0, len(pks))
	for _, pk := range pks {
		if mode == core.ModeDelete {
			changes = append(changes, &itemChange{pk: pk})
			continue
		}
		if len(q.Updates) == 0 {
			return nil, nil, api.Errorf(api.ErrParams, "Update query has no fields to set")
		}
		item := copyItem(x.ns.items[pk])
		if err := inst.applyUpdates(item, q.Updates); err != nil {
			return nil, nil, err
		}
		newPK, err := x.ns.pkOf(item)
		if err != nil {
			return nil, nil, err
		}
		if newPK != pk {
			return nil, nil, api.Errorf(api.ErrLogic, "Primary key of '%s' can't be changed by update query", q.Namespace)
		}
		if err := x.ns.validate(item); err != nil {
			return nil, nil, err
		}
		changes = append(changes, &itemChange{pk: pk, item: item})
	}
	return x.ns, changes, nil
}

func (inst *instance) applyUpdates(item core.Item, updates []dsl.UpdateEntry) error {
	for _, u := range updates {
		switch u.Kind {
		case dsl.UpdateDrop:
			dropField(item, u.Field)
		case dsl.UpdateExpression:
			v, err := inst.precepts.eval(u.Expr, item)
			if err != nil {
				return err
			}
			jv, err := jsonValue(v)
			if err != nil {
				return err
			}
			setField(item, u.Field, jv)
		case dsl.UpdateSet, dsl.UpdateSetObject:
			values := make([]any, 0, len(u.Values))
			for _, v := range u.Values {
				if u.Kind == dsl.UpdateSetObject {
					if s, ok := v.(string); ok {
						var decoded any
						if err := decodeJSON([]byte(s), &decoded); err != nil {
							return api.Errorf(api.ErrParseJSON, "Failed to parse object for '%s': %v", u.Field, err)
						}
						v = decoded
					}
				}
				jv, err := jsonValue(v)
				if err != nil {
					return err
				}
				values = append(values, jv)
			}
			if len(values) == 1 {
				setField(item, u.Field, values[0])
			} else {
				setField(item, u.Field, values)
			}
		}
	}
	return nil
}

// jsonValue converts a Go value into the shape of decoded JSON
func jsonValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, api.Errorf(api.ErrParams, "Value can't be stored: %v", err)
	}
	var out any
	if err := decodeJSON(data, &out); err != nil {
		return nil, api.FromError(err)
	}
	return out, nil
}

// commitChanges persists changes in one storage commit and applies them
func (inst *instance) commitChanges(ns *namespace, changes []*itemChange) error {
	if err := inst.persist(ns, changes); err != nil {
		return err
	}
	for _, c := range changes {
		ns.apply(c)
	}
	return nil
}

// updateRows runs an update query and returns the updated items
func (inst *instance) updateRows(q *dsl.Query) (*selection, error) {
	ns, changes, err := inst.queryChanges(q, core.ModeUpdate)
	if err != nil {
		return nil, err
	}
	if err := inst.commitChanges(ns, changes); err != nil {
		return nil, err
	}
	sel := &selection{matched: len(changes)}
	for _, c := range changes {
		sel.rows = append(sel.rows, copyItem(c.item))
	}
	return sel, nil
}

// deleteRows runs a delete query and returns the deleted items
func (inst *instance) deleteRows(q *dsl.Query) (*selection, error) {
	ns, changes, err := inst.queryChanges(q, core.ModeDelete)
	if err != nil {
		return nil, err
	}
	sel := &selection{matched: len(changes)}
	for _, c := range changes {
		sel.rows = append(sel.rows, copyItem(ns.items[c.pk]))
	}
	if err := inst.commitChanges(ns, changes); err != nil {
		return nil, err
	}
	return sel, nil
}
