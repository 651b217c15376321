package builtin

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/ps"
)

// itemChange is a prepared mutation of one item
type itemChange struct {
	pk      string
	item    core.Item // nil removes the item
	serials map[string]int64
}

// prepareItem decodes and checks an item for the given mode. A nil change
// means the mutation has no effect, such as an insert of an existing key.
func (ns *namespace) prepareItem(ev *evaluator, mode core.ItemModifyMode, data []byte, precepts []string) (*itemChange, error) {
	item, err := decodeItem(data)
	if err != nil {
		return nil, api.Errorf(api.ErrParseJSON, "Failed to parse item: %v", err)
	}

	change := &itemChange{item: item}
	if mode != core.ModeDelete && len(precepts) > 0 {
		counters := maps.Clone(ns.serials)
		fields, err := ev.applyPrecepts(counters, item, precepts)
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			change.serials = make(map[string]int64, len(fields))
			for _, f := range fields {
				change.serials[f] = counters[f]
			}
		}
	}

	pk, err := ns.pkOf(item)
	if err != nil {
		return nil, err
	}
	change.pk = pk

	_, exists := ns.items[pk]
	switch mode {
	case core.ModeInsert:
		if exists {
			return nil, nil
		}
	case core.ModeUpdate:
		if !exists {
			return nil, nil
		}
	case core.ModeUpsert:
	case core.ModeDelete:
		if !exists {
			return nil, nil
		}
		change.item = nil
		return change, nil
	default:
		return nil, api.Errorf(api.ErrParams, "Unknown item modify mode %d", mode)
	}

	if err := ns.validate(item); err != nil {
		return nil, err
	}
	return change, nil
}

// stage records the change in a storage transaction
func (c *itemChange) stage(tb *ps.TransactionBuilder, ns string) error {
	if c.item == nil {
		if err := tb.AddDelete(ps.ItemPath(ns, c.pk)); err != nil {
			return err
		}
	} else {
		data, err := json.Marshal(c.item)
		if err != nil {
			return api.Errorf(api.ErrParseJSON, "Failed to encode item: %v", err)
		}
		if err := tb.AddWrite(ps.ItemPath(ns, c.pk), data); err != nil {
			return err
		}
	}
	for field, n := range c.serials {
		data, _ := json.Marshal(n)
		if err := tb.AddWrite(ps.SerialPath(ns, field), data); err != nil {
			return err
		}
	}
	return nil
}

// apply makes a staged change visible in memory
func (ns *namespace) apply(c *itemChange) {
	if c.item == nil {
		ns.remove(c.pk)
	} else {
		ns.put(c.pk, c.item)
	}
	for field, n := range c.serials {
		ns.serials[field] = n
	}
}

func (engine *Engine) ItemModify(ctx context.Context, rx api.Handle, name string, mode core.ItemModifyMode, data []byte, precepts []string) error {
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

	change, err := ns.prepareItem(inst.precepts, mode, data, precepts)
	if err != nil {
		return err
	}
	if change == nil {
		return nil
	}

	tb, err := inst.store.BeginTransaction()
	if err != nil {
		return api.FromError(err)
	}
	if err := change.stage(tb, name); err != nil {
		return api.FromError(err)
	}
	if _, err := tb.Commit(identity); err != nil {
		return api.Errorf(api.ErrLogic, "Failed to store item: %v", err)
	}
	ns.apply(change)
	return nil
}
