package builtin

import (
	"bytes"
	"context"
	"slices"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
)

// transaction buffers mutations of one namespace until commit
type transaction struct {
	rx    api.Handle
	ns    string
	steps []txStep
}

type txStep struct {
	mode     core.ItemModifyMode
	item     []byte
	precepts []string
	query    *dsl.Query
}

func (engine *Engine) NewTransaction(ctx context.Context, rx api.Handle, ns string) (api.Handle, error) {
	inst, err := engine.connected(rx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, api.FromError(err)
	}
	inst.mu.RLock()
	_, err = inst.namespace(ns)
	inst.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	h := engine.nextHandle()
	engine.transactions[h] = &transaction{rx: rx, ns: ns}
	return h, nil
}

func (engine *Engine) transaction(tx api.Handle) (*transaction, error) {
	if !tx.Valid() {
		return nil, api.Errorf(api.ErrBadTransaction, "Transaction is not initialized")
	}
	t, ok := engine.transactions[tx]
	if !ok {
		return nil, api.Errorf(api.ErrBadTransaction, "Unknown transaction handle %d", tx)
	}
	return t, nil
}

func (engine *Engine) TxItemModify(tx api.Handle, mode core.ItemModifyMode, item []byte, precepts []string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	t, err := engine.transaction(tx)
	if err != nil {
		return err
	}
	t.steps = append(t.steps, txStep{mode: mode, item: bytes.Clone(item), precepts: slices.Clone(precepts)})
	return nil
}

func (engine *Engine) TxQueryModify(tx api.Handle, q api.Handle, mode core.ItemModifyMode) error {
	query, err := engine.Registry.Lookup(q)
	if err != nil {
		return err
	}
	if mode != core.ModeUpdate && mode != core.ModeDelete {
		return api.Errorf(api.ErrParams, "Transaction query must be an update or a delete, got %s", mode)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	t, err := engine.transaction(tx)
	if err != nil {
		return err
	}
	if query.Namespace != t.ns {
		return api.Errorf(api.ErrParams, "Query over '%s' can't run in a transaction of '%s'", query.Namespace, t.ns)
	}
	// later builder calls on q must not change the buffered step
	snapshot, err := query.Clone()
	if err != nil {
		return api.Errorf(api.ErrParseJSON, "%v", err)
	}
	t.steps = append(t.steps, txStep{mode: mode, query: snapshot})
	return nil
}

// take removes a transaction; its handle is invalid from then on
func (engine *Engine) take(tx api.Handle) (*transaction, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	t, err := engine.transaction(tx)
	if err != nil {
		return nil, err
	}
	delete(engine.transactions, tx)
	return t, nil
}

// CommitTransaction applies every buffered step in a single storage commit
// and returns the number of changed items
func (engine *Engine) CommitTransaction(ctx context.Context, tx api.Handle) (int, error) {
	t, err := engine.take(tx)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, api.FromError(err)
	}
	inst, err := engine.connected(t.rx)
	if err != nil {
		return 0, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	orig, err := inst.namespace(t.ns)
	if err != nil {
		return 0, err
	}

	// Steps run against a copy so later steps see earlier ones and a
	// failure leaves the namespace untouched
	work := orig.clone()
	inst.namespaces[t.ns] = work
	changes, err := inst.stageSteps(work, t.steps)
	if err == nil {
		err = inst.persist(work, changes)
	}
	if err != nil {
		inst.namespaces[t.ns] = orig
		return 0, err
	}
	inst.log.Debug("transaction committed", "namespace", t.ns, "steps", len(t.steps), "changed", len(changes))
	return len(changes), nil
}

func (inst *instance) stageSteps(work *namespace, steps []txStep) ([]*itemChange, error) {
	var changes []*itemChange
	for _, step := range steps {
		if step.query != nil {
			_, qc, err := inst.queryChanges(step.query, step.mode)
			if err != nil {
				return nil, err
			}
			for _, c := range qc {
				work.apply(c)
			}
			changes = append(changes, qc...)
			continue
		}
		c, err := work.prepareItem(inst.precepts, step.mode, step.item, step.precepts)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		work.apply(c)
		changes = append(changes, c)
	}
	return changes, nil
}

// persist writes already applied changes in one storage commit
func (inst *instance) persist(ns *namespace, changes []*itemChange) error {
	if len(changes) == 0 {
		return nil
	}
	tb, err := inst.store.BeginTransaction()
	if err != nil {
		return api.FromError(err)
	}
	for _, c := range changes {
		if err := c.stage(tb, ns.def.Name); err != nil {
			tb.Rollback()
			return api.FromError(err)
		}
	}
	if _, err := tb.Commit(identity); err != nil {
		return api.Errorf(api.ErrLogic, "Failed to commit transaction: %v", err)
	}
	return nil
}

func (engine *Engine) RollbackTransaction(ctx context.Context, tx api.Handle) error {
	t, err := engine.take(tx)
	if err != nil {
		return err
	}
	if inst, err := engine.instance(t.rx); err == nil {
		inst.log.Debug("transaction rolled back", "namespace", t.ns, "steps", len(t.steps))
	}
	return nil
}
