package builtin

import (
	"context"
	"encoding/json"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
	"github.com/nickyhof/rxbind/sql"
)

// resultSet is the engine-side state of a results handle
type resultSet struct {
	rx      api.Handle
	items   [][]byte
	pos     int
	aggs    []core.AggregationResult
	explain string
}

// register stores a selection under a new results handle
func (engine *Engine) register(rx api.Handle, sel *selection) (api.Results, error) {
	rs := &resultSet{rx: rx, aggs: sel.aggs, explain: sel.explain}
	for _, row := range sel.rows {
		data, err := json.Marshal(row)
		if err != nil {
			return api.Results{}, api.Errorf(api.ErrParseJSON, "Failed to encode item: %v", err)
		}
		rs.items = append(rs.items, data)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	h := engine.nextHandle()
	engine.results[h] = rs
	return api.Results{Handle: h, Count: len(rs.items), TotalCount: sel.total}, nil
}

func (engine *Engine) resultSet(r api.Handle) (*resultSet, error) {
	if !r.Valid() {
		return nil, api.Errorf(api.ErrParams, "Query results are not initialized")
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	rs, ok := engine.results[r]
	if !ok {
		return nil, api.Errorf(api.ErrParams, "Unknown results handle %d", r)
	}
	return rs, nil
}

func (engine *Engine) ResultsIterate(r api.Handle) ([]byte, error) {
	rs, err := engine.resultSet(r)
	if err != nil {
		return nil, err
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if rs.pos >= len(rs.items) {
		return nil, api.Errorf(api.ErrNoData, "No more items in query results")
	}
	item := rs.items[rs.pos]
	rs.pos++
	return item, nil
}

func (engine *Engine) ResultsStatus(r api.Handle) error {
	_, err := engine.resultSet(r)
	return err
}

func (engine *Engine) ResultsDelete(r api.Handle) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	delete(engine.results, r)
}

func (engine *Engine) AggResults(r api.Handle) ([]core.AggregationResult, error) {
	rs, err := engine.resultSet(r)
	if err != nil {
		return nil, err
	}
	return rs.aggs, nil
}

func (engine *Engine) ExplainResults(r api.Handle) (string, error) {
	rs, err := engine.resultSet(r)
	if err != nil {
		return "", err
	}
	return rs.explain, nil
}

// run executes a query under the instance lock
func (engine *Engine) run(ctx context.Context, h api.Handle, write bool, fn func(inst *instance, q *dsl.Query) (*selection, error)) (api.Handle, *selection, error) {
	q, inst, rx, err := engine.queryInstance(h)
	if err != nil {
		return 0, nil, err
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, api.FromError(err)
	}
	if write {
		inst.mu.Lock()
		defer inst.mu.Unlock()
	} else {
		inst.mu.RLock()
		defer inst.mu.RUnlock()
	}
	sel, err := fn(inst, q)
	if err != nil {
		return 0, nil, err
	}
	return rx, sel, nil
}

func (engine *Engine) SelectQuery(ctx context.Context, q api.Handle) (api.Results, error) {
	rx, sel, err := engine.run(ctx, q, false, (*instance).selectRows)
	if err != nil {
		return api.Results{}, err
	}
	return engine.register(rx, sel)
}

func (engine *Engine) UpdateQuery(ctx context.Context, q api.Handle) (api.Results, error) {
	rx, sel, err := engine.run(ctx, q, true, (*instance).updateRows)
	if err != nil {
		return api.Results{}, err
	}
	return engine.register(rx, sel)
}

func (engine *Engine) DeleteQuery(ctx context.Context, q api.Handle) (int, error) {
	_, sel, err := engine.run(ctx, q, true, (*instance).deleteRows)
	if err != nil {
		return 0, err
	}
	return sel.matched, nil
}

// Select runs a raw SQL statement
func (engine *Engine) Select(ctx context.Context, rx api.Handle, query string) (api.Results, error) {
	inst, err := engine.connected(rx)
	if err != nil {
		return api.Results{}, err
	}
	if err := ctx.Err(); err != nil {
		return api.Results{}, api.FromError(err)
	}
	stmt, err := sql.Parse(query)
	if err != nil {
		return api.Results{}, api.Errorf(api.ErrParseSQL, "%v", err)
	}

	var sel *selection
	switch stmt.Type() {
	case sql.SelectStatementType:
		inst.mu.RLock()
		sel, err = inst.selectRows(stmt.Query())
		inst.mu.RUnlock()
	case sql.UpdateStatementType:
		inst.mu.Lock()
		sel, err = inst.updateRows(stmt.Query())
		inst.mu.Unlock()
	case sql.DeleteStatementType:
		inst.mu.Lock()
		sel, err = inst.deleteRows(stmt.Query())
		inst.mu.Unlock()
	default:
		return api.Results{}, api.Errorf(api.ErrParseSQL, "Unsupported statement")
	}
	if err != nil {
		return api.Results{}, err
	}
	return engine.register(rx, sel)
}
