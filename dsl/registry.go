package dsl

import (
	"sync"

	"github.com/google/uuid"
	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// Registry maps query handles to their engine-side state and implements
// every builder call of the engine call surface.
type Registry struct {
	mu      sync.Mutex
	queries map[api.Handle]*Query
	next    api.Handle
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{queries: make(map[api.Handle]*Query)}
}

// Create registers a new empty query over ns
func (r *Registry) Create(ns string) api.Handle {
	return r.Import(New(ns))
}

// Import registers an existing query and returns its handle
func (r *Registry) Import(q *Query) api.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.nextOp == 0 {
		q.nextOp = core.OpAnd
	}
	r.next++
	r.queries[r.next] = q
	return r.next
}

// Lookup returns the query behind a handle
func (r *Registry) Lookup(h api.Handle) (*Query, error) {
	if !h.Valid() {
		return nil, api.Errorf(api.ErrParams, "Query is not initialized")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queries[h]
	if !ok {
		return nil, api.Errorf(api.ErrParams, "Unknown query handle %d", h)
	}
	return q, nil
}

// DestroyQuery forgets a handle. Queries still referenced by a parent stay
// reachable through that parent.
func (r *Registry) DestroyQuery(h api.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, h)
}

// Len returns the number of live query handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

func (r *Registry) with(h api.Handle, fn func(q *Query) error) error {
	q, err := r.Lookup(h)
	if err != nil {
		return err
	}
	return fn(q)
}

func (r *Registry) Where(h api.Handle, index string, cond core.CondType, keys []any) error {
	return r.with(h, func(q *Query) error {
		if !cond.Valid() {
			return api.Errorf(api.ErrParams, "Unknown condition type %d", int(cond))
		}
		q.appendEntry(Entry{Kind: CondEntry, Index: index, Cond: cond, Keys: keys})
		return nil
	})
}

// WhereUUID stores valid UUIDs in canonical form and keeps anything else as
// a plain string.
func (r *Registry) WhereUUID(h api.Handle, index string, cond core.CondType, uuids []string) error {
	return r.with(h, func(q *Query) error {
		keys := make([]any, len(uuids))
		for i, s := range uuids {
			if id, err := uuid.Parse(s); err == nil {
				keys[i] = id.String()
			} else {
				keys[i] = s
			}
		}
		q.appendEntry(Entry{Kind: CondEntry, Index: index, Cond: cond, Keys: keys})
		return nil
	})
}

func (r *Registry) WhereBetweenFields(h api.Handle, first string, cond core.CondType, second string) error {
	return r.with(h, func(q *Query) error {
		q.appendEntry(Entry{Kind: BetweenFieldsEntry, Index: first, Cond: cond, Second: second})
		return nil
	})
}

func (r *Registry) WhereQuery(h, sub api.Handle, cond core.CondType, keys []any) error {
	subQuery, err := r.Lookup(sub)
	if err != nil {
		return err
	}
	return r.with(h, func(q *Query) error {
		q.appendEntry(Entry{Kind: SubqueryEntry, Cond: cond, Keys: keys, Sub: subQuery})
		return nil
	})
}

func (r *Registry) WhereSubquery(h api.Handle, index string, cond core.CondType, sub api.Handle) error {
	subQuery, err := r.Lookup(sub)
	if err != nil {
		return err
	}
	return r.with(h, func(q *Query) error {
		q.appendEntry(Entry{Kind: FieldSubqueryEntry, Index: index, Cond: cond, Sub: subQuery})
		return nil
	})
}

func (r *Registry) DWithin(h api.Handle, index string, point core.Point, distance float64) error {
	return r.with(h, func(q *Query) error {
		q.appendEntry(Entry{Kind: DWithinEntry, Index: index, Cond: core.CondDWithin, Point: point, Distance: distance})
		return nil
	})
}

func (r *Registry) OpenBracket(h api.Handle) error {
	return r.with(h, func(q *Query) error {
		q.openBracket()
		return nil
	})
}

func (r *Registry) CloseBracket(h api.Handle) error {
	return r.with(h, func(q *Query) error {
		if q.nextOp != core.OpAnd {
			return api.Errorf(api.ErrLogic, "Operation before close bracket")
		}
		if len(q.brackets) == 0 {
			return api.Errorf(api.ErrLogic, "Close bracket before open it")
		}
		q.brackets = q.brackets[:len(q.brackets)-1]
		return nil
	})
}

func (r *Registry) LogOp(h api.Handle, op core.OpType) error {
	return r.with(h, func(q *Query) error {
		switch op {
		case core.OpAnd, core.OpOr, core.OpNot:
			q.nextOp = op
			return nil
		}
		return api.Errorf(api.ErrParams, "Unknown operation type %d", int(op))
	})
}

func (r *Registry) Aggregate(h api.Handle, index string, agg core.AggType) error {
	return r.with(h, func(q *Query) error {
		q.Aggregations = append(q.Aggregations, Aggregation{Type: agg, Fields: []string{index}, Limit: NoLimit})
		return nil
	})
}

func (r *Registry) AggregateFacet(h api.Handle, fields []string) error {
	return r.with(h, func(q *Query) error {
		if len(fields) == 0 {
			return api.Errorf(api.ErrParams, "Facet aggregation requires at least one field")
		}
		q.Aggregations = append(q.Aggregations, Aggregation{Type: core.AggFacet, Fields: fields, Limit: NoLimit})
		return nil
	})
}

func (r *Registry) lastFacet(h api.Handle, fn func(agg *Aggregation)) error {
	return r.with(h, func(q *Query) error {
		if len(q.Aggregations) == 0 || q.Aggregations[len(q.Aggregations)-1].Type != core.AggFacet {
			return api.Errorf(api.ErrLogic, "No facet aggregation to modify")
		}
		fn(&q.Aggregations[len(q.Aggregations)-1])
		return nil
	})
}

func (r *Registry) AggregationLimit(h api.Handle, limit int) error {
	return r.lastFacet(h, func(agg *Aggregation) { agg.Limit = limit })
}

func (r *Registry) AggregationOffset(h api.Handle, offset int) error {
	return r.lastFacet(h, func(agg *Aggregation) { agg.Offset = offset })
}

func (r *Registry) AggregationSort(h api.Handle, field string, desc bool) error {
	return r.lastFacet(h, func(agg *Aggregation) {
		agg.Sort = append(agg.Sort, SortEntry{Field: field, Desc: desc})
	})
}

func (r *Registry) Sort(h api.Handle, index string, desc bool, forced []any) error {
	return r.with(h, func(q *Query) error {
		if len(forced) > 0 && len(q.Sort) > 0 {
			return api.Errorf(api.ErrParams, "Forced sort values are allowed for the first sort entry only")
		}
		q.Sort = append(q.Sort, SortEntry{Field: index, Desc: desc, Forced: forced})
		return nil
	})
}

func (r *Registry) Total(h api.Handle, mode core.CalcTotalMode) error {
	return r.with(h, func(q *Query) error {
		q.Total = mode
		return nil
	})
}

func (r *Registry) Limit(h api.Handle, limit int) error {
	return r.with(h, func(q *Query) error {
		if limit < 0 {
			limit = NoLimit
		}
		q.Limit = limit
		return nil
	})
}

func (r *Registry) Offset(h api.Handle, offset int) error {
	return r.with(h, func(q *Query) error {
		if offset < 0 {
			offset = 0
		}
		q.Offset = offset
		return nil
	})
}

func (r *Registry) Debug(h api.Handle, level core.LogLevel) error {
	return r.with(h, func(q *Query) error {
		q.Debug = level
		return nil
	})
}

func (r *Registry) Strict(h api.Handle, mode core.StrictMode) error {
	return r.with(h, func(q *Query) error {
		q.Strict = mode
		return nil
	})
}

func (r *Registry) Explain(h api.Handle) error {
	return r.with(h, func(q *Query) error {
		q.Explain = true
		return nil
	})
}

func (r *Registry) WithRank(h api.Handle) error {
	return r.with(h, func(q *Query) error {
		q.WithRank = true
		return nil
	})
}

func (r *Registry) SelectFilter(h api.Handle, fields []string) error {
	return r.with(h, func(q *Query) error {
		q.SelectFilter = append(q.SelectFilter, fields...)
		return nil
	})
}

func (r *Registry) Functions(h api.Handle, functions []string) error {
	return r.with(h, func(q *Query) error {
		q.Functions = append(q.Functions, functions...)
		return nil
	})
}

func (r *Registry) EqualPosition(h api.Handle, fields []string) error {
	return r.with(h, func(q *Query) error {
		if len(fields) < 2 {
			return api.Errorf(api.ErrParams, "EqualPosition requires at least two fields")
		}
		q.EqualPositions = append(q.EqualPositions, fields)
		return nil
	})
}

func (r *Registry) Join(h api.Handle, joinType core.JoinType, child api.Handle) error {
	childQuery, err := r.Lookup(child)
	if err != nil {
		return err
	}
	return r.with(h, func(q *Query) error {
		if childQuery == q {
			return api.Errorf(api.ErrParams, "Query can't be joined to itself")
		}
		if joinType == core.Merge {
			q.Merges = append(q.Merges, childQuery)
			return nil
		}
		q.Joins = append(q.Joins, JoinedQuery{Type: joinType, Query: childQuery})
		return nil
	})
}

func (r *Registry) Merge(h, child api.Handle) error {
	return r.Join(h, core.Merge, child)
}

func (r *Registry) On(h api.Handle, index string, cond core.CondType, joinIndex string) error {
	return r.with(h, func(q *Query) error {
		op := q.nextOp
		if op == 0 {
			op = core.OpAnd
		}
		q.nextOp = core.OpAnd
		q.On = append(q.On, OnEntry{Op: op, Index: index, Cond: cond, JoinIndex: joinIndex})
		return nil
	})
}

func (r *Registry) Set(h api.Handle, field string, values []any, object bool) error {
	return r.with(h, func(q *Query) error {
		kind := UpdateSet
		if object {
			kind = UpdateSetObject
		}
		q.Updates = append(q.Updates, UpdateEntry{Kind: kind, Field: field, Values: values})
		return nil
	})
}

func (r *Registry) Drop(h api.Handle, field string) error {
	return r.with(h, func(q *Query) error {
		q.Updates = append(q.Updates, UpdateEntry{Kind: UpdateDrop, Field: field})
		return nil
	})
}

func (r *Registry) Expression(h api.Handle, field, expr string) error {
	return r.with(h, func(q *Query) error {
		q.Updates = append(q.Updates, UpdateEntry{Kind: UpdateExpression, Field: field, Expr: expr})
		return nil
	})
}
