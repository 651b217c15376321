package rxbind

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// Query builds a query over one namespace through its engine handle.
//
// A Query joined or merged into another one has root set: it executes
// through the root, and the root releases its handle on Close.
type Query struct {
	api       api.API
	h         api.Handle
	ns        string
	root      *Query
	joinField string

	joinQueries   []*Query
	mergedQueries []*Query

	err error
}

// Err returns the first failure of the builder chain
func (q *Query) Err() error {
	return q.err
}

// Namespace returns the namespace the query selects from
func (q *Query) Namespace() string {
	return q.ns
}

// JoinField returns the field name the query was joined under
func (q *Query) JoinField() string {
	return q.joinField
}

// Root returns the query this one was joined or merged into
func (q *Query) Root() *Query {
	return q.root
}

// fail latches err on the query and on its root
func (q *Query) fail(err error) *Query {
	err = queryError(err)
	if q.err == nil {
		q.err = err
	}
	if q.root != nil && q.root.err == nil {
		q.root.err = err
	}
	return q
}

// call forwards one builder call unless the chain already failed
func (q *Query) call(fn func() error) *Query {
	if q.err != nil {
		return q
	}
	if !q.h.Valid() {
		return q.fail(localError(ErrQueryClosed))
	}
	if err := fn(); err != nil {
		return q.fail(err)
	}
	return q
}

// Where adds a condition. keys may be a single value or a slice of values.
func (q *Query) Where(index string, cond core.CondType, keys any) *Query {
	if cond == core.CondDWithin {
		return q.fail(localError(ErrUseDWithin))
	}
	return q.WhereKeys(index, cond, core.NormalizeKeys(keys))
}

// WhereKeys adds a condition with explicitly shaped operands
func (q *Query) WhereKeys(index string, cond core.CondType, keys core.Keys) *Query {
	if cond == core.CondDWithin {
		return q.fail(localError(ErrUseDWithin))
	}
	return q.call(func() error { return q.api.Where(q.h, index, cond, keys.Values()) })
}

// WhereComposite adds a condition on a composite index. A flat slice is one
// composite key; a slice of slices is several.
func (q *Query) WhereComposite(index string, cond core.CondType, keys any) *Query {
	return q.WhereKeys(index, cond, core.NormalizeComposite(keys))
}

func (q *Query) WhereUUID(index string, cond core.CondType, uuids ...string) *Query {
	return q.call(func() error { return q.api.WhereUUID(q.h, index, cond, uuids) })
}

// WhereBetweenFields compares two fields of the same item
func (q *Query) WhereBetweenFields(first string, cond core.CondType, second string) *Query {
	return q.call(func() error { return q.api.WhereBetweenFields(q.h, first, cond, second) })
}

// WhereQuery compares the result of sub with keys
func (q *Query) WhereQuery(sub *Query, cond core.CondType, keys any) *Query {
	if sub.err != nil {
		return q.fail(sub.err)
	}
	return q.call(func() error {
		return q.api.WhereQuery(q.h, sub.h, cond, core.NormalizeKeys(keys).Values())
	})
}

// WhereSubquery compares a field with the result of sub
func (q *Query) WhereSubquery(index string, cond core.CondType, sub *Query) *Query {
	if sub.err != nil {
		return q.fail(sub.err)
	}
	return q.call(func() error { return q.api.WhereSubquery(q.h, index, cond, sub.h) })
}

// Match is an equality condition on string values
func (q *Query) Match(index string, values ...string) *Query {
	keys := make([]any, len(values))
	for i, v := range values {
		keys[i] = v
	}
	return q.WhereKeys(index, core.CondEq, core.List(keys...))
}

// DWithin keeps items whose point lies within distance of point
func (q *Query) DWithin(index string, point core.Point, distance float64) *Query {
	return q.call(func() error { return q.api.DWithin(q.h, index, point, distance) })
}

func (q *Query) OpenBracket() *Query {
	return q.call(func() error { return q.api.OpenBracket(q.h) })
}

func (q *Query) CloseBracket() *Query {
	return q.call(func() error { return q.api.CloseBracket(q.h) })
}

// And joins the next condition with AND, which is the default
func (q *Query) And() *Query {
	return q.call(func() error { return q.api.LogOp(q.h, core.OpAnd) })
}

func (q *Query) Or() *Query {
	return q.call(func() error { return q.api.LogOp(q.h, core.OpOr) })
}

func (q *Query) Not() *Query {
	return q.call(func() error { return q.api.LogOp(q.h, core.OpNot) })
}

func (q *Query) Distinct(index string) *Query {
	return q.aggregate(index, core.AggDistinct)
}

func (q *Query) AggregateSum(index string) *Query {
	return q.aggregate(index, core.AggSum)
}

func (q *Query) AggregateAvg(index string) *Query {
	return q.aggregate(index, core.AggAvg)
}

func (q *Query) AggregateMin(index string) *Query {
	return q.aggregate(index, core.AggMin)
}

func (q *Query) AggregateMax(index string) *Query {
	return q.aggregate(index, core.AggMax)
}

func (q *Query) aggregate(index string, agg core.AggType) *Query {
	return q.call(func() error { return q.api.Aggregate(q.h, index, agg) })
}

// AggregateFacet counts the distinct value combinations of fields
func (q *Query) AggregateFacet(fields ...string) *AggregateFacet {
	q.call(func() error { return q.api.AggregateFacet(q.h, fields) })
	return &AggregateFacet{q: q}
}

// AggregateFacet limits and orders the facet it was created for. It shares
// the query handle.
type AggregateFacet struct {
	q *Query
}

func (f *AggregateFacet) Limit(limit int) *AggregateFacet {
	f.q.call(func() error { return f.q.api.AggregationLimit(f.q.h, limit) })
	return f
}

func (f *AggregateFacet) Offset(offset int) *AggregateFacet {
	f.q.call(func() error { return f.q.api.AggregationOffset(f.q.h, offset) })
	return f
}

// Sort orders facet buckets by a facet field or by "count"
func (f *AggregateFacet) Sort(field string, desc bool) *AggregateFacet {
	f.q.call(func() error { return f.q.api.AggregationSort(f.q.h, field, desc) })
	return f
}

// Query returns the query the facet belongs to
func (f *AggregateFacet) Query() *Query {
	return f.q
}

// Sort orders results. Items holding one of the forced values come first.
func (q *Query) Sort(index string, desc bool, forced ...any) *Query {
	return q.call(func() error { return q.api.Sort(q.h, index, desc, forced) })
}

// SortStPointDistance orders by distance between a point field and point
func (q *Query) SortStPointDistance(index string, point core.Point, desc bool) *Query {
	return q.Sort(fmt.Sprintf("ST_Distance(%s,ST_GeomFromText('%s'))", index, point), desc)
}

// SortStFieldDistance orders by distance between two point fields
func (q *Query) SortStFieldDistance(first, second string, desc bool) *Query {
	return q.Sort(fmt.Sprintf("ST_Distance(%s,%s)", first, second), desc)
}

// RequestTotal asks for the exact number of matching items
func (q *Query) RequestTotal() *Query {
	return q.call(func() error { return q.api.Total(q.h, core.AccurateTotal) })
}

// CachedTotal asks for a possibly cached number of matching items
func (q *Query) CachedTotal() *Query {
	return q.call(func() error { return q.api.Total(q.h, core.CachedTotal) })
}

func (q *Query) Limit(limit int) *Query {
	return q.call(func() error { return q.api.Limit(q.h, limit) })
}

func (q *Query) Offset(offset int) *Query {
	return q.call(func() error { return q.api.Offset(q.h, offset) })
}

// Debug logs the query when it executes
func (q *Query) Debug(level core.LogLevel) *Query {
	return q.call(func() error { return q.api.Debug(q.h, level) })
}

func (q *Query) Strict(mode core.StrictMode) *Query {
	return q.call(func() error { return q.api.Strict(q.h, mode) })
}

func (q *Query) Explain() *Query {
	return q.call(func() error { return q.api.Explain(q.h) })
}

func (q *Query) WithRank() *Query {
	return q.call(func() error { return q.api.WithRank(q.h) })
}

// SelectFields limits the fields of returned items
func (q *Query) SelectFields(fields ...string) *Query {
	return q.call(func() error { return q.api.SelectFilter(q.h, fields) })
}

func (q *Query) Functions(functions ...string) *Query {
	return q.call(func() error { return q.api.Functions(q.h, functions) })
}

// EqualPosition requires conditions on the array fields to hold at the
// same array index
func (q *Query) EqualPosition(fields ...string) *Query {
	return q.call(func() error { return q.api.EqualPosition(q.h, fields) })
}

// Set assigns values to field in an update. A single value is stored as a
// scalar.
func (q *Query) Set(field string, values any) *Query {
	if values == nil {
		return q.fail(localError(ErrValuesRequired))
	}
	return q.call(func() error { return q.api.Set(q.h, field, core.NormalizeKeys(values).Values(), false) })
}

// SetObject assigns objects to field in an update
func (q *Query) SetObject(field string, values any) *Query {
	if values == nil {
		return q.fail(localError(ErrValuesRequired))
	}
	objects := core.NormalizeKeys(values).Values()
	encoded := make([]any, len(objects))
	for i, obj := range objects {
		data, err := json.Marshal(obj)
		if err != nil {
			return q.fail(&APIError{Code: api.ErrParseJSON, Message: fmt.Sprintf("failed to encode object: %v", err), cause: err})
		}
		encoded[i] = string(data)
	}
	return q.call(func() error { return q.api.Set(q.h, field, encoded, true) })
}

// Drop removes field in an update
func (q *Query) Drop(field string) *Query {
	return q.call(func() error { return q.api.Drop(q.h, field) })
}

// Expression sets field to the value of expr in an update
func (q *Query) Expression(field, expr string) *Query {
	return q.call(func() error { return q.api.Expression(q.h, field, expr) })
}

// Join attaches child to the top-level query and returns child so that On
// conditions can follow. On failure the parent is returned with the error
// latched.
func (q *Query) Join(joinType core.JoinType, child *Query, field string) *Query {
	if q.root != nil {
		return q.root.Join(joinType, child, field)
	}
	if child.root != nil {
		return q.fail(localError(ErrAlreadyJoined))
	}
	if child.err != nil {
		return q.fail(child.err)
	}
	if q.call(func() error { return q.api.Join(q.h, joinType, child.h) }).err != nil {
		return q
	}
	child.root = q
	child.joinField = field
	q.joinQueries = append(q.joinQueries, child)
	return child
}

func (q *Query) InnerJoin(child *Query, field string) *Query {
	return q.Join(core.InnerJoin, child, field)
}

func (q *Query) LeftJoin(child *Query, field string) *Query {
	return q.Join(core.LeftJoin, child, field)
}

// Merge appends the results of child to this query's results and returns
// the top-level query
func (q *Query) Merge(child *Query) *Query {
	if q.root != nil {
		return q.root.Merge(child)
	}
	if child.root != nil {
		child = child.root
	}
	if child.err != nil {
		return q.fail(child.err)
	}
	q.call(func() error { return q.api.Merge(q.h, child.h) })
	if q.err != nil {
		return q
	}
	child.root = q
	q.mergedQueries = append(q.mergedQueries, child)
	return q
}

// On links a field of the parent query to a field of this joined query
func (q *Query) On(index string, cond core.CondType, joinIndex string) *Query {
	if q.root == nil {
		return q.fail(localError(ErrOnRootQuery))
	}
	return q.call(func() error { return q.api.On(q.h, index, cond, joinIndex) })
}

// Execute runs the query. A joined or merged query runs its root.
func (q *Query) Execute(ctx context.Context) (*QueryResults, error) {
	if q.root != nil {
		return q.root.Execute(ctx)
	}
	if q.err != nil {
		return nil, q.err
	}
	if !q.h.Valid() {
		return nil, queryError(localError(ErrQueryClosed))
	}
	res, err := q.api.SelectQuery(ctx, q.h)
	if err != nil {
		return nil, queryError(err)
	}
	return newQueryResults(q.api, res), nil
}

// MustExecute is Execute that panics on failure
func (q *Query) MustExecute(ctx context.Context) *QueryResults {
	res, err := q.Execute(ctx)
	if err != nil {
		panic(err)
	}
	return res
}

// Get returns the first matching item. found is false when nothing
// matches; err is set only when the query fails.
func (q *Query) Get(ctx context.Context) (item map[string]any, found bool, err error) {
	if q.root != nil {
		return q.root.Get(ctx)
	}
	res, err := q.Limit(1).Execute(ctx)
	if err != nil {
		return nil, false, err
	}
	defer res.Close()
	if res.Next() {
		return res.Item(), true, nil
	}
	return nil, false, res.Err()
}

// Delete removes matching items and returns their number
func (q *Query) Delete(ctx context.Context) (int, error) {
	if q.root != nil || len(q.joinQueries) > 0 {
		return 0, queryError(localError(ErrJoinedDelete))
	}
	if q.err != nil {
		return 0, q.err
	}
	if !q.h.Valid() {
		return 0, queryError(localError(ErrQueryClosed))
	}
	n, err := q.api.DeleteQuery(ctx, q.h)
	if err != nil {
		return 0, queryError(err)
	}
	return n, nil
}

// Update applies Set, SetObject, Drop and Expression to matching items and
// returns the updated items
func (q *Query) Update(ctx context.Context) (*QueryResults, error) {
	if q.root != nil || len(q.joinQueries) > 0 {
		return nil, queryError(localError(ErrJoinedUpdate))
	}
	if q.err != nil {
		return nil, q.err
	}
	if !q.h.Valid() {
		return nil, queryError(localError(ErrQueryClosed))
	}
	res, err := q.api.UpdateQuery(ctx, q.h)
	if err != nil {
		return nil, queryError(err)
	}
	return newQueryResults(q.api, res), nil
}

// Close releases the query handle and the handles of every joined and
// merged query. Closing a joined or merged query does nothing; its root
// owns it.
func (q *Query) Close() {
	if q.root != nil {
		return
	}
	q.release()
}

func (q *Query) release() {
	for _, child := range q.joinQueries {
		child.release()
	}
	for _, child := range q.mergedQueries {
		child.release()
	}
	q.joinQueries = nil
	q.mergedQueries = nil
	if q.h.Valid() {
		q.api.DestroyQuery(q.h)
		q.h = 0
	}
}
