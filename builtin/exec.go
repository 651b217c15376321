package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
	"github.com/nickyhof/rxbind/logger"
)

// selection is the outcome of running a select query
type selection struct {
	rows    []core.Item
	matched int
	total   int
	aggs    []core.AggregationResult
	explain string
}

// joinState holds the filtered items of one joined namespace
type joinState struct {
	jq   dsl.JoinedQuery
	rows []core.Item
}

// subResult is the precomputed outcome of a subquery condition
type subResult struct {
	values []any
	count  int
}

// selector describes how candidates were picked, for explain output
type selector struct {
	Field  string `json:"field"`
	Method string `json:"method"`
	Keys   int    `json:"keys"`
	Items  int    `json:"items"`
}

// executor runs one query against an opened namespace. Callers hold the
// instance lock.
type executor struct {
	inst      *instance
	ns        *namespace
	q         *dsl.Query
	sub       map[*dsl.Entry]subResult
	joins     []joinState
	selectors []selector
}

func (inst *instance) newExecutor(q *dsl.Query) (*executor, error) {
	ns, err := inst.namespace(q.Namespace)
	if err != nil {
		return nil, err
	}
	x := &executor{inst: inst, ns: ns, q: q, sub: make(map[*dsl.Entry]subResult)}
	if err := x.checkStrict(); err != nil {
		return nil, err
	}
	if err := x.prepareSubqueries(q.Entries); err != nil {
		return nil, err
	}
	for _, jq := range q.Joins {
		rows, err := inst.filterRows(jq.Query)
		if err != nil {
			return nil, err
		}
		x.joins = append(x.joins, joinState{jq: jq, rows: rows})
	}
	return x, nil
}

// filterRows returns the items of a query's namespace matching its filter
func (inst *instance) filterRows(q *dsl.Query) ([]core.Item, error) {
	x, err := inst.newExecutor(q)
	if err != nil {
		return nil, err
	}
	pks := x.match()
	rows := make([]core.Item, len(pks))
	for i, pk := range pks {
		rows[i] = x.ns.items[pk]
	}
	return rows, nil
}

func (x *executor) checkStrict() error {
	if x.q.Strict != core.StrictModeNames && x.q.Strict != core.StrictModeIndexes {
		return nil
	}
	var check func(entries []dsl.Entry) error
	check = func(entries []dsl.Entry) error {
		for _, e := range entries {
			if e.Kind == dsl.BracketEntry {
				if err := check(e.Children); err != nil {
					return err
				}
				continue
			}
			if e.Index == "" {
				continue
			}
			if err := x.checkName(e.Index); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(x.q.Entries); err != nil {
		return err
	}
	for _, s := range x.q.Sort {
		if isDistanceExpr(s.Field) {
			continue
		}
		if err := x.checkName(s.Field); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) checkName(name string) error {
	if _, ok := x.ns.def.Index(name); ok {
		return nil
	}
	if x.q.Strict == core.StrictModeIndexes {
		return api.Errorf(api.ErrQueryExec, "Current query strict mode allows filtering by indexes only. There are no indexes with name '%s' in namespace '%s'", name, x.ns.def.Name)
	}
	for _, item := range x.ns.items {
		if _, ok := fieldValue(item, name); ok {
			return nil
		}
	}
	return api.Errorf(api.ErrQueryExec, "Current query strict mode allows filtering by existing fields only. There are no fields with name '%s' in namespace '%s'", name, x.ns.def.Name)
}

// prepareSubqueries runs every subquery once before filtering
func (x *executor) prepareSubqueries(entries []dsl.Entry) error {
	for i := range entries {
		e := &entries[i]
		switch e.Kind {
		case dsl.BracketEntry:
			if err := x.prepareSubqueries(e.Children); err != nil {
				return err
			}
		case dsl.SubqueryEntry, dsl.FieldSubqueryEntry:
			sel, err := x.inst.selectRows(e.Sub)
			if err != nil {
				return err
			}
			res := subResult{count: sel.matched}
			switch {
			case len(sel.aggs) > 0 && sel.aggs[0].Value != nil:
				res.values = []any{*sel.aggs[0].Value}
			case len(e.Sub.SelectFilter) > 0:
				for _, row := range sel.rows {
					res.values = append(res.values, fieldValues(row, e.Sub.SelectFilter[0])...)
				}
			}
			x.sub[e] = res
		}
	}
	return nil
}

// resolve maps an index name to the item paths it covers
func (x *executor) resolve(name string) ([]string, bool) {
	return resolveField(x.ns, name)
}

func resolveField(ns *namespace, name string) ([]string, bool) {
	if idx, ok := ns.def.Index(name); ok {
		if idx.IsComposite() {
			return idx.Paths(), true
		}
		return idx.Paths()[:1], false
	}
	return []string{name}, false
}

// match returns the primary keys of matching items in namespace order
func (x *executor) match() []string {
	candidates := x.candidates()
	var pks []string
	for _, pk := range x.ns.order {
		if candidates != nil {
			if _, ok := candidates[pk]; !ok {
				continue
			}
		}
		item := x.ns.items[pk]
		if x.matchItem(item) {
			pks = append(pks, pk)
		}
	}
	return pks
}

// candidates narrows the scan using a field index when the leading AND
// conditions allow it. nil means a full scan.
func (x *executor) candidates() map[string]struct{} {
	entries := x.q.Entries
	for i, e := range entries {
		if e.Op != core.OpAnd || e.Kind != dsl.CondEntry {
			continue
		}
		if i+1 < len(entries) && entries[i+1].Op == core.OpOr {
			continue
		}
		fi, ok := x.ns.indexes[e.Index]
		if !ok {
			continue
		}
		var pks []string
		switch e.Cond {
		case core.CondEq, core.CondSet:
			pks = fi.lookup(normalizeKeys(fi.def, e.Keys))
		case core.CondRange:
			if len(e.Keys) != 2 || fi.def.IndexType != "tree" {
				continue
			}
			keys := normalizeKeys(fi.def, e.Keys)
			pks = fi.lookupRange(keys[0], keys[1])
		default:
			continue
		}
		set := make(map[string]struct{}, len(pks))
		for _, pk := range pks {
			set[pk] = struct{}{}
		}
		x.selectors = append(x.selectors, selector{Field: e.Index, Method: "index", Keys: len(e.Keys), Items: len(set)})
		return set
	}
	x.selectors = append(x.selectors, selector{Field: "-", Method: "scan", Items: len(x.ns.items)})
	return nil
}

func normalizeKeys(def core.IndexDef, keys []any) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
		switch def.FieldType {
		case "int", "int64", "double":
			if s, ok := k.(string); ok {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					out[i] = f
				}
			}
		}
	}
	return out
}

func (x *executor) matchItem(item core.Item) bool {
	ok := x.matchEntries(item, x.q.Entries)
	for _, js := range x.joins {
		joined := len(x.joinedFor(item, js)) > 0
		switch js.jq.Type {
		case core.InnerJoin:
			ok = ok && joined
		case core.OrInnerJoin:
			ok = ok || joined
		}
	}
	if ok {
		for _, fields := range x.q.EqualPositions {
			if !x.matchEqualPosition(item, fields) {
				return false
			}
		}
	}
	return ok
}

// matchEntries evaluates a filter level. Each AND or NOT entry opens a
// group that absorbs the OR entries following it; the groups are ANDed.
func (x *executor) matchEntries(item core.Item, entries []dsl.Entry) bool {
	result := true
	for i := 0; i < len(entries); {
		v := x.matchEntry(item, &entries[i])
		if entries[i].Op == core.OpNot {
			v = !v
		}
		j := i + 1
		for ; j < len(entries) && entries[j].Op == core.OpOr; j++ {
			if !v {
				v = x.matchEntry(item, &entries[j])
			}
		}
		result = result && v
		i = j
	}
	return result
}

func (x *executor) matchEntry(item core.Item, e *dsl.Entry) bool {
	switch e.Kind {
	case dsl.BracketEntry:
		return x.matchEntries(item, e.Children)
	case dsl.AlwaysFalseEntry:
		return false
	case dsl.BetweenFieldsEntry:
		first, _ := x.resolve(e.Index)
		second, _ := x.resolve(e.Second)
		return compareSets(fieldValues(item, first[0]), fieldValues(item, second[0]), e.Cond)
	case dsl.DWithinEntry:
		paths, _ := x.resolve(e.Index)
		v, ok := fieldValue(item, paths[0])
		if !ok {
			return false
		}
		p, ok := core.PointFromValue(v)
		return ok && p.DistanceSquared(e.Point) <= e.Distance*e.Distance
	case dsl.SubqueryEntry:
		res := x.sub[e]
		switch e.Cond {
		case core.CondAny:
			return res.count > 0
		case core.CondEmpty:
			return res.count == 0
		}
		values := res.values
		if values == nil {
			values = []any{res.count}
		}
		return matchCond(values, true, e.Cond, e.Keys)
	case dsl.FieldSubqueryEntry:
		paths, _ := x.resolve(e.Index)
		values := fieldValues(item, paths[0])
		_, present := fieldValue(item, paths[0])
		return matchCond(values, present, e.Cond, x.sub[e].values)
	}

	paths, composite := x.resolve(e.Index)
	if composite {
		return matchComposite(item, paths, e.Cond, e.Keys)
	}
	v, present := fieldValue(item, paths[0])
	if !present || v == nil {
		return matchCond(nil, false, e.Cond, e.Keys)
	}
	return matchCond(fieldValues(item, paths[0]), true, e.Cond, e.Keys)
}

// matchCond checks field values against condition keys. Array fields match
// when any element does, except ALLSET which needs every key present.
func matchCond(values []any, present bool, cond core.CondType, keys []any) bool {
	switch cond {
	case core.CondAny:
		return present && len(values) > 0
	case core.CondEmpty:
		return !present || len(values) == 0
	case core.CondAllSet:
		if len(keys) == 0 {
			return false
		}
		for _, k := range keys {
			if !slices.ContainsFunc(values, func(v any) bool { return core.CompareValues(v, k) == 0 }) {
				return false
			}
		}
		return true
	}

	for _, v := range values {
		if v == nil {
			continue
		}
		switch cond {
		case core.CondEq, core.CondSet:
			for _, k := range keys {
				if core.CompareValues(v, k) == 0 {
					return true
				}
			}
		case core.CondLt, core.CondLe, core.CondGt, core.CondGe:
			if len(keys) > 0 && compareHolds(core.CompareValues(v, keys[0]), cond) {
				return true
			}
		case core.CondRange:
			if len(keys) == 2 && core.CompareValues(v, keys[0]) >= 0 && core.CompareValues(v, keys[1]) <= 0 {
				return true
			}
		case core.CondLike:
			s, ok := v.(string)
			if ok && len(keys) > 0 && core.MatchLike(s, core.ValueString(keys[0])) {
				return true
			}
		}
	}
	return false
}

func compareHolds(c int, cond core.CondType) bool {
	switch cond {
	case core.CondLt:
		return c < 0
	case core.CondLe:
		return c <= 0
	case core.CondGt:
		return c > 0
	case core.CondGe:
		return c >= 0
	case core.CondEq, core.CondSet:
		return c == 0
	}
	return false
}

// compareSets compares two fields of the same item
func compareSets(a, b []any, cond core.CondType) bool {
	switch cond {
	case core.CondAny:
		return len(a) > 0 && len(b) > 0
	case core.CondEmpty:
		return len(a) == 0 && len(b) == 0
	case core.CondAllSet:
		for _, v := range b {
			if !slices.ContainsFunc(a, func(w any) bool { return core.CompareValues(v, w) == 0 }) {
				return false
			}
		}
		return len(b) > 0
	case core.CondRange:
		return len(b) == 2 && matchCond(a, true, cond, b)
	case core.CondLike:
		return len(b) > 0 && matchCond(a, true, cond, b[:1])
	}
	for _, v := range a {
		for _, w := range b {
			if compareHolds(core.CompareValues(v, w), cond) {
				return true
			}
		}
	}
	return false
}

// matchComposite compares the tuple of an item's composite fields with
// tuple keys
func matchComposite(item core.Item, paths []string, cond core.CondType, keys []any) bool {
	tuple := make([]any, len(paths))
	present := false
	for i, p := range paths {
		v, ok := fieldValue(item, p)
		tuple[i] = v
		present = present || ok
	}
	switch cond {
	case core.CondAny:
		return present
	case core.CondEmpty:
		return !present
	}

	cmp := func(key any) (int, bool) {
		parts, ok := key.([]any)
		if !ok || len(parts) != len(tuple) {
			return 0, false
		}
		return compareTuples(tuple, parts), true
	}
	switch cond {
	case core.CondEq, core.CondSet:
		for _, k := range keys {
			if c, ok := cmp(k); ok && c == 0 {
				return true
			}
		}
	case core.CondLt, core.CondLe, core.CondGt, core.CondGe:
		if len(keys) > 0 {
			if c, ok := cmp(keys[0]); ok {
				return compareHolds(c, cond)
			}
		}
	case core.CondRange:
		if len(keys) == 2 {
			lo, ok1 := cmp(keys[0])
			hi, ok2 := cmp(keys[1])
			return ok1 && ok2 && lo >= 0 && hi <= 0
		}
	}
	return false
}

func compareTuples(a, b []any) int {
	for i := range a {
		if c := core.CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// matchEqualPosition requires that the conditions on the given array
// fields hold at one common array position
func (x *executor) matchEqualPosition(item core.Item, fields []string) bool {
	var conds []*dsl.Entry
	for i := range x.q.Entries {
		e := &x.q.Entries[i]
		if e.Kind == dsl.CondEntry && e.Op == core.OpAnd && slices.Contains(fields, e.Index) {
			conds = append(conds, e)
		}
	}
	if len(conds) == 0 {
		return true
	}
	arrays := make(map[string][]any, len(fields))
	size := -1
	for _, f := range fields {
		v, _ := fieldValue(item, f)
		arr, _ := v.([]any)
		arrays[f] = arr
		if size < 0 || len(arr) < size {
			size = len(arr)
		}
	}
	for pos := 0; pos < size; pos++ {
		ok := true
		for _, e := range conds {
			if !matchCond([]any{arrays[e.Index][pos]}, true, e.Cond, e.Keys) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// joinedFor returns the joined items of one join for an item, ordered and
// limited by the joined query
func (x *executor) joinedFor(item core.Item, js joinState) []core.Item {
	var out []core.Item
	for _, row := range js.rows {
		if matchOn(item, row, js.jq.Query.On) {
			out = append(out, row)
		}
	}
	child := js.jq.Query
	if len(child.Sort) > 0 {
		sortItems(out, child.Sort)
	}
	return page(out, child.Offset, child.Limit)
}

func matchOn(item, row core.Item, on []dsl.OnEntry) bool {
	result := true
	for i := 0; i < len(on); {
		v := matchOnEntry(item, row, on[i])
		if on[i].Op == core.OpNot {
			v = !v
		}
		j := i + 1
		for ; j < len(on) && on[j].Op == core.OpOr; j++ {
			v = v || matchOnEntry(item, row, on[j])
		}
		result = result && v
		i = j
	}
	return result
}

func matchOnEntry(item, row core.Item, on dsl.OnEntry) bool {
	return compareSets(fieldValues(item, on.Index), fieldValues(row, on.JoinIndex), on.Cond)
}

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit != dsl.NoLimit && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// isDistanceExpr reports whether a sort entry is an ST_Distance expression
func isDistanceExpr(field string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(field)), "ST_DISTANCE(")
}

// sortValue computes the value an item is ordered by
func sortValue(item core.Item, field string) any {
	if !isDistanceExpr(field) {
		v, ok := fieldValue(item, field)
		if !ok {
			return nil
		}
		if arr, isArr := v.([]any); isArr {
			if len(arr) == 0 {
				return nil
			}
			return arr[0]
		}
		return v
	}

	inner := strings.TrimSpace(field)
	inner = inner[strings.Index(inner, "(")+1 : strings.LastIndex(inner, ")")]
	args := splitArgs(inner)
	if len(args) != 2 {
		return nil
	}
	a, okA := distanceArg(item, args[0])
	b, okB := distanceArg(item, args[1])
	if !okA || !okB {
		return nil
	}
	return math.Sqrt(a.DistanceSquared(b))
}

// splitArgs splits on commas outside parentheses and quotes
func splitArgs(s string) []string {
	var args []string
	depth, start := 0, 0
	quoted := false
	for i, r := range s {
		switch {
		case r == '\'':
			quoted = !quoted
		case quoted:
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(args, strings.TrimSpace(s[start:]))
}

func distanceArg(item core.Item, arg string) (core.Point, bool) {
	if strings.HasPrefix(strings.ToUpper(arg), "ST_GEOMFROMTEXT(") {
		text := arg[strings.Index(arg, "(")+1 : strings.LastIndex(arg, ")")]
		text = strings.Trim(strings.TrimSpace(text), "'")
		text = strings.TrimSpace(text)
		if !strings.HasPrefix(strings.ToLower(text), "point(") || !strings.HasSuffix(text, ")") {
			return core.Point{}, false
		}
		coords := strings.Fields(text[len("point(") : len(text)-1])
		if len(coords) != 2 {
			return core.Point{}, false
		}
		px, errX := strconv.ParseFloat(coords[0], 64)
		py, errY := strconv.ParseFloat(coords[1], 64)
		return core.Point{X: px, Y: py}, errX == nil && errY == nil
	}
	v, ok := fieldValue(item, arg)
	if !ok {
		return core.Point{}, false
	}
	return core.PointFromValue(v)
}

// sortItems orders items by sort entries. Items holding forced values of
// the first entry come first, in the order the values were given.
func sortItems(items []core.Item, entries []dsl.SortEntry) {
	forced := entries[0].Forced
	rank := func(item core.Item) int {
		if len(forced) == 0 {
			return -1
		}
		v := sortValue(item, entries[0].Field)
		for i, f := range forced {
			if core.CompareValues(v, f) == 0 {
				return i
			}
		}
		return len(forced)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if len(forced) > 0 {
			ri, rj := rank(items[i]), rank(items[j])
			if ri != rj {
				return ri < rj
			}
			if ri < len(forced) {
				return false
			}
		}
		for _, s := range entries {
			c := core.CompareValues(sortValue(items[i], s.Field), sortValue(items[j], s.Field))
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// project keeps only the selected fields of an item
func project(item core.Item, fields []string) core.Item {
	if len(fields) == 0 || slices.Contains(fields, "*") {
		return item
	}
	out := make(core.Item, len(fields))
	for _, f := range fields {
		if v, ok := fieldValue(item, f); ok {
			setField(out, f, v)
		}
	}
	return out
}

// selectRows runs a select query with its joins and merges
func (inst *instance) selectRows(q *dsl.Query) (*selection, error) {
	start := time.Now()
	x, err := inst.newExecutor(q)
	if err != nil {
		return nil, err
	}

	pks := x.match()
	matched := make([]core.Item, len(pks))
	for i, pk := range pks {
		matched[i] = x.ns.items[pk]
	}
	if len(q.Sort) > 0 {
		sortItems(matched, q.Sort)
	}

	sel := &selection{matched: len(matched), total: x.total(len(matched))}
	aggs, err := aggregate(matched, q.Aggregations)
	if err != nil {
		return nil, err
	}
	sel.aggs = aggs

	for _, item := range page(matched, q.Offset, q.Limit) {
		row := copyItem(project(item, q.SelectFilter))
		for _, js := range x.joins {
			key := "joined_" + js.jq.Query.Namespace
			joined := x.joinedFor(item, js)
			list := make([]any, 0, len(joined))
			for _, j := range joined {
				list = append(list, map[string]any(copyItem(project(j, js.jq.Query.SelectFilter))))
			}
			if existing, ok := row[key].([]any); ok {
				list = append(existing, list...)
			}
			row[key] = list
		}
		sel.rows = append(sel.rows, row)
	}

	for _, mq := range q.Merges {
		merged, err := inst.selectRows(mq)
		if err != nil {
			return nil, err
		}
		sel.rows = append(sel.rows, merged.rows...)
		sel.matched += merged.matched
		sel.total += merged.total
	}

	elapsed := time.Since(start)
	if level, ok := logger.QueryLevel(q.Debug); ok {
		inst.log.Log(context.Background(), level, "query executed", "query", q.String(), "matched", len(matched), "returned", len(sel.rows), "elapsed", elapsed)
	}
	if q.Explain {
		sel.explain = x.explain(len(matched), elapsed)
	}
	return sel, nil
}

// total computes the total count requested by the query
func (x *executor) total(matched int) int {
	mode := x.q.Total
	for _, agg := range x.q.Aggregations {
		switch {
		case agg.Type == core.AggCount && mode == core.NoCalcTotal:
			mode = core.AccurateTotal
		case agg.Type == core.AggCountCached && mode == core.NoCalcTotal:
			mode = core.CachedTotal
		}
	}
	switch mode {
	case core.AccurateTotal:
		return matched
	case core.CachedTotal:
		key := fmt.Sprintf("%s@%d.%d", x.q.String(), x.ns.epoch, x.ns.version)
		if n, ok := x.inst.totals.Get(key); ok {
			return n
		}
		x.inst.totals.Add(key, matched)
		return matched
	}
	return 0
}

type explainOutput struct {
	Query     string     `json:"query"`
	Selectors []selector `json:"selectors"`
	Sort      []string   `json:"sort,omitempty"`
	Joins     []string   `json:"joins,omitempty"`
	Matched   int        `json:"matched"`
	TotalUs   int64      `json:"total_us"`
	// Commit is the storage commit the namespace state was read at
	Commit string `json:"commit,omitempty"`
}

func (x *executor) explain(matched int, elapsed time.Duration) string {
	out := explainOutput{
		Query:     x.q.String(),
		Selectors: x.selectors,
		Matched:   matched,
		TotalUs:   elapsed.Microseconds(),
		Commit:    x.inst.store.LatestTransaction().Id,
	}
	for _, s := range x.q.Sort {
		out.Sort = append(out.Sort, s.Field)
	}
	for _, js := range x.joins {
		out.Joins = append(out.Joins, fmt.Sprintf("%s %s", js.jq.Type, js.jq.Query.Namespace))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(data)
}
