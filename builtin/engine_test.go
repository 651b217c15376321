package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/logger"
)

var ctx = context.Background()

func setupTestEngine(t *testing.T) (*Engine, api.Handle) {
	t.Helper()
	return setupTestEngineAt(t, "builtin://")
}

func setupTestEngineAt(t *testing.T, dsn string) (*Engine, api.Handle) {
	t.Helper()
	e := New()
	rx, err := e.Init(api.Config{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to init instance: %v", err)
	}
	if err := e.Connect(ctx, rx, dsn); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	return e, rx
}

func createItems(t *testing.T, e *Engine, rx api.Handle) {
	t.Helper()
	if err := e.NamespaceOpen(ctx, rx, "items"); err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	indexes := []core.IndexDef{
		{Name: "id", FieldType: "int", IndexType: "hash", IsPK: true},
		{Name: "name", FieldType: "string", IndexType: "hash"},
		{Name: "price", FieldType: "int", IndexType: "tree"},
	}
	for _, idx := range indexes {
		if err := e.IndexAdd(ctx, rx, "items", idx); err != nil {
			t.Fatalf("Failed to add index %s: %v", idx.Name, err)
		}
	}
}

func insertTestData(t *testing.T, e *Engine, rx api.Handle) {
	t.Helper()
	for _, item := range []string{
		`{"id": 1, "name": "a", "price": 10, "tags": ["x", "y"]}`,
		`{"id": 2, "name": "b", "price": 20, "tags": ["y"]}`,
		`{"id": 3, "name": "c", "price": 30}`,
	} {
		if err := e.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte(item), nil); err != nil {
			t.Fatalf("Failed to upsert item: %v", err)
		}
	}
}

func setupWithData(t *testing.T) (*Engine, api.Handle) {
	t.Helper()
	e, rx := setupTestEngine(t)
	createItems(t, e, rx)
	insertTestData(t, e, rx)
	return e, rx
}

func readAll(t *testing.T, e *Engine, res api.Results) []map[string]any {
	t.Helper()
	defer e.ResultsDelete(res.Handle)
	rows := make([]map[string]any, 0, res.Count)
	for i := 0; i < res.Count; i++ {
		data, err := e.ResultsIterate(res.Handle)
		if err != nil {
			t.Fatalf("Failed to iterate results: %v", err)
		}
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil {
			t.Fatalf("Failed to decode item: %v", err)
		}
		rows = append(rows, row)
	}
	return rows
}

func ids(rows []map[string]any) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i], _ = row["id"].(float64)
	}
	return out
}

func equalIDs(got []float64, want ...float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func newQuery(t *testing.T, e *Engine, rx api.Handle, ns string) api.Handle {
	t.Helper()
	q, err := e.CreateQuery(rx, ns)
	if err != nil {
		t.Fatalf("Failed to create query: %v", err)
	}
	return q
}

func TestSelectSQL(t *testing.T) {
	e, rx := setupWithData(t)

	res, err := e.Select(ctx, rx, "SELECT * FROM items WHERE price > 15")
	if err != nil {
		t.Fatalf("Failed to execute SELECT: %v", err)
	}
	rows := readAll(t, e, res)
	if !equalIDs(ids(rows), 2, 3) {
		t.Errorf("Expected ids [2 3], got %v", ids(rows))
	}
}

func TestSelectSQLErrors(t *testing.T) {
	e, rx := setupWithData(t)

	tests := []struct {
		sql  string
		code api.ErrorCode
	}{
		{"SELECT * FROM", api.ErrParseSQL},
		{"SELECT * FROM missing", api.ErrNotFound},
	}
	for _, tt := range tests {
		_, err := e.Select(ctx, rx, tt.sql)
		if api.CodeOf(err) != tt.code {
			t.Errorf("%q: expected code %d, got %v", tt.sql, tt.code, err)
		}
	}
}

func TestItemModifyModes(t *testing.T) {
	e, rx := setupWithData(t)

	// Insert of an existing key and update of a missing key change nothing
	if err := e.ItemModify(ctx, rx, "items", core.ModeInsert, []byte(`{"id": 1, "name": "changed", "price": 1}`), nil); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	if err := e.ItemModify(ctx, rx, "items", core.ModeUpdate, []byte(`{"id": 9, "name": "z", "price": 1}`), nil); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if err := e.ItemModify(ctx, rx, "items", core.ModeUpdate, []byte(`{"id": 2, "name": "b2", "price": 21}`), nil); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	if err := e.ItemModify(ctx, rx, "items", core.ModeDelete, []byte(`{"id": 3}`), nil); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	res, err := e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	rows := readAll(t, e, res)
	if !equalIDs(ids(rows), 1, 2) {
		t.Fatalf("Expected ids [1 2], got %v", ids(rows))
	}
	if rows[0]["name"] != "a" {
		t.Errorf("Insert overwrote existing item: %v", rows[0])
	}
	if rows[1]["name"] != "b2" {
		t.Errorf("Update was not applied: %v", rows[1])
	}
}

func TestItemModifyValidation(t *testing.T) {
	e, rx := setupWithData(t)

	tests := []struct {
		name string
		item string
		code api.ErrorCode
	}{
		{"invalid json", `{"id": `, api.ErrParseJSON},
		{"missing pk", `{"name": "x"}`, api.ErrParams},
		{"wrong type", `{"id": 5, "price": "cheap"}`, api.ErrParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte(tt.item), nil)
			if api.CodeOf(err) != tt.code {
				t.Errorf("Expected code %d, got %v", tt.code, err)
			}
		})
	}
}

func TestPrecepts(t *testing.T) {
	e, rx := setupTestEngine(t)
	createItems(t, e, rx)

	precepts := []string{"id=serial()", "total=price * 2", "updated=now(msec)"}
	for _, item := range []string{`{"name": "a", "price": 10}`, `{"name": "b", "price": 7}`} {
		if err := e.ItemModify(ctx, rx, "items", core.ModeInsert, []byte(item), precepts); err != nil {
			t.Fatalf("Failed to insert with precepts: %v", err)
		}
	}

	res, err := e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	rows := readAll(t, e, res)
	if !equalIDs(ids(rows), 1, 2) {
		t.Fatalf("Expected serial ids [1 2], got %v", ids(rows))
	}
	if rows[1]["total"] != float64(14) {
		t.Errorf("Expected total 14, got %v", rows[1]["total"])
	}
	if ts, _ := rows[0]["updated"].(float64); ts <= 0 {
		t.Errorf("Expected timestamp, got %v", rows[0]["updated"])
	}

	err = e.ItemModify(ctx, rx, "items", core.ModeInsert, []byte(`{"name": "c"}`), []string{"no assignment"})
	if api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected params error for malformed precept, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	e, rx := setupWithData(t)

	tests := []struct {
		name  string
		build func(q api.Handle) error
		want  []float64
	}{
		{"eq by index", func(q api.Handle) error {
			return e.Where(q, "name", core.CondEq, []any{"b"})
		}, []float64{2}},
		{"set", func(q api.Handle) error {
			return e.Where(q, "id", core.CondSet, []any{1, 3})
		}, []float64{1, 3}},
		{"range", func(q api.Handle) error {
			return e.Where(q, "price", core.CondRange, []any{15, 30})
		}, []float64{2, 3}},
		{"or", func(q api.Handle) error {
			if err := e.Where(q, "price", core.CondEq, []any{10}); err != nil {
				return err
			}
			if err := e.LogOp(q, core.OpOr); err != nil {
				return err
			}
			return e.Where(q, "price", core.CondEq, []any{30})
		}, []float64{1, 3}},
		{"not", func(q api.Handle) error {
			if err := e.LogOp(q, core.OpNot); err != nil {
				return err
			}
			return e.Where(q, "name", core.CondEq, []any{"a"})
		}, []float64{2, 3}},
		{"brackets", func(q api.Handle) error {
			if err := e.Where(q, "price", core.CondGt, []any{15}); err != nil {
				return err
			}
			if err := e.OpenBracket(q); err != nil {
				return err
			}
			if err := e.Where(q, "name", core.CondEq, []any{"a"}); err != nil {
				return err
			}
			if err := e.LogOp(q, core.OpOr); err != nil {
				return err
			}
			if err := e.Where(q, "name", core.CondEq, []any{"c"}); err != nil {
				return err
			}
			return e.CloseBracket(q)
		}, []float64{3}},
		{"array any element", func(q api.Handle) error {
			return e.Where(q, "tags", core.CondEq, []any{"y"})
		}, []float64{1, 2}},
		{"allset", func(q api.Handle) error {
			return e.Where(q, "tags", core.CondAllSet, []any{"x", "y"})
		}, []float64{1}},
		{"empty", func(q api.Handle) error {
			return e.Where(q, "tags", core.CondEmpty, nil)
		}, []float64{3}},
		{"like", func(q api.Handle) error {
			return e.Where(q, "name", core.CondLike, []any{"_"})
		}, []float64{1, 2, 3}},
		{"between fields", func(q api.Handle) error {
			return e.WhereBetweenFields(q, "id", core.CondLt, "price")
		}, []float64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQuery(t, e, rx, "items")
			defer e.DestroyQuery(q)
			if err := tt.build(q); err != nil {
				t.Fatalf("Failed to build query: %v", err)
			}
			res, err := e.SelectQuery(ctx, q)
			if err != nil {
				t.Fatalf("Failed to execute query: %v", err)
			}
			if got := ids(readAll(t, e, res)); !equalIDs(got, tt.want...) {
				t.Errorf("Expected ids %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSortLimitOffset(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Sort(q, "price", true, nil); err != nil {
		t.Fatalf("Failed to sort: %v", err)
	}
	if err := e.Limit(q, 2); err != nil {
		t.Fatalf("Failed to limit: %v", err)
	}
	if err := e.Offset(q, 1); err != nil {
		t.Fatalf("Failed to offset: %v", err)
	}
	if err := e.Total(q, core.AccurateTotal); err != nil {
		t.Fatalf("Failed to request total: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if res.TotalCount != 3 {
		t.Errorf("Expected total 3, got %d", res.TotalCount)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 2, 1) {
		t.Errorf("Expected ids [2 1], got %v", got)
	}
}

func TestForcedSort(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Sort(q, "name", false, []any{"c"}); err != nil {
		t.Fatalf("Failed to sort: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 3, 1, 2) {
		t.Errorf("Expected ids [3 1 2], got %v", got)
	}
}

func TestCachedTotal(t *testing.T) {
	e, rx := setupWithData(t)

	for i := 0; i < 2; i++ {
		q := newQuery(t, e, rx, "items")
		if err := e.Total(q, core.CachedTotal); err != nil {
			t.Fatalf("Failed to request total: %v", err)
		}
		if err := e.Limit(q, 1); err != nil {
			t.Fatalf("Failed to limit: %v", err)
		}
		res, err := e.SelectQuery(ctx, q)
		if err != nil {
			t.Fatalf("Failed to execute query: %v", err)
		}
		if res.TotalCount != 3 || res.Count != 1 {
			t.Errorf("Expected total 3 and count 1, got %d and %d", res.TotalCount, res.Count)
		}
		e.ResultsDelete(res.Handle)
	}
}

func TestCachedTotalAfterRecreate(t *testing.T) {
	e, rx := setupWithData(t)

	countNamed := func(name string) (int, int) {
		t.Helper()
		q := newQuery(t, e, rx, "items")
		if err := e.Where(q, "name", core.CondEq, []any{name}); err != nil {
			t.Fatalf("Failed to filter: %v", err)
		}
		if err := e.Total(q, core.CachedTotal); err != nil {
			t.Fatalf("Failed to request total: %v", err)
		}
		res, err := e.SelectQuery(ctx, q)
		if err != nil {
			t.Fatalf("Failed to execute query: %v", err)
		}
		e.ResultsDelete(res.Handle)
		return res.TotalCount, res.Count
	}

	if total, count := countNamed("a"); total != 1 || count != 1 {
		t.Fatalf("Expected total 1 and count 1, got %d and %d", total, count)
	}

	if err := e.NamespaceDrop(ctx, rx, "items"); err != nil {
		t.Fatalf("Failed to drop namespace: %v", err)
	}
	createItems(t, e, rx)
	if err := e.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte(`{"id": 1, "name": "b", "price": 10}`), nil); err != nil {
		t.Fatalf("Failed to upsert item: %v", err)
	}
	if total, count := countNamed("a"); total != 0 || count != 0 {
		t.Errorf("Expected total 0 and count 0 after recreate, got %d and %d", total, count)
	}

	if total, _ := countNamed("b"); total != 1 {
		t.Fatalf("Expected total 1, got %d", total)
	}
	if err := e.NamespaceClose(ctx, rx, "items"); err != nil {
		t.Fatalf("Failed to close namespace: %v", err)
	}
	if err := e.NamespaceOpen(ctx, rx, "items"); err != nil {
		t.Fatalf("Failed to reopen namespace: %v", err)
	}
	if err := e.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte(`{"id": 2, "name": "b", "price": 20}`), nil); err != nil {
		t.Fatalf("Failed to upsert item: %v", err)
	}
	if total, _ := countNamed("b"); total != 2 {
		t.Errorf("Expected total 2 after reopen, got %d", total)
	}
}

func TestAggregations(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	for _, agg := range []core.AggType{core.AggSum, core.AggAvg, core.AggMin, core.AggMax} {
		if err := e.Aggregate(q, "price", agg); err != nil {
			t.Fatalf("Failed to aggregate: %v", err)
		}
	}
	if err := e.Aggregate(q, "tags", core.AggDistinct); err != nil {
		t.Fatalf("Failed to aggregate: %v", err)
	}
	if err := e.AggregateFacet(q, []string{"tags"}); err != nil {
		t.Fatalf("Failed to aggregate facet: %v", err)
	}
	if err := e.AggregationSort(q, "count", true); err != nil {
		t.Fatalf("Failed to sort facet: %v", err)
	}
	if err := e.AggregationLimit(q, 1); err != nil {
		t.Fatalf("Failed to limit facet: %v", err)
	}
	if err := e.Limit(q, 0); err != nil {
		t.Fatalf("Failed to limit: %v", err)
	}

	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	defer e.ResultsDelete(res.Handle)
	if res.Count != 0 {
		t.Errorf("Expected no items, got %d", res.Count)
	}

	aggs, err := e.AggResults(res.Handle)
	if err != nil {
		t.Fatalf("Failed to read aggregations: %v", err)
	}
	if len(aggs) != 6 {
		t.Fatalf("Expected 6 aggregations, got %d", len(aggs))
	}
	want := []float64{60, 20, 10, 30}
	for i, w := range want {
		if aggs[i].Value == nil || *aggs[i].Value != w {
			t.Errorf("Aggregation %s: expected %v, got %v", aggs[i].Type, w, aggs[i].Value)
		}
	}
	if len(aggs[4].Distincts) != 2 {
		t.Errorf("Expected 2 distinct tags, got %v", aggs[4].Distincts)
	}
	facets := aggs[5].Facets
	if len(facets) != 1 || facets[0].Values[0] != "y" || facets[0].Count != 2 {
		t.Errorf("Expected top facet y=2, got %v", facets)
	}
}

func TestJoins(t *testing.T) {
	e, rx := setupWithData(t)
	if err := e.NamespaceOpen(ctx, rx, "orders"); err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	if err := e.IndexAdd(ctx, rx, "orders", core.IndexDef{Name: "id", FieldType: "int", IndexType: "hash", IsPK: true}); err != nil {
		t.Fatalf("Failed to add index: %v", err)
	}
	for _, order := range []string{`{"id": 1, "item_id": 1}`, `{"id": 2, "item_id": 5}`} {
		if err := e.ItemModify(ctx, rx, "orders", core.ModeUpsert, []byte(order), nil); err != nil {
			t.Fatalf("Failed to upsert order: %v", err)
		}
	}

	tests := []struct {
		joinType core.JoinType
		want     []float64
	}{
		{core.InnerJoin, []float64{1}},
		{core.LeftJoin, []float64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.joinType.String(), func(t *testing.T) {
			q := newQuery(t, e, rx, "orders")
			child := newQuery(t, e, rx, "items")
			if err := e.Join(q, tt.joinType, child); err != nil {
				t.Fatalf("Failed to join: %v", err)
			}
			if err := e.On(child, "item_id", core.CondEq, "id"); err != nil {
				t.Fatalf("Failed to add join condition: %v", err)
			}
			res, err := e.SelectQuery(ctx, q)
			if err != nil {
				t.Fatalf("Failed to execute query: %v", err)
			}
			rows := readAll(t, e, res)
			if !equalIDs(ids(rows), tt.want...) {
				t.Fatalf("Expected ids %v, got %v", tt.want, ids(rows))
			}
			joined, _ := rows[0]["joined_items"].([]any)
			if len(joined) != 1 {
				t.Errorf("Expected one joined item, got %v", rows[0]["joined_items"])
			}
		})
	}
}

func TestMerge(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Where(q, "id", core.CondEq, []any{1}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	other := newQuery(t, e, rx, "items")
	if err := e.Where(other, "id", core.CondEq, []any{3}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.Merge(q, other); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1, 3) {
		t.Errorf("Expected ids [1 3], got %v", got)
	}
}

func TestSubqueries(t *testing.T) {
	e, rx := setupWithData(t)

	sub := newQuery(t, e, rx, "items")
	if err := e.Where(sub, "name", core.CondSet, []any{"a", "b"}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.SelectFilter(sub, []string{"id"}); err != nil {
		t.Fatalf("Failed to select fields: %v", err)
	}

	q := newQuery(t, e, rx, "items")
	if err := e.WhereSubquery(q, "id", core.CondSet, sub); err != nil {
		t.Fatalf("Failed to add subquery: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1, 2) {
		t.Errorf("Expected ids [1 2], got %v", got)
	}
}

func TestGeometry(t *testing.T) {
	e, rx := setupTestEngine(t)
	if err := e.NamespaceOpen(ctx, rx, "places"); err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	if err := e.IndexAdd(ctx, rx, "places", core.IndexDef{Name: "id", FieldType: "int", IndexType: "hash", IsPK: true}); err != nil {
		t.Fatalf("Failed to add index: %v", err)
	}
	for _, place := range []string{`{"id": 1, "loc": [1, 1]}`, `{"id": 2, "loc": [5, 5]}`} {
		if err := e.ItemModify(ctx, rx, "places", core.ModeUpsert, []byte(place), nil); err != nil {
			t.Fatalf("Failed to upsert place: %v", err)
		}
	}

	q := newQuery(t, e, rx, "places")
	if err := e.DWithin(q, "loc", core.Point{X: 0, Y: 0}, 2); err != nil {
		t.Fatalf("Failed to add dwithin: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1) {
		t.Errorf("Expected ids [1], got %v", got)
	}

	q = newQuery(t, e, rx, "places")
	expr := "ST_Distance(loc, ST_GeomFromText('" + (core.Point{X: 6, Y: 6}).String() + "'))"
	if err := e.Sort(q, expr, false, nil); err != nil {
		t.Fatalf("Failed to sort: %v", err)
	}
	res, err = e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 2, 1) {
		t.Errorf("Expected ids [2 1], got %v", got)
	}
}

func TestSelectFilterAndExplain(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Where(q, "name", core.CondEq, []any{"a"}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.SelectFilter(q, []string{"id", "name"}); err != nil {
		t.Fatalf("Failed to select fields: %v", err)
	}
	if err := e.Explain(q); err != nil {
		t.Fatalf("Failed to request explain: %v", err)
	}
	res, err := e.SelectQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	explain, err := e.ExplainResults(res.Handle)
	if err != nil {
		t.Fatalf("Failed to read explain: %v", err)
	}
	if !strings.Contains(explain, `"method":"index"`) {
		t.Errorf("Expected index selector in explain, got %s", explain)
	}
	var out struct {
		Commit string `json:"commit"`
	}
	if err := json.Unmarshal([]byte(explain), &out); err != nil {
		t.Fatalf("Failed to decode explain: %v", err)
	}
	if len(out.Commit) != 40 {
		t.Errorf("Expected explain to carry the storage commit, got %q", out.Commit)
	}

	rows := readAll(t, e, res)
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if _, ok := rows[0]["price"]; ok {
		t.Errorf("Expected price to be filtered out, got %v", rows[0])
	}
}

func TestStrictMode(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Strict(q, core.StrictModeIndexes); err != nil {
		t.Fatalf("Failed to set strict mode: %v", err)
	}
	if err := e.Where(q, "tags", core.CondAny, nil); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if _, err := e.SelectQuery(ctx, q); api.CodeOf(err) != api.ErrQueryExec {
		t.Errorf("Expected query exec error, got %v", err)
	}
}

func TestResultsExhausted(t *testing.T) {
	e, rx := setupWithData(t)

	res, err := e.Select(ctx, rx, "SELECT * FROM items WHERE id = 1")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if _, err := e.ResultsIterate(res.Handle); err != nil {
		t.Fatalf("Failed to iterate: %v", err)
	}
	if _, err := e.ResultsIterate(res.Handle); api.CodeOf(err) != api.ErrNoData {
		t.Errorf("Expected no data error, got %v", err)
	}
	e.ResultsDelete(res.Handle)
	if err := e.ResultsStatus(res.Handle); err == nil {
		t.Error("Expected error for deleted results")
	}
}

func TestUpdateAndDeleteQuery(t *testing.T) {
	e, rx := setupWithData(t)

	q := newQuery(t, e, rx, "items")
	if err := e.Where(q, "price", core.CondGe, []any{20}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.Set(q, "price", []any{99}, false); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if err := e.Expression(q, "label", "name + '-' + string(id)"); err != nil {
		t.Fatalf("Failed to add expression: %v", err)
	}
	if err := e.Drop(q, "tags"); err != nil {
		t.Fatalf("Failed to drop: %v", err)
	}
	res, err := e.UpdateQuery(ctx, q)
	if err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	rows := readAll(t, e, res)
	if len(rows) != 2 {
		t.Fatalf("Expected 2 updated items, got %d", len(rows))
	}
	if rows[0]["price"] != float64(99) || rows[0]["label"] != "b-2" {
		t.Errorf("Unexpected updated item %v", rows[0])
	}
	if _, ok := rows[0]["tags"]; ok {
		t.Errorf("Expected tags to be dropped, got %v", rows[0])
	}

	dq := newQuery(t, e, rx, "items")
	if err := e.Where(dq, "price", core.CondEq, []any{99}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	deleted, err := e.DeleteQuery(ctx, dq)
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted items, got %d", deleted)
	}

	res, err = e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1) {
		t.Errorf("Expected ids [1], got %v", got)
	}
}

func TestSQLUpdateDelete(t *testing.T) {
	e, rx := setupWithData(t)

	res, err := e.Select(ctx, rx, "UPDATE items SET price = 5 WHERE id = 1")
	if err != nil {
		t.Fatalf("Failed to update: %v", err)
	}
	rows := readAll(t, e, res)
	if len(rows) != 1 || rows[0]["price"] != float64(5) {
		t.Errorf("Unexpected update result %v", rows)
	}

	res, err = e.Select(ctx, rx, "DELETE FROM items WHERE price < 25")
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1, 2) {
		t.Errorf("Expected deleted ids [1 2], got %v", got)
	}
}

func TestTransactionCommit(t *testing.T) {
	e, rx := setupWithData(t)

	tx, err := e.NewTransaction(ctx, rx, "items")
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeInsert, []byte(`{"id": 4, "name": "d", "price": 40}`), nil); err != nil {
		t.Fatalf("Failed to add insert: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeUpsert, []byte(`{"id": 1, "name": "a", "price": 11}`), nil); err != nil {
		t.Fatalf("Failed to add upsert: %v", err)
	}
	q := newQuery(t, e, rx, "items")
	if err := e.Where(q, "id", core.CondEq, []any{3}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.TxQueryModify(tx, q, core.ModeDelete); err != nil {
		t.Fatalf("Failed to add delete query: %v", err)
	}

	// Nothing is visible before commit
	res, err := e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("Expected 3 items before commit, got %d", res.Count)
	}
	e.ResultsDelete(res.Handle)

	count, err := e.CommitTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 changed items, got %d", count)
	}

	res, err = e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 1, 2, 4) {
		t.Errorf("Expected ids [1 2 4], got %v", got)
	}

	if _, err := e.CommitTransaction(ctx, tx); api.CodeOf(err) != api.ErrBadTransaction {
		t.Errorf("Expected bad transaction error on second commit, got %v", err)
	}
}

func TestTransactionFailureLeavesNamespace(t *testing.T) {
	e, rx := setupWithData(t)

	tx, err := e.NewTransaction(ctx, rx, "items")
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeUpsert, []byte(`{"id": 5, "name": "e", "price": 50}`), nil); err != nil {
		t.Fatalf("Failed to add upsert: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeUpsert, []byte(`{"name": "no pk"}`), nil); err != nil {
		t.Fatalf("Failed to add upsert: %v", err)
	}
	if _, err := e.CommitTransaction(ctx, tx); err == nil {
		t.Fatal("Expected commit to fail")
	}

	res, err := e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("Expected 3 items after failed commit, got %d", res.Count)
	}
	e.ResultsDelete(res.Handle)
}

func TestTransactionRollback(t *testing.T) {
	e, rx := setupWithData(t)

	tx, err := e.NewTransaction(ctx, rx, "items")
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeDelete, []byte(`{"id": 1}`), nil); err != nil {
		t.Fatalf("Failed to add delete: %v", err)
	}
	if err := e.RollbackTransaction(ctx, tx); err != nil {
		t.Fatalf("Failed to rollback: %v", err)
	}
	if err := e.TxItemModify(tx, core.ModeDelete, []byte(`{"id": 1}`), nil); api.CodeOf(err) != api.ErrBadTransaction {
		t.Errorf("Expected bad transaction error after rollback, got %v", err)
	}

	if _, err := e.NewTransaction(ctx, rx, "missing"); api.CodeOf(err) != api.ErrNotFound {
		t.Errorf("Expected not found for missing namespace, got %v", err)
	}
}

func TestTransactionQuerySnapshot(t *testing.T) {
	e, rx := setupWithData(t)

	tx, err := e.NewTransaction(ctx, rx, "items")
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	q := newQuery(t, e, rx, "items")
	if err := e.Where(q, "id", core.CondEq, []any{1}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}
	if err := e.TxQueryModify(tx, q, core.ModeDelete); err != nil {
		t.Fatalf("Failed to add delete query: %v", err)
	}
	if err := e.LogOp(q, core.OpOr); err != nil {
		t.Fatalf("Failed to set operation: %v", err)
	}
	if err := e.Where(q, "id", core.CondEq, []any{2}); err != nil {
		t.Fatalf("Failed to filter: %v", err)
	}

	count, err := e.CommitTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 changed item, got %d", count)
	}

	res, err := e.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 2, 3) {
		t.Errorf("Expected ids [2 3], got %v", got)
	}
}

func TestNamespaceOperations(t *testing.T) {
	e, rx := setupWithData(t)

	if err := e.NamespaceOpen(ctx, rx, "other"); err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	if err := e.NamespaceClose(ctx, rx, "other"); err != nil {
		t.Fatalf("Failed to close namespace: %v", err)
	}

	defs, err := e.NamespacesEnum(ctx, rx, false)
	if err != nil {
		t.Fatalf("Failed to enumerate: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "items" || len(defs[0].Indexes) != 3 {
		t.Errorf("Expected only opened items namespace, got %v", defs)
	}

	defs, err = e.NamespacesEnum(ctx, rx, true)
	if err != nil {
		t.Fatalf("Failed to enumerate: %v", err)
	}
	if len(defs) != 2 || defs[1].Name != "other" || defs[1].Opened {
		t.Errorf("Expected closed other namespace, got %v", defs)
	}

	if err := e.NamespaceDrop(ctx, rx, "other"); err != nil {
		t.Fatalf("Failed to drop namespace: %v", err)
	}
	if err := e.NamespaceDrop(ctx, rx, "other"); api.CodeOf(err) != api.ErrNotFound {
		t.Errorf("Expected not found on second drop, got %v", err)
	}
}

func TestIndexOperations(t *testing.T) {
	e, rx := setupWithData(t)

	err := e.IndexAdd(ctx, rx, "items", core.IndexDef{Name: "name", FieldType: "int", IndexType: "tree"})
	if api.CodeOf(err) != api.ErrConflict {
		t.Errorf("Expected conflict, got %v", err)
	}
	err = e.IndexAdd(ctx, rx, "items", core.IndexDef{Name: "bad", FieldType: "blob", IndexType: "hash"})
	if api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected params error, got %v", err)
	}
	if err := e.IndexUpdate(ctx, rx, "items", core.IndexDef{Name: "name", FieldType: "string", IndexType: "tree"}); err != nil {
		t.Fatalf("Failed to update index: %v", err)
	}
	if err := e.IndexDrop(ctx, rx, "items", "name"); err != nil {
		t.Fatalf("Failed to drop index: %v", err)
	}
	if err := e.IndexDrop(ctx, rx, "items", "id"); api.CodeOf(err) != api.ErrLogic {
		t.Errorf("Expected logic error dropping pk, got %v", err)
	}

	// Filtering still works through a scan
	res, err := e.Select(ctx, rx, "SELECT * FROM items WHERE name = 'b'")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 2) {
		t.Errorf("Expected ids [2], got %v", got)
	}
}

func TestMeta(t *testing.T) {
	e, rx := setupWithData(t)

	if err := e.MetaPut(ctx, rx, "items", "version", "2"); err != nil {
		t.Fatalf("Failed to put meta: %v", err)
	}
	if err := e.MetaPut(ctx, rx, "items", "owner", "ops"); err != nil {
		t.Fatalf("Failed to put meta: %v", err)
	}
	value, err := e.MetaGet(ctx, rx, "items", "version")
	if err != nil || value != "2" {
		t.Errorf("Expected version 2, got %q (%v)", value, err)
	}
	keys, err := e.MetaEnum(ctx, rx, "items")
	if err != nil || len(keys) != 2 || keys[0] != "owner" {
		t.Errorf("Expected [owner version], got %v (%v)", keys, err)
	}
	if err := e.MetaDelete(ctx, rx, "items", "owner"); err != nil {
		t.Fatalf("Failed to delete meta: %v", err)
	}
	if value, _ := e.MetaGet(ctx, rx, "items", "owner"); value != "" {
		t.Errorf("Expected deleted meta to be empty, got %q", value)
	}
}

func TestSchema(t *testing.T) {
	e, rx := setupWithData(t)

	schema := `{"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}`
	if err := e.SetSchema(ctx, rx, "items", schema); err != nil {
		t.Fatalf("Failed to set schema: %v", err)
	}
	err := e.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte(`{"id": 7, "price": 1}`), nil)
	if api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected schema violation, got %v", err)
	}
	if err := e.SetSchema(ctx, rx, "items", `{"type": `); api.CodeOf(err) != api.ErrParseJSON {
		t.Errorf("Expected parse error for invalid schema, got %v", err)
	}
}

func TestPersistenceReopen(t *testing.T) {
	dsn := "builtin://" + t.TempDir()

	e, rx := setupTestEngineAt(t, dsn)
	createItems(t, e, rx)
	insertTestData(t, e, rx)
	if err := e.MetaPut(ctx, rx, "items", "k", "v"); err != nil {
		t.Fatalf("Failed to put meta: %v", err)
	}
	if err := e.Destroy(rx); err != nil {
		t.Fatalf("Failed to destroy: %v", err)
	}

	e, rx = setupTestEngineAt(t, dsn)
	if err := e.NamespaceOpen(ctx, rx, "items"); err != nil {
		t.Fatalf("Failed to reopen namespace: %v", err)
	}
	res, err := e.Select(ctx, rx, "SELECT * FROM items WHERE name = 'c'")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if got := ids(readAll(t, e, res)); !equalIDs(got, 3) {
		t.Errorf("Expected ids [3], got %v", got)
	}
	if value, _ := e.MetaGet(ctx, rx, "items", "k"); value != "v" {
		t.Errorf("Expected meta to survive reopen, got %q", value)
	}
}

func TestHandles(t *testing.T) {
	e := New()

	if _, err := e.CreateQuery(0, "items"); api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected params error for invalid instance, got %v", err)
	}
	rx, err := e.Init(api.Config{Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to init: %v", err)
	}
	if err := e.NamespaceOpen(ctx, rx, "items"); api.CodeOf(err) != api.ErrNotValid {
		t.Errorf("Expected not connected error, got %v", err)
	}
	if err := e.Connect(ctx, rx, "cproto://localhost:6534/db"); api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected unsupported dsn error, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := e.Connect(cancelled, rx, "builtin://"); api.CodeOf(err) != api.ErrCanceled {
		t.Errorf("Expected canceled error, got %v", err)
	}

	if err := e.Connect(ctx, rx, "builtin://"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	q := newQuery(t, e, rx, "items")
	if err := e.Destroy(rx); err != nil {
		t.Fatalf("Failed to destroy: %v", err)
	}
	if err := e.Limit(q, 1); err == nil {
		t.Error("Expected query to be released with its instance")
	}
	if err := e.Destroy(rx); err == nil {
		t.Error("Expected error destroying twice")
	}
}
