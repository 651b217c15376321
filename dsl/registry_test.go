package dsl

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

func TestBracketsNestEntries(t *testing.T) {
	r := NewRegistry()
	h := r.Create("items")

	if err := r.Where(h, "a", core.CondEq, []any{1}); err != nil {
		t.Fatalf("Failed to add condition: %v", err)
	}
	if err := r.LogOp(h, core.OpOr); err != nil {
		t.Fatalf("Failed to set operation: %v", err)
	}
	if err := r.OpenBracket(h); err != nil {
		t.Fatalf("Failed to open bracket: %v", err)
	}
	r.Where(h, "b", core.CondGt, []any{2})
	r.Where(h, "c", core.CondLt, []any{3})
	if err := r.CloseBracket(h); err != nil {
		t.Fatalf("Failed to close bracket: %v", err)
	}
	r.Where(h, "d", core.CondEq, []any{"x"})

	q, _ := r.Lookup(h)
	if len(q.Entries) != 3 {
		t.Fatalf("Expected 3 top-level entries, got %d", len(q.Entries))
	}
	bracket := q.Entries[1]
	if bracket.Kind != BracketEntry || bracket.Op != core.OpOr {
		t.Errorf("Expected OR bracket, got kind %d op %s", bracket.Kind, bracket.Op)
	}
	if len(bracket.Children) != 2 {
		t.Errorf("Expected 2 entries in bracket, got %d", len(bracket.Children))
	}
	if q.Entries[2].Op != core.OpAnd {
		t.Errorf("Expected operation to reset to AND, got %s", q.Entries[2].Op)
	}
}

func TestCloseBracketErrors(t *testing.T) {
	r := NewRegistry()
	h := r.Create("items")

	err := r.CloseBracket(h)
	if err == nil || err.Error() != "Close bracket before open it" {
		t.Errorf("Expected close-before-open error, got %v", err)
	}

	r.OpenBracket(h)
	r.LogOp(h, core.OpOr)
	err = r.CloseBracket(h)
	if err == nil || err.Error() != "Operation before close bracket" {
		t.Errorf("Expected operation-before-close error, got %v", err)
	}
	if api.CodeOf(err) != api.ErrLogic {
		t.Errorf("Expected ErrLogic, got %d", api.CodeOf(err))
	}
}

func TestUnknownHandle(t *testing.T) {
	r := NewRegistry()
	if err := r.Limit(42, 1); api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected ErrParams for unknown handle, got %v", err)
	}
	if err := r.Limit(0, 1); err == nil {
		t.Error("Expected error for invalid handle")
	}
}

func TestJoinTopologyByReference(t *testing.T) {
	r := NewRegistry()
	parent := r.Create("orders")
	child := r.Create("customers")

	if err := r.Join(parent, core.InnerJoin, child); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}
	// ON conditions added to the child after joining are visible from the parent
	if err := r.On(child, "customer_id", core.CondEq, "id"); err != nil {
		t.Fatalf("Failed to add on: %v", err)
	}

	q, _ := r.Lookup(parent)
	if len(q.Joins) != 1 || len(q.Joins[0].Query.On) != 1 {
		t.Fatalf("Expected joined query with one ON entry, got %+v", q.Joins)
	}

	r.DestroyQuery(child)
	if len(q.Joins[0].Query.On) != 1 {
		t.Error("Expected joined query to survive child handle destruction")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 live handle, got %d", r.Len())
	}
}

func TestFacetModifiers(t *testing.T) {
	r := NewRegistry()
	h := r.Create("items")

	if err := r.AggregationLimit(h, 10); err == nil {
		t.Error("Expected error for limit without facet")
	}
	if err := r.AggregateFacet(h, []string{"brand", "year"}); err != nil {
		t.Fatalf("Failed to add facet: %v", err)
	}
	r.AggregationLimit(h, 10)
	r.AggregationOffset(h, 2)
	r.AggregationSort(h, "count", true)

	q, _ := r.Lookup(h)
	agg := q.Aggregations[0]
	if agg.Limit != 10 || agg.Offset != 2 || len(agg.Sort) != 1 || !agg.Sort[0].Desc {
		t.Errorf("Unexpected facet state: %+v", agg)
	}
}

func TestWhereUUID(t *testing.T) {
	r := NewRegistry()
	h := r.Create("items")
	r.WhereUUID(h, "uid", core.CondEq, []string{"F47AC10B-58CC-4372-A567-0E02B2C3D479", "not-a-uuid"})

	q, _ := r.Lookup(h)
	keys := q.Entries[0].Keys
	if keys[0] != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("Expected canonical uuid, got %v", keys[0])
	}
	if keys[1] != "not-a-uuid" {
		t.Errorf("Expected raw string fallback, got %v", keys[1])
	}
}

func TestQuerySerializes(t *testing.T) {
	r := NewRegistry()
	h := r.Create("items")
	sub := r.Create("other")
	r.Where(h, "id", core.CondSet, []any{1, 2})
	r.WhereSubquery(h, "id", core.CondSet, sub)
	r.Sort(h, "name", true, nil)
	r.Limit(h, 5)

	q, _ := r.Lookup(h)
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Failed to marshal query: %v", err)
	}
	var decoded Query
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal query: %v", err)
	}
	if decoded.Entries[1].Sub == nil || decoded.Entries[1].Sub.Namespace != "other" {
		t.Errorf("Expected subquery to survive serialization, got %+v", decoded.Entries[1])
	}

	s := q.String()
	if !strings.Contains(s, "FROM items") || !strings.Contains(s, "ORDER BY name DESC") || !strings.Contains(s, "LIMIT 5") {
		t.Errorf("Unexpected SQL rendering: %s", s)
	}
}
