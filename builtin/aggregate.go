package builtin

import (
	"slices"
	"sort"
	"strings"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
)

// aggregate computes the query aggregations over every matched item,
// ignoring offset and limit
func aggregate(items []core.Item, aggs []dsl.Aggregation) ([]core.AggregationResult, error) {
	results := make([]core.AggregationResult, 0, len(aggs))
	for _, agg := range aggs {
		res := core.AggregationResult{Type: agg.Type.String(), Fields: agg.Fields}
		switch agg.Type {
		case core.AggCount, core.AggCountCached:
			n := float64(len(items))
			res.Value = &n
		case core.AggSum, core.AggAvg, core.AggMin, core.AggMax:
			res.Value = numericAggregate(items, agg)
		case core.AggDistinct:
			res.Distincts = distinct(items, agg.Fields[0])
		case core.AggFacet:
			facets, err := facet(items, agg)
			if err != nil {
				return nil, err
			}
			res.Facets = facets
		default:
			return nil, api.Errorf(api.ErrParams, "Unknown aggregation type %d", agg.Type)
		}
		results = append(results, res)
	}
	return results, nil
}

func numericAggregate(items []core.Item, agg dsl.Aggregation) *float64 {
	var values []float64
	for _, item := range items {
		for _, v := range fieldValues(item, agg.Fields[0]) {
			if f, ok := core.ToFloat(v); ok {
				values = append(values, f)
			}
		}
	}

	var result float64
	switch agg.Type {
	case core.AggSum:
		for _, v := range values {
			result += v
		}
		return &result
	case core.AggAvg:
		if len(values) == 0 {
			return nil
		}
		for _, v := range values {
			result += v
		}
		result /= float64(len(values))
	case core.AggMin:
		if len(values) == 0 {
			return nil
		}
		result = slices.Min(values)
	case core.AggMax:
		if len(values) == 0 {
			return nil
		}
		result = slices.Max(values)
	}
	return &result
}

func distinct(items []core.Item, field string) []any {
	seen := make(map[string]bool)
	var out []any
	for _, item := range items {
		for _, v := range fieldValues(item, field) {
			if v == nil {
				continue
			}
			key := core.ValueString(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, core.Canonical(v))
		}
	}
	return out
}

// facet counts the distinct value tuples of the aggregation fields. A single
// array field contributes one bucket per element.
func facet(items []core.Item, agg dsl.Aggregation) ([]core.FacetResult, error) {
	counts := make(map[string]*core.FacetResult)
	var order []string
	add := func(values []string) {
		key := strings.Join(values, "\x00")
		if r, ok := counts[key]; ok {
			r.Count++
			return
		}
		counts[key] = &core.FacetResult{Values: values, Count: 1}
		order = append(order, key)
	}

	for _, item := range items {
		if len(agg.Fields) == 1 {
			for _, v := range fieldValues(item, agg.Fields[0]) {
				add([]string{core.ValueString(v)})
			}
			continue
		}
		values := make([]string, len(agg.Fields))
		for i, f := range agg.Fields {
			v, _ := fieldValue(item, f)
			values[i] = core.ValueString(v)
		}
		add(values)
	}

	facets := make([]core.FacetResult, 0, len(order))
	for _, key := range order {
		facets = append(facets, *counts[key])
	}

	sorts := agg.Sort
	if len(sorts) == 0 {
		for _, f := range agg.Fields {
			sorts = append(sorts, dsl.SortEntry{Field: f})
		}
	}
	for _, s := range sorts {
		if s.Field != "count" && !slices.Contains(agg.Fields, s.Field) {
			return nil, api.Errorf(api.ErrParams, "The aggregation facet cannot provide sort by '%s'", s.Field)
		}
	}
	sort.SliceStable(facets, func(i, j int) bool {
		for _, s := range sorts {
			var c int
			if s.Field == "count" {
				c = facets[i].Count - facets[j].Count
			} else {
				pos := slices.Index(agg.Fields, s.Field)
				c = core.CompareValues(facets[i].Values[pos], facets[j].Values[pos])
			}
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
	return page(facets, agg.Offset, agg.Limit), nil
}
