package core

import (
	"fmt"
	"slices"
)

var (
	indexFieldTypes = []string{"int", "int64", "double", "string", "bool", "composite", "float_vector", "point", "uuid"}
	indexTypes      = []string{"hash", "tree", "text", "-", "hnsw", "vec_bf", "ivf", "rtree"}
	collateModes    = []string{"", "none", "ascii", "utf8", "numeric", "custom"}
)

// IndexDef describes one namespace index
type IndexDef struct {
	Name             string         `json:"name"`
	JSONPaths        []string       `json:"json_paths"`
	FieldType        string         `json:"field_type"`
	IndexType        string         `json:"index_type"`
	IsPK             bool           `json:"is_pk,omitempty"`
	IsArray          bool           `json:"is_array,omitempty"`
	IsDense          bool           `json:"is_dense,omitempty"`
	IsSparse         bool           `json:"is_sparse,omitempty"`
	CollateMode      string         `json:"collate_mode,omitempty"`
	SortOrderLetters string         `json:"sort_order_letters,omitempty"`
	ExpireAfter      int64          `json:"expire_after,omitempty"`
	Config           map[string]any `json:"config,omitempty"`
}

// Paths returns the json paths of the index, defaulting to its name
func (idx IndexDef) Paths() []string {
	if len(idx.JSONPaths) == 0 {
		return []string{idx.Name}
	}
	return idx.JSONPaths
}

// IsComposite reports whether the index spans several fields
func (idx IndexDef) IsComposite() bool {
	return idx.FieldType == "composite"
}

// Validate checks the definition against the supported field and index types
func (idx IndexDef) Validate() error {
	if idx.Name == "" {
		return fmt.Errorf("index name is empty")
	}
	if !slices.Contains(indexFieldTypes, idx.FieldType) {
		return fmt.Errorf("unsupported field type '%s' for index '%s'", idx.FieldType, idx.Name)
	}
	if !slices.Contains(indexTypes, idx.IndexType) {
		return fmt.Errorf("unsupported index type '%s' for index '%s'", idx.IndexType, idx.Name)
	}
	if !slices.Contains(collateModes, idx.CollateMode) {
		return fmt.Errorf("unsupported collate mode '%s' for index '%s'", idx.CollateMode, idx.Name)
	}
	if idx.IsComposite() && len(idx.JSONPaths) < 2 {
		return fmt.Errorf("composite index '%s' needs at least two json paths", idx.Name)
	}
	return nil
}

// NamespaceDef describes a namespace as returned by NamespacesEnum
type NamespaceDef struct {
	Name    string     `json:"name"`
	Indexes []IndexDef `json:"indexes"`
	Schema  string     `json:"schema,omitempty"`
	Opened  bool       `json:"opened"`
}

// PKIndex returns the primary key index of the namespace
func (ns NamespaceDef) PKIndex() (IndexDef, bool) {
	for _, idx := range ns.Indexes {
		if idx.IsPK {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// Index returns the index with the given name
func (ns NamespaceDef) Index(name string) (IndexDef, bool) {
	for _, idx := range ns.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// FacetResult is one bucket of a facet aggregation
type FacetResult struct {
	Values []string `json:"values"`
	Count  int      `json:"count"`
}

// AggregationResult is the outcome of one aggregation of a query
type AggregationResult struct {
	Type      string        `json:"type"`
	Fields    []string      `json:"fields"`
	Value     *float64      `json:"value,omitempty"`
	Facets    []FacetResult `json:"facets,omitempty"`
	Distincts []any         `json:"distincts,omitempty"`
}
