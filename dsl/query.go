// Package dsl holds the engine-side description of a query.
//
// A Query is built incrementally through a Registry, one call per builder
// operation, and is executed by an engine once a terminal call arrives.
// Queries are plain data and serialize to JSON, which is how the remote
// protocol ships them to the server.
package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nickyhof/rxbind/core"
)

// EntryKind is the kind of one filter entry
type EntryKind int

const (
	CondEntry EntryKind = iota
	BracketEntry
	BetweenFieldsEntry
	SubqueryEntry
	FieldSubqueryEntry
	DWithinEntry
	AlwaysFalseEntry
)

// Entry is one node of the filter tree
type Entry struct {
	Op       core.OpType   `json:"op"`
	Kind     EntryKind     `json:"kind"`
	Index    string        `json:"index,omitempty"`
	Cond     core.CondType `json:"cond"`
	Keys     []any         `json:"keys,omitempty"`
	Second   string        `json:"second,omitempty"`
	Sub      *Query        `json:"sub,omitempty"`
	Point    core.Point    `json:"point,omitempty"`
	Distance float64       `json:"distance,omitempty"`
	Children []Entry       `json:"children,omitempty"`
}

// SortEntry orders results by a field or a sort expression
type SortEntry struct {
	Field  string `json:"field"`
	Desc   bool   `json:"desc"`
	Forced []any  `json:"forced,omitempty"`
}

// Aggregation is one requested aggregation
type Aggregation struct {
	Type   core.AggType `json:"type"`
	Fields []string     `json:"fields"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Sort   []SortEntry  `json:"sort,omitempty"`
}

// UpdateKind is the kind of one update entry
type UpdateKind int

const (
	UpdateSet UpdateKind = iota
	UpdateSetObject
	UpdateDrop
	UpdateExpression
)

// UpdateEntry is one field modification applied by an update query
type UpdateEntry struct {
	Kind   UpdateKind `json:"kind"`
	Field  string     `json:"field"`
	Values []any      `json:"values,omitempty"`
	Expr   string     `json:"expr,omitempty"`
}

// OnEntry links a field of the main query to a field of a joined query
type OnEntry struct {
	Op        core.OpType   `json:"op"`
	Index     string        `json:"index"`
	Cond      core.CondType `json:"cond"`
	JoinIndex string        `json:"join_index"`
}

// JoinedQuery is a child query joined to its parent
type JoinedQuery struct {
	Type  core.JoinType `json:"type"`
	Query *Query        `json:"query"`
}

// Query is the engine-side state of a query handle
type Query struct {
	Namespace      string             `json:"namespace"`
	Entries        []Entry            `json:"entries,omitempty"`
	Sort           []SortEntry        `json:"sort,omitempty"`
	Limit          int                `json:"limit"`
	Offset         int                `json:"offset"`
	Total          core.CalcTotalMode `json:"total"`
	Aggregations   []Aggregation      `json:"aggregations,omitempty"`
	SelectFilter   []string           `json:"select_filter,omitempty"`
	Functions      []string           `json:"functions,omitempty"`
	EqualPositions [][]string         `json:"equal_positions,omitempty"`
	Updates        []UpdateEntry      `json:"updates,omitempty"`
	Joins          []JoinedQuery      `json:"joins,omitempty"`
	Merges         []*Query           `json:"merges,omitempty"`
	On             []OnEntry          `json:"on,omitempty"`
	Explain        bool               `json:"explain,omitempty"`
	WithRank       bool               `json:"with_rank,omitempty"`
	Strict         core.StrictMode    `json:"strict,omitempty"`
	Debug          core.LogLevel      `json:"debug,omitempty"`

	nextOp   core.OpType
	brackets []int
}

// NoLimit marks a query without a row limit
const NoLimit = -1

// New returns an empty query over the namespace
func New(ns string) *Query {
	return &Query{Namespace: ns, Limit: NoLimit, nextOp: core.OpAnd}
}

// Clone returns a deep copy of the query, joined, merged and sub queries
// included. The copy goes through the JSON form the remote protocol ships.
func (q *Query) Clone() (*Query, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	c := &Query{}
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("failed to decode query: %w", err)
	}
	c.nextOp = core.OpAnd
	return c, nil
}

// appendEntry adds an entry at the current bracket depth, consuming the
// pending logical operation.
func (q *Query) appendEntry(e Entry) {
	e.Op = q.nextOp
	if e.Op == 0 {
		e.Op = core.OpAnd
	}
	q.nextOp = core.OpAnd

	target := &q.Entries
	for _, pos := range q.brackets {
		target = &(*target)[pos].Children
	}
	*target = append(*target, e)
}

func (q *Query) openBracket() {
	q.appendEntry(Entry{Kind: BracketEntry})
	depth := &q.Entries
	for _, pos := range q.brackets {
		depth = &(*depth)[pos].Children
	}
	q.brackets = append(q.brackets, len(*depth)-1)
}

// String renders the query as SQL for logs and explain output
func (q *Query) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	switch {
	case len(q.SelectFilter) > 0:
		sb.WriteString(strings.Join(q.SelectFilter, ", "))
	default:
		sb.WriteString("*")
	}
	for _, agg := range q.Aggregations {
		fmt.Fprintf(&sb, ", %s(%s)", strings.ToUpper(agg.Type.String()), strings.Join(agg.Fields, ", "))
	}
	fmt.Fprintf(&sb, " FROM %s", q.Namespace)
	if len(q.Entries) > 0 {
		sb.WriteString(" WHERE ")
		writeEntries(&sb, q.Entries)
	}
	if len(q.Sort) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, s := range q.Sort {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(s.Field)
			if s.Desc {
				sb.WriteString(" DESC")
			}
		}
	}
	if q.Limit != NoLimit {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}
	return sb.String()
}

func writeEntries(sb *strings.Builder, entries []Entry) {
	for i, e := range entries {
		if i > 0 || e.Op == core.OpNot {
			switch e.Op {
			case core.OpOr:
				sb.WriteString(" OR ")
			case core.OpNot:
				if i > 0 {
					sb.WriteString(" AND ")
				}
				sb.WriteString("NOT ")
			default:
				sb.WriteString(" AND ")
			}
		}
		switch e.Kind {
		case BracketEntry:
			sb.WriteString("(")
			writeEntries(sb, e.Children)
			sb.WriteString(")")
		case BetweenFieldsEntry:
			fmt.Fprintf(sb, "%s %s %s", e.Index, e.Cond, e.Second)
		case SubqueryEntry:
			fmt.Fprintf(sb, "(%s) %s %v", e.Sub, e.Cond, e.Keys)
		case FieldSubqueryEntry:
			fmt.Fprintf(sb, "%s %s (%s)", e.Index, e.Cond, e.Sub)
		case DWithinEntry:
			fmt.Fprintf(sb, "ST_DWithin(%s, %s, %g)", e.Index, e.Point, e.Distance)
		case AlwaysFalseEntry:
			sb.WriteString("false")
		default:
			fmt.Fprintf(sb, "%s %s %v", e.Index, e.Cond, e.Keys)
		}
	}
}
