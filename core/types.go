package core

import (
	"fmt"
	"strings"
)

// CondType is the comparison applied by a where condition
type CondType int

const (
	CondAny CondType = iota
	CondEq
	CondLt
	CondLe
	CondGt
	CondGe
	CondRange
	CondSet
	CondAllSet
	CondEmpty
	CondLike
	CondDWithin
)

var condNames = [...]string{"ANY", "EQ", "LT", "LE", "GT", "GE", "RANGE", "SET", "ALLSET", "EMPTY", "LIKE", "DWITHIN"}

func (c CondType) String() string {
	if c < 0 || int(c) >= len(condNames) {
		return fmt.Sprintf("CondType(%d)", int(c))
	}
	return condNames[c]
}

// Valid reports whether c is a known condition
func (c CondType) Valid() bool {
	return c >= CondAny && c <= CondDWithin
}

// OpType is the logical operation joining the next condition to the previous one
type OpType int

const (
	OpAnd OpType = iota + 1
	OpOr
	OpNot
)

func (o OpType) String() string {
	switch o {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpNot:
		return "NOT"
	}
	return fmt.Sprintf("OpType(%d)", int(o))
}

// JoinType selects how joined items are combined with the main query
type JoinType int

const (
	LeftJoin JoinType = iota
	InnerJoin
	OrInnerJoin
	Merge
)

func (j JoinType) String() string {
	switch j {
	case LeftJoin:
		return "LEFT JOIN"
	case InnerJoin:
		return "INNER JOIN"
	case OrInnerJoin:
		return "OR INNER JOIN"
	case Merge:
		return "MERGE"
	}
	return fmt.Sprintf("JoinType(%d)", int(j))
}

// StrictMode controls how unknown fields and indexes in a query are treated
type StrictMode int

const (
	StrictModeNotSet StrictMode = iota
	StrictModeEmpty
	StrictModeNames
	StrictModeIndexes
)

// LogLevel is the verbosity requested by Query.Debug
type LogLevel int

const (
	LogOff LogLevel = iota
	LogError
	LogWarning
	LogInfo
	LogTrace
)

// AggType is an aggregation function
type AggType int

const (
	AggDistinct AggType = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggFacet
	AggCount
	AggCountCached
)

var aggNames = [...]string{"distinct", "sum", "avg", "min", "max", "facet", "count", "count_cached"}

func (a AggType) String() string {
	if a < 0 || int(a) >= len(aggNames) {
		return fmt.Sprintf("AggType(%d)", int(a))
	}
	return aggNames[a]
}

// ParseAggType maps an aggregation function name to its AggType
func ParseAggType(name string) (AggType, bool) {
	for i, n := range aggNames {
		if strings.EqualFold(n, name) {
			return AggType(i), true
		}
	}
	return 0, false
}

// CalcTotalMode selects how the total count of a query is computed
type CalcTotalMode int

const (
	NoCalcTotal CalcTotalMode = iota
	CachedTotal
	AccurateTotal
)

// ItemModifyMode is the kind of single-item mutation
type ItemModifyMode int

const (
	ModeUpdate ItemModifyMode = iota
	ModeInsert
	ModeUpsert
	ModeDelete
)

func (m ItemModifyMode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeInsert:
		return "insert"
	case ModeUpsert:
		return "upsert"
	case ModeDelete:
		return "delete"
	}
	return fmt.Sprintf("ItemModifyMode(%d)", int(m))
}

// Identity identifies the author of persisted changes
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
