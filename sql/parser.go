package sql

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
)

type StatementType int

const (
	SelectStatementType StatementType = iota
	UpdateStatementType
	DeleteStatementType
)

type Statement interface {
	Type() StatementType
	Query() *dsl.Query
}

type SelectStatement struct {
	query *dsl.Query
}

type UpdateStatement struct {
	query *dsl.Query
}

type DeleteStatement struct {
	query *dsl.Query
}

func (s SelectStatement) Type() StatementType {
	return SelectStatementType
}

func (s SelectStatement) Query() *dsl.Query {
	return s.query
}

func (s UpdateStatement) Type() StatementType {
	return UpdateStatementType
}

func (s UpdateStatement) Query() *dsl.Query {
	return s.query
}

func (s DeleteStatement) Type() StatementType {
	return DeleteStatementType
}

func (s DeleteStatement) Query() *dsl.Query {
	return s.query
}

type Parser struct {
	lexer *Lexer
}

func NewParser(sql string) *Parser {
	lexer := NewLexer(sql)
	return &Parser{lexer: lexer}
}

// Parse parses a single statement
func Parse(sql string) (Statement, error) {
	return NewParser(sql).Parse()
}

func (parser *Parser) Parse() (Statement, error) {
	token := parser.lexer.NextToken()
	explain := false
	if token.Type == Explain {
		explain = true
		token = parser.lexer.NextToken()
	}

	var (
		stmt Statement
		err  error
	)
	switch token.Type {
	case Select:
		stmt, err = ParseSelect(parser)
	case Update:
		stmt, err = ParseUpdate(parser)
	case Delete:
		stmt, err = ParseDelete(parser)
	default:
		return nil, errors.New("unknown statement type")
	}
	if err != nil {
		return nil, err
	}

	if token := parser.lexer.NextToken(); token.Type != EOF {
		return nil, fmt.Errorf("unexpected %s at end of statement", token)
	}
	stmt.Query().Explain = explain
	return stmt, nil
}

func ParseSelect(parser *Parser) (Statement, error) {
	var (
		fields       []string
		aggregations []dsl.Aggregation
		total        core.CalcTotalMode
		wildcard     bool
	)

	for {
		token := parser.lexer.NextToken()
		switch token.Type {
		case Wildcard:
			wildcard = true
		case Count, CountCached:
			if err := parser.expect(ParenOpen); err != nil {
				return nil, err
			}
			if err := parser.expect(Wildcard); err != nil {
				return nil, err
			}
			if err := parser.expect(ParenClose); err != nil {
				return nil, err
			}
			total = core.AccurateTotal
			if token.Type == CountCached {
				total = core.CachedTotal
			}
		case Sum, Avg, Min, Max, Distinct, Facet:
			aggType, _ := core.ParseAggType(token.Value)
			if err := parser.expect(ParenOpen); err != nil {
				return nil, err
			}
			aggFields, err := parser.identifierList()
			if err != nil {
				return nil, err
			}
			if aggType != core.AggFacet && len(aggFields) != 1 {
				return nil, fmt.Errorf("expected one field in %s()", toUpper(token.Value))
			}
			aggregations = append(aggregations, dsl.Aggregation{Type: aggType, Fields: aggFields, Limit: dsl.NoLimit})
		case Identifier:
			fields = append(fields, token.Value)
		default:
			return nil, fmt.Errorf("unexpected %s in select list", token)
		}

		token = parser.lexer.NextToken()
		if token.Type == From {
			break
		}
		if token.Type != Comma {
			return nil, errors.New("expected FROM or ',' after select list item")
		}
	}

	query, err := parser.namespace()
	if err != nil {
		return nil, err
	}
	query.SelectFilter = fields
	query.Aggregations = aggregations
	query.Total = total

	// COUNT(*) alone requests the total only
	if total != core.NoCalcTotal && !wildcard && len(fields) == 0 && len(aggregations) == 0 {
		query.Limit = 0
	}

	if err := parser.parseTail(query, true); err != nil {
		return nil, err
	}
	return SelectStatement{query: query}, nil
}

func ParseUpdate(parser *Parser) (Statement, error) {
	query, err := parser.namespace()
	if err != nil {
		return nil, err
	}

	token := parser.lexer.NextToken()
	switch token.Type {
	case Set:
		for {
			token = parser.lexer.NextToken()
			if token.Type != Identifier {
				return nil, errors.New("expected field name in SET")
			}
			field := token.Value
			if err := parser.expect(Equals); err != nil {
				return nil, err
			}
			values, err := parser.valueOrList()
			if err != nil {
				return nil, err
			}
			query.Updates = append(query.Updates, dsl.UpdateEntry{Kind: dsl.UpdateSet, Field: field, Values: values})

			if parser.lexer.PeekToken().Type != Comma {
				break
			}
			parser.lexer.NextToken()
		}
	case Drop:
		fields, err := parser.bareIdentifierList()
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			query.Updates = append(query.Updates, dsl.UpdateEntry{Kind: dsl.UpdateDrop, Field: field})
		}
	default:
		return nil, errors.New("expected SET or DROP after UPDATE namespace")
	}

	if err := parser.parseTail(query, false); err != nil {
		return nil, err
	}
	return UpdateStatement{query: query}, nil
}

func ParseDelete(parser *Parser) (Statement, error) {
	if err := parser.expect(From); err != nil {
		return nil, err
	}
	query, err := parser.namespace()
	if err != nil {
		return nil, err
	}
	if err := parser.parseTail(query, false); err != nil {
		return nil, err
	}
	return DeleteStatement{query: query}, nil
}

// parseTail parses the optional WHERE, ORDER BY, LIMIT and OFFSET clauses
func (parser *Parser) parseTail(query *dsl.Query, ordering bool) error {
	if parser.lexer.PeekToken().Type == Where {
		parser.lexer.NextToken()
		entries, err := ParseWhere(parser)
		if err != nil {
			return err
		}
		query.Entries = entries
	}

	if !ordering {
		return nil
	}

	if parser.lexer.PeekToken().Type == Order {
		parser.lexer.NextToken()
		if err := parser.expect(By); err != nil {
			return err
		}
		for {
			token := parser.lexer.NextToken()
			if token.Type != Identifier {
				return errors.New("expected field name in ORDER BY")
			}
			entry := dsl.SortEntry{Field: token.Value}
			switch parser.lexer.PeekToken().Type {
			case Desc:
				entry.Desc = true
				parser.lexer.NextToken()
			case Asc:
				parser.lexer.NextToken()
			}
			query.Sort = append(query.Sort, entry)

			if parser.lexer.PeekToken().Type != Comma {
				break
			}
			parser.lexer.NextToken()
		}
	}

	if parser.lexer.PeekToken().Type == Limit {
		parser.lexer.NextToken()
		n, err := parser.integer("LIMIT")
		if err != nil {
			return err
		}
		query.Limit = n
	}

	if parser.lexer.PeekToken().Type == Offset {
		parser.lexer.NextToken()
		n, err := parser.integer("OFFSET")
		if err != nil {
			return err
		}
		query.Offset = n
	}
	return nil
}

// ParseWhere parses a boolean expression into filter entries. AND and OR
// apply left to right; parentheses become brackets.
func ParseWhere(parser *Parser) ([]dsl.Entry, error) {
	var entries []dsl.Entry
	op := core.OpAnd

	for {
		entry, err := parser.parseTerm()
		if err != nil {
			return nil, err
		}

		switch {
		case entry.Op == core.OpNot && op == core.OpOr:
			// OR NOT x keeps both operations by wrapping x in a bracket
			entries = append(entries, dsl.Entry{Op: core.OpOr, Kind: dsl.BracketEntry, Children: []dsl.Entry{entry}})
		case entry.Op == core.OpNot:
			entries = append(entries, entry)
		default:
			entry.Op = op
			entries = append(entries, entry)
		}

		switch parser.lexer.PeekToken().Type {
		case And:
			op = core.OpAnd
		case Or:
			op = core.OpOr
		default:
			return entries, nil
		}
		parser.lexer.NextToken()
	}
}

func (parser *Parser) parseTerm() (dsl.Entry, error) {
	token := parser.lexer.NextToken()

	negated := false
	if token.Type == Not {
		negated = true
		token = parser.lexer.NextToken()
	}

	var (
		entry dsl.Entry
		err   error
	)
	switch token.Type {
	case ParenOpen:
		children, err := ParseWhere(parser)
		if err != nil {
			return dsl.Entry{}, err
		}
		if err := parser.expect(ParenClose); err != nil {
			return dsl.Entry{}, err
		}
		entry = dsl.Entry{Kind: dsl.BracketEntry, Children: children}
	case Identifier:
		entry, err = parser.parseCondition(token.Value)
		if err != nil {
			return dsl.Entry{}, err
		}
	default:
		return dsl.Entry{}, errors.New("expected identifier in WHERE clause")
	}

	// NOT applied twice cancels out
	if negated {
		if entry.Op == core.OpNot {
			entry.Op = core.OpAnd
		} else {
			entry.Op = core.OpNot
		}
	}
	return entry, nil
}

func (parser *Parser) parseCondition(field string) (dsl.Entry, error) {
	entry := dsl.Entry{Kind: dsl.CondEntry, Index: field}

	token := parser.lexer.NextToken()
	switch token.Type {
	case Equals, LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEquals:
		entry.Cond = comparison(token.Type)
		if token.Type == NotEquals {
			entry.Op = core.OpNot
		}
		value, err := parser.value()
		if err != nil {
			return dsl.Entry{}, err
		}
		entry.Keys = []any{value}
	case In, AllSet:
		entry.Cond = core.CondSet
		if token.Type == AllSet {
			entry.Cond = core.CondAllSet
		}
		values, err := parser.valueList()
		if err != nil {
			return dsl.Entry{}, err
		}
		entry.Keys = values
	case Range:
		entry.Cond = core.CondRange
		values, err := parser.valueList()
		if err != nil {
			return dsl.Entry{}, err
		}
		if len(values) != 2 {
			return dsl.Entry{}, errors.New("expected two values in RANGE")
		}
		entry.Keys = values
	case Like:
		entry.Cond = core.CondLike
		value, err := parser.value()
		if err != nil {
			return dsl.Entry{}, err
		}
		entry.Keys = []any{value}
	case Is:
		token = parser.lexer.NextToken()
		entry.Cond = core.CondEmpty
		if token.Type == Not {
			entry.Cond = core.CondAny
			token = parser.lexer.NextToken()
		}
		if token.Type != Null {
			return dsl.Entry{}, errors.New("expected NULL after IS")
		}
	default:
		return dsl.Entry{}, fmt.Errorf("unexpected %s after %s", token, field)
	}
	return entry, nil
}

func comparison(tokenType TokenType) core.CondType {
	switch tokenType {
	case LessThan:
		return core.CondLt
	case LessThanOrEqual:
		return core.CondLe
	case GreaterThan:
		return core.CondGt
	case GreaterThanOrEqual:
		return core.CondGe
	}
	return core.CondEq
}

func (parser *Parser) value() (any, error) {
	token := parser.lexer.NextToken()
	switch token.Type {
	case String:
		return token.Value, nil
	case Int:
		n, err := strconv.ParseInt(token.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %s", token.Value)
		}
		return n, nil
	case Float:
		f, err := strconv.ParseFloat(token.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", token.Value)
		}
		return f, nil
	case True:
		return true, nil
	case False:
		return false, nil
	case Null:
		return nil, nil
	}
	return nil, fmt.Errorf("expected value, got %s", token)
}

// valueList parses "(v1, v2, ...)"
func (parser *Parser) valueList() ([]any, error) {
	if err := parser.expect(ParenOpen); err != nil {
		return nil, err
	}
	var values []any
	for {
		value, err := parser.value()
		if err != nil {
			return nil, err
		}
		values = append(values, value)

		token := parser.lexer.NextToken()
		if token.Type == ParenClose {
			return values, nil
		}
		if token.Type != Comma {
			return nil, errors.New("expected ',' or ')' in value list")
		}
	}
}

func (parser *Parser) valueOrList() ([]any, error) {
	if parser.lexer.PeekToken().Type == ParenOpen {
		return parser.valueList()
	}
	value, err := parser.value()
	if err != nil {
		return nil, err
	}
	return []any{value}, nil
}

// identifierList parses "a, b, c)" after an opening parenthesis
func (parser *Parser) identifierList() ([]string, error) {
	var names []string
	for {
		token := parser.lexer.NextToken()
		if token.Type != Identifier {
			return nil, errors.New("expected field name")
		}
		names = append(names, token.Value)

		token = parser.lexer.NextToken()
		if token.Type == ParenClose {
			return names, nil
		}
		if token.Type != Comma {
			return nil, errors.New("expected ',' or ')' after field name")
		}
	}
}

func (parser *Parser) bareIdentifierList() ([]string, error) {
	var names []string
	for {
		token := parser.lexer.NextToken()
		if token.Type != Identifier {
			return nil, errors.New("expected field name")
		}
		names = append(names, token.Value)
		if parser.lexer.PeekToken().Type != Comma {
			return names, nil
		}
		parser.lexer.NextToken()
	}
}

func (parser *Parser) namespace() (*dsl.Query, error) {
	token := parser.lexer.NextToken()
	if token.Type != Identifier {
		return nil, errors.New("expected namespace name")
	}
	return dsl.New(token.Value), nil
}

func (parser *Parser) integer(clause string) (int, error) {
	token := parser.lexer.NextToken()
	if token.Type != Int {
		return 0, fmt.Errorf("expected number after %s", clause)
	}
	n, err := strconv.Atoi(token.Value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s value %s", clause, token.Value)
	}
	return n, nil
}

func (parser *Parser) expect(tokenType TokenType) error {
	token := parser.lexer.NextToken()
	if token.Type != tokenType {
		want := Token{Type: tokenType}
		return fmt.Errorf("expected %s, got %s", want, token)
	}
	return nil
}
