package sql

type Token struct {
	Type  TokenType
	Value string
}

type TokenType int

const (
	Identifier TokenType = iota
	Wildcard
	String
	Int
	Float
	Comma
	ParenOpen
	ParenClose
	Equals
	NotEquals
	LessThan
	GreaterThan
	LessThanOrEqual
	GreaterThanOrEqual
	And
	Or
	Not
	In
	Is
	Null
	Like
	Range
	AllSet
	True
	False
	Select
	From
	Where
	Limit
	Offset
	Order
	By
	Asc
	Desc
	Count
	CountCached
	Sum
	Avg
	Min
	Max
	Distinct
	Facet
	Update
	Set
	Drop
	Delete
	Explain
	EOF
	Unknown
)

var tokenNames = map[TokenType]string{
	Identifier: "Identifier", Wildcard: "Wildcard", String: "String", Int: "Int", Float: "Float",
	Comma: "Comma", ParenOpen: "ParenOpen", ParenClose: "ParenClose",
	Equals: "Equals", NotEquals: "NotEquals", LessThan: "LessThan", GreaterThan: "GreaterThan",
	LessThanOrEqual: "LessThanOrEqual", GreaterThanOrEqual: "GreaterThanOrEqual",
	And: "AND", Or: "OR", Not: "NOT", In: "IN", Is: "IS", Null: "NULL", Like: "LIKE",
	Range: "RANGE", AllSet: "ALLSET", True: "TRUE", False: "FALSE", Select: "SELECT", From: "FROM",
	Where: "WHERE", Limit: "LIMIT", Offset: "OFFSET", Order: "ORDER", By: "BY", Asc: "ASC",
	Desc: "DESC", Count: "COUNT", CountCached: "COUNT_CACHED", Sum: "SUM", Avg: "AVG", Min: "MIN",
	Max: "MAX", Distinct: "DISTINCT", Facet: "FACET", Update: "UPDATE", Set: "SET", Drop: "DROP",
	Delete: "DELETE", Explain: "EXPLAIN", EOF: "EOF",
}

func (token Token) String() string {
	switch token.Type {
	case Identifier, String, Int, Float, Unknown:
		name, ok := tokenNames[token.Type]
		if !ok {
			name = "Unknown"
		}
		return name + "(" + token.Value + ")"
	}
	return tokenNames[token.Type]
}

type Lexer struct {
	sql          string
	position     int
	readPosition int
	ch           byte
}

func NewLexer(sql string) *Lexer {
	lexer := &Lexer{sql: sql}
	lexer.readChar()
	return lexer
}

func (lexer *Lexer) readChar() {
	if lexer.readPosition >= len(lexer.sql) {
		lexer.ch = 0
	} else {
		lexer.ch = lexer.sql[lexer.readPosition]
	}
	lexer.position = lexer.readPosition
	lexer.readPosition++
}

func (lexer *Lexer) peekChar() byte {
	if lexer.readPosition >= len(lexer.sql) {
		return 0
	}
	return lexer.sql[lexer.readPosition]
}

func (lexer *Lexer) NextToken() Token {
	var token Token

	lexer.skipWhitespace()

	switch lexer.ch {
	case ',':
		token = Token{Type: Comma, Value: string(lexer.ch)}
	case '(':
		token = Token{Type: ParenOpen, Value: string(lexer.ch)}
	case ')':
		token = Token{Type: ParenClose, Value: string(lexer.ch)}
	case 0:
		token = Token{Type: EOF, Value: ""}
	case '\'', '"':
		token = Token{Type: String, Value: lexer.readString(lexer.ch)}
	case '*':
		token = Token{Type: Wildcard, Value: string(lexer.ch)}
	case ';':
		token = Token{Type: EOF, Value: ""}
	default:
		if isOperator(lexer.ch) {
			operator := lexer.readOperator()
			switch operator {
			case "=", "==":
				return Token{Type: Equals, Value: operator}
			case "!=", "<>":
				return Token{Type: NotEquals, Value: operator}
			case "<":
				return Token{Type: LessThan, Value: operator}
			case ">":
				return Token{Type: GreaterThan, Value: operator}
			case "<=":
				return Token{Type: LessThanOrEqual, Value: operator}
			case ">=":
				return Token{Type: GreaterThanOrEqual, Value: operator}
			default:
				return Token{Type: Unknown, Value: operator}
			}
		} else if isDigit(lexer.ch) || (lexer.ch == '-' && isDigit(lexer.peekChar())) {
			sign := ""
			if lexer.ch == '-' {
				sign = "-"
				lexer.readChar()
			}
			num := lexer.readNumber()
			if lexer.ch == '.' {
				lexer.readChar()
				decimal := lexer.readNumber()
				return Token{Type: Float, Value: sign + num + "." + decimal}
			}
			return Token{Type: Int, Value: sign + num}
		} else if isAlphaNumeric(lexer.ch) {
			literal := lexer.readIdentifier()
			return Token{Type: lookupIdentifier(literal), Value: literal}
		} else {
			token = Token{Type: Unknown, Value: string(lexer.ch)}
		}
	}

	lexer.readChar()
	return token
}

func (lexer *Lexer) PeekToken() Token {
	savedPosition := lexer.position
	savedReadPosition := lexer.readPosition
	savedCh := lexer.ch

	token := lexer.NextToken()

	lexer.position = savedPosition
	lexer.readPosition = savedReadPosition
	lexer.ch = savedCh

	return token
}

func (lexer *Lexer) skipWhitespace() {
	for lexer.ch == ' ' || lexer.ch == '\t' || lexer.ch == '\n' || lexer.ch == '\r' {
		lexer.readChar()
	}
}

func (lexer *Lexer) readIdentifier() string {
	position := lexer.position
	for isAlphaNumeric(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

// readString reads a quoted literal, leaving the lexer on the closing quote
func (lexer *Lexer) readString(quote byte) string {
	lexer.readChar()
	position := lexer.position
	for lexer.ch != quote && lexer.ch != 0 {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func (lexer *Lexer) readNumber() string {
	position := lexer.position
	for isDigit(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func (lexer *Lexer) readOperator() string {
	position := lexer.position
	for isOperator(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func isAlphaNumeric(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ch == '_' || ch == '.' || ch == '+' || isDigit(ch)
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isOperator(ch byte) bool {
	return ch == '=' || ch == '!' || ch == '<' || ch == '>'
}

func lookupIdentifier(id string) TokenType {
	switch toUpper(id) {
	case "AND":
		return And
	case "OR":
		return Or
	case "NOT":
		return Not
	case "IN":
		return In
	case "IS":
		return Is
	case "NULL":
		return Null
	case "LIKE":
		return Like
	case "RANGE":
		return Range
	case "ALLSET":
		return AllSet
	case "TRUE":
		return True
	case "FALSE":
		return False
	case "SELECT":
		return Select
	case "FROM":
		return From
	case "WHERE":
		return Where
	case "LIMIT":
		return Limit
	case "OFFSET":
		return Offset
	case "ORDER":
		return Order
	case "BY":
		return By
	case "ASC":
		return Asc
	case "DESC":
		return Desc
	case "COUNT":
		return Count
	case "COUNT_CACHED":
		return CountCached
	case "SUM":
		return Sum
	case "AVG":
		return Avg
	case "MIN":
		return Min
	case "MAX":
		return Max
	case "DISTINCT":
		return Distinct
	case "FACET":
		return Facet
	case "UPDATE":
		return Update
	case "SET":
		return Set
	case "DROP":
		return Drop
	case "DELETE":
		return Delete
	case "EXPLAIN":
		return Explain
	default:
		return Identifier
	}
}

// toUpper converts a string to uppercase without allocating for ASCII strings
func toUpper(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			b := make([]byte, len(s))
			for j := 0; j < len(s); j++ {
				if s[j] >= 'a' && s[j] <= 'z' {
					b[j] = s[j] - 32
				} else {
					b[j] = s[j]
				}
			}
			return string(b)
		}
	}
	return s
}

func tokenize(sql string) []Token {
	lexer := NewLexer(sql)

	var tokens []Token

	for {
		token := lexer.NextToken()
		if token.Type == EOF {
			return append(tokens, token)
		}
		tokens = append(tokens, token)
	}
}
