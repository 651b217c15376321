// Package sql parses the SQL dialect accepted by Connector.Select.
//
// Statements are turned into the same query description the builder
// produces, so SQL and builder queries run through one executor.
//
// # Lexer Usage
//
//	lexer := sql.NewLexer("SELECT * FROM items")
//	for {
//	    token := lexer.NextToken()
//	    if token.Type == sql.EOF {
//	        break
//	    }
//	    fmt.Println(token)
//	}
//
// # Parser Usage
//
//	statement, err := sql.Parse("SELECT * FROM items WHERE id = 1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	query := statement.Query()
//
// # Supported Statements
//
//   - SELECT [*|fields|COUNT(*)|COUNT_CACHED(*)|SUM(f)|AVG(f)|MIN(f)|MAX(f)|DISTINCT(f)|FACET(f, ...)] FROM ns
//     [WHERE ...] [ORDER BY f [ASC|DESC], ...] [LIMIT n] [OFFSET n]
//   - UPDATE ns SET f = value[, ...] [WHERE ...]
//   - UPDATE ns DROP f[, ...] [WHERE ...]
//   - DELETE FROM ns [WHERE ...]
//
// Any statement may be prefixed with EXPLAIN. WHERE accepts parentheses,
// AND, OR, NOT, =, <>, <, <=, >, >=, IN (...), ALLSET (...), RANGE (a, b),
// LIKE, IS NULL and IS NOT NULL.
package sql
