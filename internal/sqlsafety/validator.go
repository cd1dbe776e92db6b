// Package sqlsafety decides whether a generated statement may be returned to
// callers and executed.
package sqlsafety

import (
	"fmt"
	"strings"

	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/ragerr"
)

// DefaultAllowedVerbs are the read-only statement verbs accepted when no
// allow-list is configured.
var DefaultAllowedVerbs = []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN", "VALUES", "TABLE"}

var explainOptions = map[string]struct{}{
	"ANALYZE": {}, "ANALYSE": {}, "VERBOSE": {}, "COSTS": {}, "SETTINGS": {}, "BUFFERS": {},
	"WAL": {}, "TIMING": {}, "SUMMARY": {}, "FORMAT": {}, "GENERIC_PLAN": {}, "SERIALIZE": {},
	"MEMORY": {},
}

type Config struct {
	AllowedVerbs  []string
	AllowMutation bool
}

type Validator struct {
	allowed       map[string]struct{}
	allowMutation bool
}

func New(cfg Config) *Validator {
	verbs := cfg.AllowedVerbs
	if len(verbs) == 0 {
		verbs = DefaultAllowedVerbs
	}
	allowed := make(map[string]struct{}, len(verbs))
	for _, verb := range verbs {
		verb = strings.ToUpper(strings.TrimSpace(verb))
		if verb != "" {
			allowed[verb] = struct{}{}
		}
	}
	return &Validator{allowed: allowed, allowMutation: cfg.AllowMutation}
}

// Validate returns sql unchanged when it is a single well-formed statement
// whose verbs are all permitted. Otherwise it returns a sql_safety error
// naming the offending verb.
func (v *Validator) Validate(sql string) (string, error) {
	tokens, err := v.syntaxCheck(sql)
	if err != nil {
		return "", v.reject("", sql, err.Error())
	}

	verbs, err := statementVerbs(tokens)
	if err != nil {
		return "", v.reject("", sql, err.Error())
	}
	for _, verb := range verbs {
		if !v.permits(verb) {
			return "", v.reject(verb, sql, fmt.Sprintf("%s statements are not allowed", verb))
		}
	}
	return sql, nil
}

// Verb reports the resolved verb of sql: the main statement verb for WITH
// and the explained verb for EXPLAIN.
func Verb(sql string) (string, error) {
	tokens, err := lex(sql)
	if err != nil {
		return "", err
	}
	verbs, err := statementVerbs(trimSemicolons(tokens))
	if err != nil {
		return "", err
	}
	return verbs[len(verbs)-1], nil
}

func (v *Validator) permits(verb string) bool {
	if v.allowMutation {
		return true
	}
	_, ok := v.allowed[verb]
	return ok
}

func (v *Validator) reject(verb, sql, message string) error {
	observability.IncrementSafetyRejection(verb)
	return ragerr.SQLSafety(verb, sql, message)
}

// syntaxCheck lexes sql and checks it is one statement with balanced
// parentheses. Trailing semicolons are allowed and dropped.
func (v *Validator) syntaxCheck(sql string) ([]token, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("statement is empty")
	}
	tokens, err := lex(sql)
	if err != nil {
		return nil, err
	}

	depth := 0
	for i, tok := range tokens {
		switch {
		case tok.isPunct("("):
			depth++
		case tok.isPunct(")"):
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses at offset %d", tok.pos)
			}
		case tok.isPunct(";"):
			if depth != 0 {
				return nil, fmt.Errorf("semicolon inside parentheses at offset %d", tok.pos)
			}
			for _, rest := range tokens[i+1:] {
				if !rest.isPunct(";") {
					return nil, fmt.Errorf("multiple statements are not allowed")
				}
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}

	tokens = trimSemicolons(tokens)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("statement is empty")
	}
	return tokens, nil
}

func trimSemicolons(tokens []token) []token {
	for len(tokens) > 0 && tokens[len(tokens)-1].isPunct(";") {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// statementVerbs lists every verb that decides what the statement does. For
// plain statements that is the leading keyword. WITH contributes each CTE
// body verb and then the main verb; EXPLAIN contributes itself and then the
// explained verb; SELECT ... INTO contributes "SELECT INTO". The resolved
// verb is always last.
func statementVerbs(tokens []token) ([]string, error) {
	i := 0
	for i < len(tokens) && tokens[i].isPunct("(") {
		i++
	}
	if i >= len(tokens) || tokens[i].kind != tokWord {
		return nil, fmt.Errorf("statement does not start with a keyword")
	}

	verb := tokens[i].upper()
	rest := tokens[i+1:]
	switch verb {
	case "WITH":
		return withVerbs(rest)
	case "EXPLAIN":
		inner, err := statementVerbs(skipExplainOptions(rest))
		if err != nil {
			return nil, fmt.Errorf("explain: %w", err)
		}
		return append([]string{"EXPLAIN"}, inner...), nil
	case "SELECT":
		if hasTopLevelWord(rest, "INTO") {
			return []string{"SELECT INTO"}, nil
		}
	}
	return []string{verb}, nil
}

func withVerbs(tokens []token) ([]string, error) {
	i := 0
	if i < len(tokens) && tokens[i].isWord("RECURSIVE") {
		i++
	}
	verbs := make([]string, 0, 4)
	for {
		if i >= len(tokens) || (tokens[i].kind != tokWord && tokens[i].kind != tokQuotedIdent) {
			return nil, fmt.Errorf("malformed WITH clause: expected a name")
		}
		i++
		if i < len(tokens) && tokens[i].isPunct("(") {
			end := matchParen(tokens, i)
			if end < 0 {
				return nil, fmt.Errorf("malformed WITH clause: unbalanced column list")
			}
			i = end + 1
		}
		if i >= len(tokens) || !tokens[i].isWord("AS") {
			return nil, fmt.Errorf("malformed WITH clause: expected AS")
		}
		i++
		if i < len(tokens) && tokens[i].isWord("NOT") {
			i++
		}
		if i < len(tokens) && tokens[i].isWord("MATERIALIZED") {
			i++
		}
		if i >= len(tokens) || !tokens[i].isPunct("(") {
			return nil, fmt.Errorf("malformed WITH clause: expected a parenthesised body")
		}
		end := matchParen(tokens, i)
		if end < 0 {
			return nil, fmt.Errorf("malformed WITH clause: unbalanced body")
		}
		body, err := statementVerbs(tokens[i+1 : end])
		if err != nil {
			return nil, fmt.Errorf("common table expression: %w", err)
		}
		verbs = append(verbs, body...)
		i = end + 1
		if i < len(tokens) && tokens[i].isPunct(",") {
			i++
			continue
		}
		break
	}

	main, err := statementVerbs(tokens[i:])
	if err != nil {
		return nil, fmt.Errorf("main statement after WITH: %w", err)
	}
	return append(verbs, main...), nil
}

func skipExplainOptions(tokens []token) []token {
	if len(tokens) > 1 && tokens[0].isPunct("(") && tokens[1].kind == tokWord {
		if _, ok := explainOptions[tokens[1].upper()]; ok {
			if end := matchParen(tokens, 0); end >= 0 {
				tokens = tokens[end+1:]
			}
		}
	}
	for len(tokens) > 0 && tokens[0].kind == tokWord {
		switch tokens[0].upper() {
		case "ANALYZE", "ANALYSE", "VERBOSE":
			tokens = tokens[1:]
		default:
			return tokens
		}
	}
	return tokens
}

func matchParen(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].isPunct("("):
			depth++
		case tokens[i].isPunct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func hasTopLevelWord(tokens []token, word string) bool {
	depth := 0
	for _, tok := range tokens {
		switch {
		case tok.isPunct("("):
			depth++
		case tok.isPunct(")"):
			depth--
		case depth == 0 && tok.isWord(word):
			return true
		}
	}
	return false
}
