package nl2sql

import (
	"strings"
	"unicode"
)

// statementVerbs are the leading keywords that mark a line as the start of
// a statement when the model answers without a fenced block. Mutating verbs
// are included so the safety validator sees, and rejects, them.
var statementVerbs = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {},
	"UPSERT": {}, "REPLACE": {}, "CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {},
	"GRANT": {}, "REVOKE": {}, "SHOW": {}, "DESCRIBE": {}, "DESC": {}, "EXPLAIN": {},
	"VALUES": {}, "TABLE": {}, "CALL": {}, "COPY": {}, "PRAGMA": {}, "ATTACH": {},
}

// sqlKeywords break a run of bare words. Three or more bare words in a row
// at the top level do not occur in a statement but do in an English lead-in
// such as "Select customers living in New York".
var sqlKeywords = map[string]struct{}{
	"ADD": {}, "ALL": {}, "AND": {}, "ANY": {}, "AS": {}, "ASC": {}, "AT": {}, "BETWEEN": {},
	"BY": {}, "CASE": {}, "CAST": {}, "COLUMN": {}, "CONFLICT": {}, "CROSS": {}, "DATABASE": {},
	"DEFAULT": {}, "DISTINCT": {}, "DO": {}, "ELSE": {}, "END": {}, "EXCEPT": {}, "EXCLUDE": {},
	"EXISTS": {}, "FALSE": {}, "FETCH": {}, "FILTER": {}, "FIRST": {}, "FOR": {}, "FROM": {},
	"FULL": {}, "GROUP": {}, "HAVING": {}, "IF": {}, "ILIKE": {}, "IN": {}, "INDEX": {}, "INNER": {},
	"INTERSECT": {}, "INTERVAL": {}, "INTO": {}, "IS": {}, "JOIN": {}, "KEY": {}, "LAST": {},
	"LATERAL": {}, "LEFT": {}, "LIKE": {}, "LIMIT": {}, "LOCAL": {}, "NATURAL": {}, "NEXT": {},
	"NOT": {}, "NOTHING": {}, "NULL": {}, "NULLS": {}, "OFFSET": {}, "ON": {}, "ONLY": {}, "OR": {},
	"ORDER": {}, "OUTER": {}, "OVER": {}, "PARTITION": {}, "PRIMARY": {}, "QUALIFY": {},
	"RECURSIVE": {}, "REFERENCES": {}, "RETURNING": {}, "RIGHT": {}, "ROW": {}, "ROWS": {},
	"SCHEMA": {}, "SET": {}, "SUMMARIZE": {}, "TABLES": {}, "TEMP": {}, "TEMPORARY": {}, "THEN": {},
	"TIME": {}, "TO": {}, "TRUE": {}, "UNION": {}, "UNIQUE": {}, "USING": {}, "VIEW": {}, "WHEN": {},
	"WHERE": {}, "WINDOW": {}, "ZONE": {}, "ANALYZE": {}, "MATCHED": {},
}

// ExtractSQL pulls one statement out of a model answer: the first fenced
// block if there is one, otherwise the first line that starts a statement.
// Lines that open with a verb but read as prose ("Show the matching rows
// with this query:") are skipped. The statement ends at the first semicolon
// outside quotes and comments, which is not included.
func ExtractSQL(text string) (string, bool) {
	if block, ok := firstFencedBlock(text); ok {
		if stmt := cutStatement(block, false); stmt != "" {
			return stmt, true
		}
	}

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		if startsStatement(line, text[offset:]) {
			if stmt := cutStatement(text[offset:], true); stmt != "" {
				return stmt, true
			}
		}
		offset += len(line)
	}
	return "", false
}

func firstFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Skip an info string such as "sql".
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		info := strings.TrimSpace(rest[:nl])
		if info == "" || isWord(info) {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return rest, true
}

func leadingVerb(line string) (string, bool) {
	trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
	end := strings.IndexFunc(trimmed, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(trimmed)
	}
	if end == 0 {
		return "", false
	}
	verb := strings.ToUpper(trimmed[:end])
	_, ok := statementVerbs[verb]
	return verb, ok
}

// startsStatement reports whether line opens a statement. rest is the text
// from the start of line to the end of the answer.
func startsStatement(line, rest string) bool {
	verb, ok := leadingVerb(line)
	if !ok {
		return false
	}
	tokens := lexSQL(line)
	if endsLikeSentence(tokens) || hasBareWordRun(tokens) {
		return false
	}
	switch verb {
	case "WITH":
		return validWithHead(lexSQL(rest))
	case "VALUES":
		following := lexSQL(rest)
		return len(following) > 1 && following[1].text == "("
	}
	return true
}

const (
	tokenWord = iota
	tokenQuoted
	tokenPunct
)

type sqlToken struct {
	text  string
	kind  int
	depth int
}

// lexSQL splits text into words, quoted runs and punctuation, skipping
// comments. It stops at the first semicolon outside quotes and comments.
func lexSQL(text string) []sqlToken {
	var tokens []sqlToken
	depth := 0
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == ';':
			return tokens
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			if nl := strings.IndexByte(text[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(text)
			}
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			if end := strings.Index(text[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = len(text)
			}
		case c == '\'' || c == '"':
			end := len(text)
			if q := strings.IndexByte(text[i+1:], c); q >= 0 {
				end = i + q + 2
			}
			tokens = append(tokens, sqlToken{text: text[i:end], kind: tokenQuoted, depth: depth})
			i = end
		case isWordByte(c):
			j := i
			for j < len(text) && isWordByte(text[j]) {
				j++
			}
			tokens = append(tokens, sqlToken{text: text[i:j], kind: tokenWord, depth: depth})
			i = j
		default:
			if c == ')' && depth > 0 {
				depth--
			}
			tokens = append(tokens, sqlToken{text: text[i : i+1], kind: tokenPunct, depth: depth})
			if c == '(' {
				depth++
			}
			i++
		}
	}
	return tokens
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 0x80 || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// endsLikeSentence reports a trailing colon, period or exclamation mark, or a
// question mark right after a word. A bare "?" after an operator is a
// placeholder.
func endsLikeSentence(tokens []sqlToken) bool {
	if len(tokens) == 0 {
		return false
	}
	last := tokens[len(tokens)-1]
	if last.kind != tokenPunct {
		return false
	}
	switch last.text {
	case ":", ".", "!":
		return true
	case "?":
		return len(tokens) > 1 && tokens[len(tokens)-2].kind == tokenWord
	}
	return false
}

func hasBareWordRun(tokens []sqlToken) bool {
	run := 0
	for i, tok := range tokens {
		if tok.kind != tokenWord || tok.depth > 0 {
			run = 0
			continue
		}
		if isKeyword(tokens, i) {
			run = 0
			continue
		}
		run++
		if run >= 3 {
			return true
		}
	}
	return false
}

func isKeyword(tokens []sqlToken, i int) bool {
	word := strings.ToUpper(tokens[i].text)
	if word == "IN" {
		return i+1 < len(tokens) && tokens[i+1].text == "("
	}
	if _, ok := statementVerbs[word]; ok {
		return true
	}
	_, ok := sqlKeywords[word]
	return ok
}

// validWithHead checks that a WITH clause opens with
// [RECURSIVE] name [(columns)] AS.
func validWithHead(tokens []sqlToken) bool {
	i := 1
	if i < len(tokens) && strings.EqualFold(tokens[i].text, "RECURSIVE") {
		i++
	}
	if i >= len(tokens) || tokens[i].kind == tokenPunct {
		return false
	}
	i++
	if i < len(tokens) && tokens[i].text == "(" {
		depth := tokens[i].depth
		for i++; i < len(tokens) && !(tokens[i].text == ")" && tokens[i].depth == depth); i++ {
		}
		i++
	}
	return i < len(tokens) && strings.EqualFold(tokens[i].text, "AS")
}

func isWord(value string) bool {
	for _, r := range value {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// cutStatement returns text up to the first top-level semicolon. With
// stopAtBlankLine an empty line outside quotes also ends the statement, so
// prose after an unterminated statement is dropped.
func cutStatement(text string, stopAtBlankLine bool) string {
	const (
		stateNone = iota
		stateSingle
		stateDouble
		stateLineComment
		stateBlockComment
	)
	state := stateNone
	lineHasContent := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch state {
		case stateSingle:
			if c == '\'' {
				state = stateNone
			}
		case stateDouble:
			if c == '"' {
				state = stateNone
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNone
				lineHasContent = false
			}
		case stateBlockComment:
			if c == '*' && i+1 < len(text) && text[i+1] == '/' {
				state = stateNone
				i++
			}
		default:
			switch {
			case c == ';':
				return strings.TrimSpace(text[:i])
			case c == '\'':
				state = stateSingle
			case c == '"':
				state = stateDouble
			case c == '-' && i+1 < len(text) && text[i+1] == '-':
				state = stateLineComment
				i++
			case c == '/' && i+1 < len(text) && text[i+1] == '*':
				state = stateBlockComment
				i++
			case c == '\n':
				if stopAtBlankLine && !lineHasContent && i > 0 {
					return strings.TrimSpace(text[:i])
				}
				lineHasContent = false
				continue
			}
			if !unicode.IsSpace(rune(c)) {
				lineHasContent = true
			}
		}
	}
	return strings.TrimSpace(text)
}
