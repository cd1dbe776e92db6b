package sqlsafety

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func (t token) isWord(w string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, w)
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}

// lex splits sql into tokens, dropping whitespace and comments. It fails on
// unterminated quotes and comments.
func lex(sql string) ([]token, error) {
	tokens := make([]token, 0, 32)
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && peek(sql, i+1) == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && peek(sql, i+1) == '*':
			end, err := skipBlockComment(sql, i)
			if err != nil {
				return nil, err
			}
			i = end
		case c == '\'':
			end, err := skipQuoted(sql, i, '\'', false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end], pos: i})
			i = end
		case (c == 'E' || c == 'e') && peek(sql, i+1) == '\'':
			end, err := skipQuoted(sql, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end], pos: i})
			i = end
		case c == '"' || c == '`':
			end, err := skipQuoted(sql, i, c, false)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: sql[i:end], pos: i})
			i = end
		case c == '$':
			if isDigit(peek(sql, i+1)) {
				start := i
				i++
				for i < len(sql) && isDigit(sql[i]) {
					i++
				}
				tokens = append(tokens, token{kind: tokParam, text: sql[start:i], pos: start})
				continue
			}
			end, ok, err := skipDollarQuoted(sql, i)
			if err != nil {
				return nil, err
			}
			if !ok {
				tokens = append(tokens, token{kind: tokPunct, text: "$", pos: i})
				i++
				continue
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end], pos: i})
			i = end
		case isWordStart(c):
			start := i
			for i < len(sql) && isWordPart(sql[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokWord, text: sql[start:i], pos: start})
		case isDigit(c) || (c == '.' && isDigit(peek(sql, i+1))):
			start := i
			for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: sql[start:i], pos: start})
		default:
			tokens = append(tokens, token{kind: tokPunct, text: string(c), pos: i})
			i++
		}
	}
	return tokens, nil
}

func skipBlockComment(sql string, start int) (int, error) {
	depth := 0
	i := start
	for i < len(sql) {
		switch {
		case sql[i] == '/' && peek(sql, i+1) == '*':
			depth++
			i += 2
		case sql[i] == '*' && peek(sql, i+1) == '/':
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment at offset %d", start)
}

// skipQuoted returns the offset just past the closing quote. A doubled quote
// is an escaped quote; with backslashes set a backslash escapes the next byte.
func skipQuoted(sql string, start int, quote byte, backslashes bool) (int, error) {
	i := start + 1
	for i < len(sql) {
		switch {
		case backslashes && sql[i] == '\\':
			i += 2
		case sql[i] == quote && peek(sql, i+1) == quote:
			i += 2
		case sql[i] == quote:
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated quoted text at offset %d", start)
}

// skipDollarQuoted handles $tag$...$tag$ strings. ok is false when the
// dollar sign does not open a dollar-quoted string.
func skipDollarQuoted(sql string, start int) (int, bool, error) {
	i := start + 1
	for i < len(sql) && isWordPart(sql[i]) && sql[i] != '$' {
		i++
	}
	if i >= len(sql) || sql[i] != '$' {
		return 0, false, nil
	}
	delim := sql[start : i+1]
	end := strings.Index(sql[i+1:], delim)
	if end < 0 {
		return 0, false, fmt.Errorf("unterminated dollar-quoted text at offset %d", start)
	}
	return i + 1 + end + len(delim), true, nil
}

func peek(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
