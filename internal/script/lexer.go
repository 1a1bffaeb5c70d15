package script

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct // operators and delimiters
)

type token struct {
	kind tokenKind
	text string
	line int
}

// twoCharOps are matched before single-character punctuation.
var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

const singleOps = "+-*/%<>!=(){}[],.;"

func lex(source string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	n := len(source)

	for i < n {
		c := source[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '/' && i+1 < n && source[i+1] == '/':
			for i < n && source[i] != '\n' {
				i++
			}
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(source[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, source[start:i], line})
		case c >= '0' && c <= '9':
			start := i
			seenDot := false
			for i < n && (source[i] >= '0' && source[i] <= '9' || source[i] == '.' && !seenDot) {
				if source[i] == '.' {
					// A dot not followed by a digit is member access on a
					// number literal, which the parser will reject anyway.
					if i+1 >= n || source[i+1] < '0' || source[i+1] > '9' {
						break
					}
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, source[start:i], line})
		case c == '"' || c == '\'':
			quote := c
			i++
			var sb strings.Builder
			for i < n && source[i] != quote {
				if source[i] == '\n' {
					return nil, fmt.Errorf("line %d: unterminated string", line)
				}
				if source[i] == '\\' && i+1 < n {
					i++
					switch source[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(source[i])
					}
				} else {
					sb.WriteByte(source[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("line %d: unterminated string", line)
			}
			i++
			toks = append(toks, token{tokString, sb.String(), line})
		default:
			if op := matchTwoCharOp(source[i:]); op != "" {
				toks = append(toks, token{tokPunct, op, line})
				i += 2
				continue
			}
			if strings.IndexByte(singleOps, c) >= 0 {
				toks = append(toks, token{tokPunct, string(c), line})
				i++
				continue
			}
			return nil, fmt.Errorf("line %d: unexpected character %q", line, c)
		}
	}
	return append(toks, token{tokEOF, "", line}), nil
}

func matchTwoCharOp(s string) string {
	if len(s) < 2 {
		return ""
	}
	for _, op := range twoCharOps {
		if s[:2] == op {
			return op
		}
	}
	return ""
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
