package fhirpath

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent  tokenKind = iota // identifier or keyword
	tkNumber                  // integer or decimal
	tkString                  // 'single-quoted'
	tkDot                     // .
	tkLParen                  // (
	tkRParen                  // )
	tkLBrack                  // [
	tkRBrack                  // ]
	tkComma                   // ,
	tkEq                      // =
	tkNe                      // !=
	tkLt                      // <
	tkGt                      // >
	tkLe                      // <=
	tkGe                      // >=
	tkEOF                     // end-of-input
)

func (k tokenKind) String() string {
	switch k {
	case tkIdent:
		return "identifier"
	case tkNumber:
		return "number"
	case tkString:
		return "string"
	case tkDot:
		return "'.'"
	case tkLParen:
		return "'('"
	case tkRParen:
		return "')'"
	case tkLBrack:
		return "'['"
	case tkRBrack:
		return "']'"
	case tkComma:
		return "','"
	case tkEOF:
		return "end of expression"
	}
	return "operator"
}

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, &ParseError{Pos: start, Msg: "unexpected character '!'"}
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '\'':
			i++
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case 'r':
						sb.WriteByte('\r')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, &ParseError{Pos: start, Msg: "unterminated string"}
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch == '-' || (ch >= '0' && ch <= '9'):
			j := i
			if ch == '-' {
				j++
			}
			digits := j
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j == digits {
				return nil, &ParseError{Pos: start, Msg: "unexpected character '-'"}
			}
			// A '.' followed by a digit is a decimal point, otherwise navigation.
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || ch == '$' || unicode.IsLetter(rune(ch)):
			j := i + 1
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		case ch == '`':
			// Delimited identifier, e.g. `div`.
			j := i + 1
			for j < n && input[j] != '`' {
				j++
			}
			if j >= n || j == i+1 {
				return nil, &ParseError{Pos: start, Msg: "unterminated delimited identifier"}
			}
			tokens = append(tokens, token{tkIdent, input[i+1 : j], start})
			i = j + 1
		default:
			return nil, &ParseError{Pos: start, Msg: "unexpected character " + quoteChar(ch)}
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

func quoteChar(ch byte) string {
	return "'" + string(ch) + "'"
}
