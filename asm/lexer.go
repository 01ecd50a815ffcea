package asm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Lexer: splits assembly lines into tokens
// ---------------------------------------------------------------------------

// Error is an assembly error tied to a source line.
type Error struct {
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// TokenKind classifies a token.
type TokenKind int

const (
	TokenWord      TokenKind = iota // mnemonics, directives, labels, numbers
	TokenString                     // quoted string literal, kept quoted
	TokenLabelDef                   // name:
)

// Token is one lexeme on a line.
type Token struct {
	Kind TokenKind
	Text string
}

// tokenize splits a line, dropping a trailing ';' comment. Quoted strings
// follow Go escape rules and may contain ';'.
func tokenize(line string, lineNo int) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == ',':
			i++
		case c == ';':
			return toks, nil
		case c == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, &Error{Line: lineNo, Msg: "unterminated string"}
			}
			toks = append(toks, Token{Kind: TokenString, Text: line[i : j+1]})
			i = j + 1
		default:
			j := i
			for j < len(line) && !strings.ContainsRune(" \t\r,;\"", rune(line[j])) {
				j++
			}
			word := line[i:j]
			if strings.HasSuffix(word, ":") && len(word) > 1 {
				toks = append(toks, Token{Kind: TokenLabelDef, Text: word[:len(word)-1]})
			} else {
				toks = append(toks, Token{Kind: TokenWord, Text: word})
			}
			i = j
		}
	}
	return toks, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.'):
		default:
			return false
		}
	}
	return true
}
