// Package sandbox evaluates a restricted arithmetic grammar over named
// numeric variables. Nothing outside the grammar ever executes: input is
// tokenized and parsed up front, and any unknown token, identifier or
// function rejects the whole expression before evaluation starts.
package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenOp    // + - * / ^
	tokenParen // ( )
	tokenComma
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenize splits expr into grammar tokens. Any byte that does not
// belong to the grammar is a rejection.
func tokenize(expr string) ([]token, error) {
	var out []token
	i := 0
	for i < len(expr) {
		ch := rune(expr[i])
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch >= '0' && ch <= '9' || ch == '.':
			start := i
			seenDot := false
			for i < len(expr) {
				c := expr[i]
				if c == '.' {
					if seenDot {
						return nil, rejectf("malformed number at position %d", start)
					}
					seenDot = true
					i++
					continue
				}
				if c < '0' || c > '9' {
					break
				}
				i++
			}
			text := expr[start:i]
			if text == "." {
				return nil, rejectf("malformed number at position %d", start)
			}
			out = append(out, token{kind: tokenNumber, text: text, pos: start})
		case unicode.IsLetter(ch) || ch == '_':
			start := i
			for i < len(expr) {
				c := rune(expr[i])
				if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
					break
				}
				i++
			}
			out = append(out, token{kind: tokenIdent, text: expr[start:i], pos: start})
		case strings.ContainsRune("+-*/^", ch):
			out = append(out, token{kind: tokenOp, text: string(ch), pos: i})
			i++
		case ch == '(' || ch == ')':
			out = append(out, token{kind: tokenParen, text: string(ch), pos: i})
			i++
		case ch == ',':
			out = append(out, token{kind: tokenComma, text: ",", pos: i})
			i++
		default:
			return nil, rejectf("illegal character %q at position %d", string(ch), i)
		}
	}
	out = append(out, token{kind: tokenEOF, pos: len(expr)})
	return out, nil
}

// RejectError marks input refused by the sandbox. It is a value, never a
// panic, and carries no partial result.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "sandbox: " + e.Reason
}

func rejectf(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// IsReject reports whether err is a sandbox rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
