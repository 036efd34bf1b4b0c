package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Tokenize turns a byte string into a flat token vector: line comments
// starting with \, block comments delimited by ( and ), string literals
// delimited by unescaped ", and otherwise whitespace-delimited word tokens.
// It never re-lexes: the returned vector is the sole boundary between raw
// source text and the rest of the interpreter.
//
// String literals are returned tagged with a reserved prefix (see
// tagString/isStringToken below) so that a Quotation -- itself just a vector
// of these same strings -- can later distinguish a literal from an ordinary
// name without re-parsing.
func Tokenize(src []byte) []string {
	var toks []string
	i, n := 0, len(src)
	for i < n {
		c := src[i]
		switch {
		case isASCIISpace(c):
			i++

		case c == '\\':
			i++
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '(':
			i++
			for i < n && src[i] != ')' {
				i++
			}
			if i < n {
				i++ // consume the closing )
			}
			// unterminated block comments silently consume to EOF

		case c == '"':
			i++
			var sb strings.Builder
			for i < n && src[i] != '"' {
				if src[i] == '\\' && i+1 < n {
					i++
					switch src[i] {
					case 'n':
						sb.WriteByte('\n')
					case 'r':
						sb.WriteByte('\r')
					case 't':
						sb.WriteByte('\t')
					case '"':
						sb.WriteByte('"')
					case '\\':
						sb.WriteByte('\\')
					default:
						sb.WriteByte(src[i])
					}
					i++
				} else {
					sb.WriteByte(src[i])
					i++
				}
			}
			if i < n {
				i++ // consume the closing "
			}
			// a missing closing quote at EOF terminates silently
			toks = append(toks, tagString(sb.String()))

		default:
			start := i
			for i < n && !isASCIISpace(src[i]) && src[i] != '\\' {
				i++
			}
			toks = append(toks, string(src[start:i]))
		}
	}
	return toks
}

func isASCIISpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

// Reserved tags distinguishing string literals and quotation-reference
// literals from ordinary name tokens. Tokenize does not reject NUL bytes in
// source, so a word token that begins with one of these tags is read as the
// corresponding literal.
const (
	stringTag = "\x00S"
	quoteTag  = "\x00Q"
)

func tagString(s string) string    { return stringTag + s }
func isStringToken(t string) bool  { return strings.HasPrefix(t, stringTag) }
func untagString(t string) string  { return t[len(stringTag):] }

func tagQuote(id quoteID) string  { return fmt.Sprintf("%s%d", quoteTag, id) }
func isQuoteToken(t string) bool  { return strings.HasPrefix(t, quoteTag) }
func untagQuote(t string) quoteID {
	n, _ := strconv.Atoi(t[len(quoteTag):])
	return quoteID(n)
}

// parseNumber parses a token as a signed 64-bit integer with auto-base
// detection: leading 0x/0X is hex, leading 0 is octal, otherwise decimal.
// strconv's base-0 mode implements exactly this rule (plus 0b/0o prefixes,
// a harmless superset).
func parseNumber(tok string) (int64, bool) {
	n, err := strconv.ParseInt(tok, 0, 64)
	return n, err == nil
}
