package dbclient

import (
	"database/sql"
	"fmt"
	"strings"
)

// lexer selects the quoting rules the placeholder scanner honours beyond
// standard SQL literals, quoted identifiers and comments.
type lexer struct {
	// postgres adds $tag$ dollar-quoted bodies and E'' strings with
	// backslash escapes.
	postgres bool
}

// rewritePlaceholders replaces every ? outside string literals, quoted
// identifiers and comments with name(i), numbering left to right from zero.
func (l lexer) rewritePlaceholders(query string, name func(i int) string) (string, int) {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case l.postgres && (ch == 'E' || ch == 'e') && i+1 < len(query) && query[i+1] == '\'' && !identByteBefore(query, i):
			end := escapedQuote(query, i+1)
			b.WriteString(query[i:end])
			i = end - 1
		case l.postgres && ch == '$' && !identByteBefore(query, i):
			end, ok := dollarQuote(query, i)
			if !ok {
				b.WriteByte(ch)
				continue
			}
			b.WriteString(query[i:end])
			i = end - 1
		case ch == '\'' || ch == '"' || ch == '`':
			end := closingQuote(query, i, ch)
			b.WriteString(query[i:end])
			i = end - 1
		case ch == '-' && i+1 < len(query) && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}
			b.WriteString(query[i : i+end])
			i += end - 1
		case ch == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				b.WriteString(query[i:])
				i = len(query)
				continue
			}
			b.WriteString(query[i : i+2+end+2])
			i += 2 + end + 1
		case ch == '?':
			b.WriteString(name(n))
			n++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), n
}

// closingQuote returns the index just past the literal opened at start.
// Doubled quotes inside the literal are escapes.
func closingQuote(s string, start int, q byte) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

// escapedQuote is closingQuote for E'' strings, where a backslash also
// escapes the next byte.
func escapedQuote(s string, start int) int {
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '\'':
			if i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(s)
}

// dollarQuote returns the index just past the $tag$...$tag$ body opening at
// start. ok is false when start does not open a dollar quote, as in $1.
func dollarQuote(s string, start int) (end int, ok bool) {
	j := start + 1
	for j < len(s) && isIdentByte(s[j]) {
		if j == start+1 && s[j] >= '0' && s[j] <= '9' {
			return 0, false
		}
		j++
	}
	if j >= len(s) || s[j] != '$' {
		return 0, false
	}
	tag := s[start : j+1]
	body := strings.Index(s[j+1:], tag)
	if body < 0 {
		return len(s), true
	}
	return j + 1 + body + len(tag), true
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}

// identByteBefore reports whether s[i] continues an identifier, as the $ in
// col$1 or the e in name'.
func identByteBefore(s string, i int) bool {
	return i > 0 && (isIdentByte(s[i-1]) || s[i-1] == '$')
}

// dollarParams rewrites ? to $1, $2, ... for PostgreSQL-family engines.
// Statements without params are left alone so JSON operators like ?| survive.
func dollarParams(query string, params []any) (string, []any) {
	if len(params) == 0 {
		return query, params
	}
	out, _ := lexer{postgres: true}.rewritePlaceholders(query, func(i int) string { return fmt.Sprintf("$%d", i+1) })
	return out, params
}

func paramName(i int) string { return fmt.Sprintf("param%d", i) }

// namedParams rewrites ? to @param0, @param1, ... and returns the named
// arguments in placeholder order.
func namedParams(query string, params []any) (string, []sql.NamedArg) {
	if len(params) == 0 {
		return query, nil
	}
	out, _ := lexer{}.rewritePlaceholders(query, func(i int) string { return "@" + paramName(i) })
	named := make([]sql.NamedArg, len(params))
	for i, p := range params {
		named[i] = sql.Named(paramName(i), p)
	}
	return out, named
}

// sqlNamedParams is namedParams shaped as database/sql arguments.
func sqlNamedParams(query string, params []any) (string, []any) {
	if len(params) == 0 {
		return query, params
	}
	out, named := namedParams(query, params)
	args := make([]any, len(named))
	for i, n := range named {
		args[i] = n
	}
	return out, args
}
