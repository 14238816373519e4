// Package cmdline turns a command string from a service record into an argument
// vector that is executed without a shell.
//
// Quoting rules:
//   - tokens are separated by runs of whitespace;
//   - a double-quoted substring is one token and its quotes are stripped, so
//     `run "a b"` yields ["run", "a b"] and `""` yields an empty argument;
//   - a quoted substring directly adjacent to unquoted text starts a new token:
//     `x"y z"` yields ["x", "y z"];
//   - there is no escaping: a backslash is an ordinary character and a quote
//     cannot appear inside a quoted token;
//   - an unterminated quote is dropped and the remainder is split normally.
//
// Single quotes have no special meaning.
package cmdline

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmpty is returned by Split when the command has no tokens.
var ErrEmpty = errors.New("empty command")

// Split tokenizes s according to the package quoting rules.
func Split(s string) ([]string, error) {
	var (
		out []string
		cur strings.Builder
		in  bool // inside an unquoted token
	)
	flush := func() {
		if in {
			out = append(out, cur.String())
			cur.Reset()
			in = false
		}
	}
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '"':
			flush()
			end := indexRune(rs, i+1, '"')
			if end < 0 {
				// unterminated: skip the lone quote
				continue
			}
			out = append(out, string(rs[i+1:end]))
			i = end
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			in = true
		}
	}
	flush()
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Join renders args back into a string that Split parses into the same vector,
// provided no argument contains a double quote.
func Join(args []string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == "" || strings.IndexFunc(a, unicode.IsSpace) >= 0 {
			parts = append(parts, `"`+a+`"`)
			continue
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func indexRune(rs []rune, from int, want rune) int {
	for j := from; j < len(rs); j++ {
		if rs[j] == want {
			return j
		}
	}
	return -1
}
