// Package interp implements the small template language used for rule
// key/value tags and action-name templates (fdm's replacestr), together
// with its use of the mail's regex-match-list cache for backreferences
// into the most recently evaluated predicate.
//
// A template is plain text with a handful of escapes:
//
//	%%        a literal percent sign
//	%{name}   the value of tag "name", or empty if unset
//	%(Name)   the value of header "Name" (case-insensitive), or empty
//	%1..%9    the n'th capture group of the last matched regex predicate
package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nmarriott/mailfdm/mailmsg"
)

// Expand interpolates tmpl against m's tags, headers and regex-match-list
// cache. Expansion never fails on unknown references (they expand to the
// empty string); it only errors on a malformed escape (a trailing '%',
// an unterminated '{'/'(' group, or an unknown character after '%').
func Expand(tmpl string, m *mailmsg.Mail) (string, error) {
	var b strings.Builder
	r := []rune(tmpl)
	for i := 0; i < len(r); i++ {
		c := r[i]
		if c != '%' {
			b.WriteRune(c)
			continue
		}
		i++
		if i >= len(r) {
			return "", fmt.Errorf("trailing %% in template %q", tmpl)
		}
		switch {
		case r[i] == '%':
			b.WriteByte('%')
		case r[i] == '{':
			end := indexRune(r, i+1, '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated %%{ in template %q", tmpl)
			}
			name := string(r[i+1 : end])
			if v, ok := m.Tags.Get(name); ok {
				b.WriteString(v)
			}
			i = end
		case r[i] == '(':
			end := indexRune(r, i+1, ')')
			if end < 0 {
				return "", fmt.Errorf("unterminated %%( in template %q", tmpl)
			}
			name := string(r[i+1 : end])
			if v, ok := m.FindHeader(name, true); ok {
				b.WriteString(v)
			}
			i = end
		case r[i] >= '1' && r[i] <= '9':
			n, _ := strconv.Atoi(string(r[i]))
			if n <= len(m.RML.Submatches) {
				b.WriteString(m.RML.Submatches[n-1])
			}
		default:
			return "", fmt.Errorf("unknown escape %%%c in template %q", r[i], tmpl)
		}
	}
	return b.String(), nil
}

func indexRune(r []rune, from int, target rune) int {
	for i := from; i < len(r); i++ {
		if r[i] == target {
			return i
		}
	}
	return -1
}
