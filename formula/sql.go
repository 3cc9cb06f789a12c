package formula

import (
	"fmt"
	"strings"
)

// ToSQL produces a parenthesised SQL WHERE-fragment for a single Item,
// suitable for substitution after a
// "SELECT id,name,origin,version,locked FROM packages WHERE " prefix
// (§4.3). Option predicates are not expressed in SQL; a post-filter
// against the candidate row's options must be applied separately with
// Item.MatchOptions.
func ToSQL(it Item) string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString("name = ")
	b.WriteString(quoteLiteral(it.Name))
	for _, v := range it.Versions {
		b.WriteString(" AND vercmp(")
		b.WriteString(quoteLiteral(string(v.Op)))
		b.WriteByte(',')
		b.WriteString(quoteLiteral(v.Version))
		b.WriteString(", version)")
	}
	b.WriteByte(')')
	return b.String()
}

// quoteLiteral renders s as a single-quoted SQL string literal, doubling
// any embedded single quotes.
func quoteLiteral(s string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(s, "'", "''"))
}

// MatchOptions reports whether row, a candidate package's option map
// (option name -> enabled), satisfies every option predicate attached to
// it. Unlike version constraints, this is always evaluated in Go rather
// than synthesised into SQL (§4.3).
func (it Item) MatchOptions(row map[string]bool) bool {
	for _, pred := range it.Options {
		on, ok := row[pred.Name]
		if !ok {
			return false
		}
		if on != pred.On {
			return false
		}
	}
	return true
}

// Match reports whether a candidate row's version (already known to carry
// the matching name, since ToSQL filters on that) satisfies every version
// constraint on it, and whether the option predicates also hold.
//
// The argument order to Vercmp mirrors the (op, constraint, candidate)
// order ToSQL embeds in its "vercmp('>=','3.0', version)" fragment, so a
// Go-side post-filter agrees with what the equivalent SQL would compute.
func (it Item) Match(version string, options map[string]bool) bool {
	for _, v := range it.Versions {
		if !Vercmp(string(v.Op), v.Version, version) {
			return false
		}
	}
	return it.MatchOptions(options)
}
