package formula

import "strings"

// Serialize renders a Formula back to its string form, the inverse of
// Parse. Parse(Serialize(f)) reproduces an equivalent Formula (§8, P6).
func Serialize(f *Formula) string {
	var clauses []string
	for _, c := range f.Clauses {
		clauses = append(clauses, serializeClause(c))
	}
	return strings.Join(clauses, ", ")
}

func serializeClause(c Clause) string {
	var items []string
	for _, it := range c.Items {
		items = append(items, serializeItem(it))
	}
	return strings.Join(items, " | ")
}

func serializeItem(it Item) string {
	var b strings.Builder
	b.WriteString(it.Name)
	for _, v := range it.Versions {
		b.WriteByte(' ')
		b.WriteString(string(v.Op))
		b.WriteByte(' ')
		b.WriteString(v.Version)
	}
	for _, o := range it.Options {
		b.WriteByte(' ')
		if o.On {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
		b.WriteString(o.Name)
	}
	return b.String()
}
