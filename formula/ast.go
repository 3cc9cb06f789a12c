// Package formula parses dependency-formula strings and evaluates the
// version/option predicates they describe (§4.3, C3).
//
// A formula is a comma-separated list of Clauses; within a Clause, items
// separated by '|' form an OR-group; each Item names a dependency plus zero
// or more version constraints and option predicates.
package formula

// Op is a version-comparison operator.
type Op string

const (
	OpGE Op = ">="
	OpLE Op = "<="
	OpNE Op = "!="
	OpEQ Op = "="
	OpGT Op = ">"
	OpLT Op = "<"
)

// VersionConstraint is one `OP VERSION` pair attached to an Item.
type VersionConstraint struct {
	Op      Op
	Version string
}

// OptionPredicate is one `+OPT` / `-OPT` pair attached to an Item.
type OptionPredicate struct {
	Name string
	On   bool
}

// Item is a single dependency alternative: a name plus the version
// constraints and option predicates that must all hold for it.
type Item struct {
	Name        string
	Versions    []VersionConstraint
	Options     []OptionPredicate
}

// Clause is an AND-ed group of OR-alternative Items.
type Clause struct {
	Items []Item
}

// Formula is the parsed form of a dependency-formula string: an ordered,
// comma-separated sequence of Clauses.
type Formula struct {
	Clauses []Clause
}
