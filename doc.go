// Package pkgcore implements the core of a package manager: a persistent
// database of installed software, a dependency-formula parser, a
// cooperative lock manager, and a transaction planner that turns user
// requests into ordered, applied actions against configured repositories.
//
// Command-line parsing, output formatting, repository-catalog fetching,
// archive extraction, and the interactive shell are out of scope; this
// package specifies only the core those pieces sit on top of.
package pkgcore
