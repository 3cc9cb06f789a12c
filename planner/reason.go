package planner

import "fmt"

// Reason strings the planner attaches to actions (§4.5 "Reason strings").
// The core only sets these; formatting for a UI is the caller's job.
func reasonDirect() string            { return "direct request" }
func reasonDependencyOf(of string) string { return fmt.Sprintf("dependency of %s", of) }
func reasonRevdepOf(of string) string     { return fmt.Sprintf("required by %s", of) }
func reasonOrphan() string            { return "orphan" }
func reasonVulnerable() string        { return "vulnerable" }
