package formula

import (
	"fmt"
)

// parseState mirrors the hand-written state machine states named in §4.3:
// parse_dep_name -> after_name -> {ver_op | option_start | comma | or},
// ver_op -> after_op -> version_number -> after_version -> {...},
// option_start -> option -> after_option -> {...}, comma/or finalise and
// reset, skip_spaces is driven by next_state.
type parseState int

const (
	stDepName parseState = iota
	stAfter            // after_name, after_version, after_option collapse to one state
	stVerOp
	stAfterOp
	stVersionNumber
	stOptionStart
	stOption
	stComma
	stOr
	stSkipSpaces
	stError
)

// ParseError reports a malformed formula string. Failure to reach the
// skip_spaces state at EOF is a parse error (§4.3); no partial Formula is
// returned.
type ParseError struct {
	Input string
	Pos   int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("formula: cannot parse %q at byte %d", e.Input, e.Pos)
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isPrint(b byte) bool { return b >= 0x20 && b < 0x7f }

func isNameChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') || b == '-' || b == '_'
}

// isVersionChar extends isNameChar with '.', since version strings like
// "1.0" are expected to parse as a single token (§8 scenario 6); the
// filtered source this is ported from checks only isalnum()/'-'/'_' for
// this state, which would truncate a dotted version at the first '.'.
func isVersionChar(b byte) bool { return isNameChar(b) || b == '.' }

// Parse parses a dependency-formula string into a Formula.
//
// Input is treated as reaching an implicit end-of-item boundary at EOF in
// every state (so a bare trailing name with no operator, as the item
// grammar in §4.3 permits via its "zero or more" groups, parses cleanly);
// see DESIGN.md for why this differs from a byte-for-byte port of the
// NUL-terminated C scanner it's grounded on.
func Parse(in string) (*Formula, error) {
	end := len(in)

	var (
		res       Formula
		curClause Clause
		curItem   *Item
		curOp     Op
		c, p      int
		state     = stDepName
		next      = stDepName
	)

	ch := func() (byte, bool) {
		if p >= end {
			return 0, false
		}
		return in[p], true
	}

	fail := func() (*Formula, error) { return nil, &ParseError{Input: in, Pos: p} }

	finishItem := func() {
		curClause.Items = append(curClause.Items, *curItem)
		curItem = nil
	}
	finishClause := func() {
		res.Clauses = append(res.Clauses, curClause)
		curClause = Clause{}
	}

	for p <= end {
		b, ok := ch()
		switch state {
		case stDepName:
			switch {
			case !ok || isSpace(b):
				if p == c {
					// Leading spaces: stay put.
					next = stDepName
				} else {
					curItem = &Item{Name: in[c:p]}
					next = stAfter
				}
				state = stSkipSpaces
			case !isPrint(b):
				state = stError
			default:
				p++
			}

		case stAfter:
			if !ok {
				state = stComma
				break
			}
			switch b {
			case ',':
				state = stComma
			case '|':
				state = stOr
			case '+', '-':
				c = p
				state = stOptionStart
			case '>', '<', '=', '!':
				c = p
				curOp = ""
				state = stVerOp
			default:
				state = stError
			}

		case stVerOp:
			if ok && (b == '>' || b == '<' || b == '=' || b == '!') {
				p++
				break
			}
			switch p - c {
			case 2:
				switch in[c : c+2] {
				case ">=":
					curOp = OpGE
				case "<=":
					curOp = OpLE
				case "!=":
					curOp = OpNE
				default:
					state = stError
				}
			case 1:
				switch in[c] {
				case '>':
					curOp = OpGT
				case '<':
					curOp = OpLT
				case '!':
					curOp = OpNE
				case '=':
					curOp = OpEQ
				default:
					state = stError
				}
			default:
				state = stError
			}
			if state != stError {
				state = stSkipSpaces
				next = stAfterOp
			}

		case stAfterOp:
			if curOp == "" {
				state = stError
			} else {
				state = stVersionNumber
				c = p
			}

		case stVersionNumber:
			if ok && isVersionChar(b) {
				p++
				break
			}
			if p-c > 0 {
				curItem.Versions = append(curItem.Versions, VersionConstraint{Op: curOp, Version: in[c:p]})
				state = stSkipSpaces
				next = stAfter
			} else {
				state = stError
			}

		case stOptionStart:
			on := in[c] == '+'
			p++
			c = p
			curItem.Options = append(curItem.Options, OptionPredicate{On: on})
			state = stOption

		case stOption:
			if ok && isNameChar(b) {
				p++
				break
			}
			if p-c > 0 {
				curItem.Options[len(curItem.Options)-1].Name = in[c:p]
				state = stSkipSpaces
				next = stAfter
			} else {
				state = stError
			}

		case stComma:
			if curItem == nil {
				state = stError
				break
			}
			finishItem()
			finishClause()
			if ok {
				p++
			} else {
				p++ // advance past EOF sentinel so the loop terminates cleanly
			}
			c = p
			state = stSkipSpaces
			next = stDepName

		case stOr:
			if curItem == nil {
				state = stError
				break
			}
			finishItem()
			p++
			c = p
			state = stSkipSpaces
			next = stDepName

		case stSkipSpaces:
			if !ok {
				p++
			} else if isSpace(b) {
				p++
			} else {
				c = p
				state = next
			}

		case stError:
			return fail()
		}

		if state == stError {
			return fail()
		}
	}

	if state != stSkipSpaces {
		return fail()
	}

	// A formula that doesn't end in an explicit ',' never drives the
	// state machine back through the comma/or finaliser for its last
	// item and clause (EOF only ever feeds skip_spaces, which just lets
	// the p<=end loop condition end the scan). Finalise whatever is
	// still pending so the last clause isn't silently dropped; see
	// DESIGN.md for why this is not a byte-for-byte port of the
	// post-loop return in the filtered source it's grounded on.
	if curItem != nil {
		finishItem()
	}
	if len(curClause.Items) > 0 {
		finishClause()
	}

	return &res, nil
}
