package formula

import (
	version "github.com/knqyf263/go-apk-version"
)

// Compare returns the 3-way comparison of two version strings: negative if
// v1 < v2, zero if equal, positive if v1 > v2. It is deterministic and
// exposed to the storage engine as the SQL scalar function "vercmp" (§4.3,
// §6). The alpha-numeric-with-separators comparison scheme of
// github.com/knqyf263/go-apk-version matches the ordering pkg-style
// versions need and is already the teacher's choice for this exact job
// (alpine/matcher.go's Vulnerable method).
func Compare(v1, v2 string) int {
	a, err1 := version.NewVersion(v1)
	b, err2 := version.NewVersion(v2)
	if err1 != nil || err2 != nil {
		// Fall back to a byte-wise comparison for unparsable inputs
		// rather than erroring: vercmp is a SQL scalar function and
		// must always produce a boolean result (§4.3).
		switch {
		case v1 < v2:
			return -1
		case v1 > v2:
			return 1
		default:
			return 0
		}
	}
	return a.Compare(b)
}

// Vercmp evaluates "OP V1 V2", matching the three-argument SQL scalar
// function signature named in §4.3 and §6.
func Vercmp(op, v1, v2 string) bool {
	cmp := Compare(v1, v2)
	switch Op(op) {
	case OpEQ:
		return cmp == 0
	case OpGE:
		return cmp >= 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpNE:
		return cmp != 0
	default:
		return true
	}
}
