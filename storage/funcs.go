package storage

import (
	"database/sql/driver"
	"regexp"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/pkgcore/corepkg/formula"
)

// epochOverride holds the value PKG_INSTALL_EPOCH supplies, read once at
// process start via Options.Parse and threaded through SetEpoch so the
// now() SQL scalar function can honor it (§4.3).
var epochOverride time.Time

// SetEpoch overrides the value the "now" SQL scalar function returns, for
// reproducible installs (§4.3, §6 PKG_INSTALL_EPOCH). A zero time restores
// the real wall clock.
func SetEpoch(t time.Time) { epochOverride = t }

func init() {
	must(sqlite.RegisterDeterministicScalarFunction("vercmp", 3, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		op, _ := args[0].(string)
		v1, _ := args[1].(string)
		v2, _ := args[2].(string)
		if formula.Vercmp(op, v1, v2) {
			return int64(1), nil
		}
		return int64(0), nil
	}))
	must(sqlite.RegisterScalarFunction("now", 0, func(_ *sqlite.FunctionContext, _ []driver.Value) (driver.Value, error) {
		if !epochOverride.IsZero() {
			return epochOverride.Unix(), nil
		}
		return time.Now().Unix(), nil
	}))
	must(sqlite.RegisterDeterministicScalarFunction("regexp", 2, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		pattern, _ := args[0].(string)
		value, _ := args[1].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		if re.MatchString(value) {
			return int64(1), nil
		}
		return int64(0), nil
	}))
}

func must(err error) {
	if err != nil {
		panic("storage: registering sqlite scalar function: " + err.Error())
	}
}
