package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToSQL(t *testing.T) {
	it := Item{Name: "foo", Versions: []VersionConstraint{{Op: OpGE, Version: "3.0"}}}
	assert.Equal(t, `(name = 'foo' AND vercmp('>=','3.0', version))`, ToSQL(it))
}

func TestToSQLEscapesQuotes(t *testing.T) {
	it := Item{Name: "o'brien"}
	assert.Equal(t, `(name = 'o''brien')`, ToSQL(it))
}

func TestMatchOptions(t *testing.T) {
	it := Item{Options: []OptionPredicate{{Name: "OPT", On: true}, {Name: "QUX", On: false}}}
	assert.True(t, it.MatchOptions(map[string]bool{"OPT": true, "QUX": false}))
	assert.False(t, it.MatchOptions(map[string]bool{"OPT": false, "QUX": false}))
	assert.False(t, it.MatchOptions(map[string]bool{"OPT": true}))
}

func TestVercmp(t *testing.T) {
	assert.True(t, Vercmp(">=", "1.0", "1.0"))
	assert.True(t, Vercmp(">=", "2.0", "1.0"))
	assert.False(t, Vercmp(">=", "1.0", "2.0"))
	assert.True(t, Vercmp("=", "1.0", "1.0"))
	assert.True(t, Vercmp("!=", "1.0", "2.0"))
}
