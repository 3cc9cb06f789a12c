package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTwoClauses(t *testing.T) {
	f, err := Parse("foo >= 1.0, bar | baz +OPT -QUX = 2")
	require.NoError(t, err)
	require.Len(t, f.Clauses, 2)

	c1 := f.Clauses[0]
	require.Len(t, c1.Items, 1)
	assert.Equal(t, "foo", c1.Items[0].Name)
	require.Len(t, c1.Items[0].Versions, 1)
	assert.Equal(t, VersionConstraint{Op: OpGE, Version: "1.0"}, c1.Items[0].Versions[0])

	c2 := f.Clauses[1]
	require.Len(t, c2.Items, 2)
	assert.Equal(t, "bar", c2.Items[0].Name)
	assert.Empty(t, c2.Items[0].Versions)
	assert.Empty(t, c2.Items[0].Options)

	assert.Equal(t, "baz", c2.Items[1].Name)
	require.Len(t, c2.Items[1].Versions, 1)
	assert.Equal(t, VersionConstraint{Op: OpEQ, Version: "2"}, c2.Items[1].Versions[0])
	require.Len(t, c2.Items[1].Options, 2)
	assert.Equal(t, OptionPredicate{Name: "OPT", On: true}, c2.Items[1].Options[0])
	assert.Equal(t, OptionPredicate{Name: "QUX", On: false}, c2.Items[1].Options[1])
}

func TestParseInvalidOperator(t *testing.T) {
	_, err := Parse("foo > >")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseBareName(t *testing.T) {
	f, err := Parse("bash")
	require.NoError(t, err)
	require.Len(t, f.Clauses, 1)
	require.Len(t, f.Clauses[0].Items, 1)
	assert.Equal(t, "bash", f.Clauses[0].Items[0].Name)
}

func TestParseRoundTripProperty(t *testing.T) {
	// P6: parse-then-serialise yields an equivalent formula (same clauses,
	// items, options, version pairs in order).
	inputs := []string{
		"foo >= 1.0, bar | baz +OPT -QUX = 2",
		"a",
		"a >= 1, a <= 2",
		"x +OPT, y -OPT",
	}
	for _, in := range inputs {
		f1, err := Parse(in)
		require.NoError(t, err)
		s := Serialize(f1)
		f2, err := Parse(s)
		require.NoErrorf(t, err, "re-parsing serialised formula %q", s)
		assert.Equal(t, f1, f2, "round trip of %q via %q", in, s)
	}
}

func TestParseEmpty(t *testing.T) {
	f, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, f.Clauses)
}
