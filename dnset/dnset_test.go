package dnset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExactMatch(t *testing.T) {
	s := New()
	s.Add("bad.example.", 3)
	s.Finalize()

	v, found, exact := s.Lookup("bad.example.")
	assert.True(t, found)
	assert.True(t, exact)
	assert.Equal(t, 3, v)

	_, found, _ = s.Lookup("x.bad.example.")
	assert.False(t, found)
}

func TestWildcardMatchesStrictSubdomainsOnly(t *testing.T) {
	s := New()
	s.Add(".bad.example.", 3)
	s.Finalize()

	v, found, exact := s.Lookup("x.y.bad.example.")
	assert.True(t, found)
	assert.False(t, exact)
	assert.Equal(t, 3, v)

	_, found, _ = s.Lookup("bad.example.")
	assert.False(t, found, "wildcard entry must not match its own domain")

	_, found, _ = s.Lookup("notbad.example.")
	assert.False(t, found)
}

func TestLongestSuffixWins(t *testing.T) {
	s := New()
	s.Add(".example.", 1)
	s.Add(".deep.example.", 9)
	s.Finalize()

	v, found, _ := s.Lookup("a.deep.example.")
	assert.True(t, found)
	assert.Equal(t, 9, v)

	v, found, _ = s.Lookup("a.other.example.")
	assert.True(t, found)
	assert.Equal(t, 1, v)
}

func TestCaseInsensitive(t *testing.T) {
	s := New()
	s.Add("Bad.Example.", 3)
	s.Finalize()

	v, found, exact := s.Lookup("bad.example.")
	assert.True(t, found)
	assert.True(t, exact)
	assert.Equal(t, 3, v)
}

func TestDuplicateKeyLastInsertWins(t *testing.T) {
	s := New()
	s.Add("bad.example.", 1)
	s.Add("bad.example.", 2)
	s.Finalize()

	assert.Equal(t, 1, s.Len())
	v, found, _ := s.Lookup("bad.example.")
	assert.True(t, found)
	assert.Equal(t, 2, v)
}

func TestWildcardSurvivesDeeperSiblingExactEntry(t *testing.T) {
	// "other.bad.example" sorts (in reversed-label order) between the
	// wildcard ancestor ".bad.example" and the query "x.bad.example",
	// so a lookup that only consulted the immediate lexicographic
	// predecessor would land on the unrelated sibling and miss the
	// wildcard ancestor entirely.
	s := New()
	s.Add(".bad.example.", 3)
	s.Add("other.bad.example.", 9)
	s.Finalize()

	v, found, exact := s.Lookup("x.bad.example.")
	assert.True(t, found)
	assert.False(t, exact)
	assert.Equal(t, 3, v)
}

func TestNoProperPrefixOfExactEntry(t *testing.T) {
	// Invariant from spec.md §8: if d is matched exactly by entry e, no
	// other entry's reversed form is a proper prefix of e's (i.e. an
	// exact match is never shadowed by a shorter wildcard ancestor
	// check producing a different entry).
	s := New()
	s.Add(".example.", 1)
	s.Add("deep.example.", 9)
	s.Finalize()

	v, found, exact := s.Lookup("deep.example.")
	assert.True(t, found)
	assert.True(t, exact)
	assert.Equal(t, 9, v)
}
