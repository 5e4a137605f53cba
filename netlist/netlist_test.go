package netlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAllWhenEmpty(t *testing.T) {
	l, err := Parse("")
	require.NoError(t, err)
	assert.True(t, l.Allow(net.ParseIP("8.8.8.8")))
}

func TestFirstMatchWins(t *testing.T) {
	l, err := Parse("127.0.0.0/8,!0.0.0.0/0")
	require.NoError(t, err)

	assert.True(t, l.Allow(net.ParseIP("127.0.0.1")))
	assert.False(t, l.Allow(net.ParseIP("8.8.8.8")))
}

func TestDenyOnlyImplicitlyAllowsRest(t *testing.T) {
	l, err := Parse("!10.0.0.0/8")
	require.NoError(t, err)

	assert.False(t, l.Allow(net.ParseIP("10.1.2.3")))
	assert.True(t, l.Allow(net.ParseIP("8.8.8.8")))
}

func TestAllowOnlyImplicitlyDeniesRest(t *testing.T) {
	l, err := Parse("127.0.0.0/8")
	require.NoError(t, err)

	assert.True(t, l.Allow(net.ParseIP("127.0.0.1")))
	assert.False(t, l.Allow(net.ParseIP("8.8.8.8")))
}

func TestBareIPRule(t *testing.T) {
	l, err := Parse("192.0.2.7")
	require.NoError(t, err)

	assert.True(t, l.Allow(net.ParseIP("192.0.2.7")))
	assert.False(t, l.Allow(net.ParseIP("192.0.2.8")))
}

func TestSeparators(t *testing.T) {
	l, err := Parse("127.0.0.0/8; 10.0.0.0/8 192.168.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
}

func TestNilListAllowsEverything(t *testing.T) {
	var l *List
	assert.True(t, l.Allow(net.ParseIP("1.2.3.4")))
}
