package signalbits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAccumulatesBits(t *testing.T) {
	var m Mask
	m.Set(Alarm)
	m.Set(Hup)
	assert.Equal(t, Alarm|Hup, m.Drain())
}

func TestDrainClears(t *testing.T) {
	var m Mask
	m.Set(Usr1)
	_ = m.Drain()
	assert.Equal(t, uint32(0), m.Drain())
}

func TestSetIsIdempotentPerBit(t *testing.T) {
	var m Mask
	m.Set(Term)
	m.Set(Term)
	assert.Equal(t, Term, m.Drain())
}
