package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSizerStartsAtInitial(t *testing.T) {
	assert.Equal(t, 10, NewSizer().Current())
}

func TestSizerGrowsAfterFastCycle(t *testing.T) {
	s := NewSizer()
	s.Adjust(500*time.Millisecond, 10)
	assert.Equal(t, 15, s.Current())
}

func TestSizerShrinksAfterSlowCycle(t *testing.T) {
	s := NewSizer()
	s.Adjust(6*time.Second, 10)
	assert.Equal(t, 5, s.Current())
}

func TestSizerUnchangedInNeutralBand(t *testing.T) {
	s := NewSizer()
	s.Adjust(3*time.Second, 10)
	assert.Equal(t, 10, s.Current())
}

func TestSizerResetDropsToFloor(t *testing.T) {
	s := NewSizer()
	s.Adjust(500*time.Millisecond, 10)
	s.Reset()
	assert.Equal(t, 3, s.Current())
}

func TestSizerStaysWithinBounds(t *testing.T) {
	s := NewSizer()
	for range 50 {
		s.Adjust(100*time.Millisecond, s.Current())
	}
	assert.Equal(t, 100, s.Current())

	for range 50 {
		s.Adjust(10*time.Second, s.Current())
	}
	assert.Equal(t, 1, s.Current())
}
