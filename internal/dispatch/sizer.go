package dispatch

import (
	"sync"
	"time"
)

const (
	sizerInitial    = 10
	sizerResetFloor = 3
	sizerStep       = 5
	sizerMin        = 1
	sizerMax        = 100

	fastCycle = 1 * time.Second
	slowCycle = 5 * time.Second
)

// Sizer is an additive-increase/additive-decrease counter matching dispatch
// batch size to observed downstream latency. Always within [1, 100].
type Sizer struct {
	mu      sync.Mutex
	current int
}

func NewSizer() *Sizer {
	return &Sizer{current: sizerInitial}
}

func (s *Sizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Reset drops the batch size to a small floor. Called when a cycle finds no
// pending work or after a system failure.
func (s *Sizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sizerResetFloor
}

// Adjust grows the batch size after a fast cycle and shrinks it after a slow
// one; anything in between leaves it unchanged.
func (s *Sizer) Adjust(duration time.Duration, batchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case duration < fastCycle:
		s.current = min(sizerMax, s.current+sizerStep)
	case duration > slowCycle:
		s.current = max(sizerMin, s.current-sizerStep)
	}
}
