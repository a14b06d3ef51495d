// Package sequence hands out strictly increasing ids. Each component owns
// its own Sequence so plan, investment and queue ids never share a space.
package sequence

import "sync/atomic"

// Sequence is safe for concurrent use. Ids start at 1.
type Sequence struct {
	last atomic.Uint64
}

// New returns a sequence whose next id is last+1. Pass the highest id
// already persisted when restoring from a store.
func New(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Next returns the next id. Ids are never reused.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, 0 if none.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
