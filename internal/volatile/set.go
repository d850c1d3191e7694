// Package volatile holds time-windowed collections. Entries are only
// dropped when Update runs, so readers never race an expiry sweep.
package volatile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Set[T comparable] struct {
	mu       sync.Mutex
	clk      clock.Clock
	survival time.Duration
	items    map[T]time.Time
}

func NewSet[T comparable](survival time.Duration, clk clock.Clock) *Set[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Set[T]{
		clk:      clk,
		survival: survival,
		items:    make(map[T]time.Time),
	}
}

func (s *Set[T]) Survival() time.Duration {
	return s.survival
}

// Add inserts v or refreshes its timestamp.
func (s *Set[T]) Add(v T) {
	now := s.clk.Now()
	s.mu.Lock()
	s.items[v] = now
	s.mu.Unlock()
}

func (s *Set[T]) AddAll(vs []T) {
	if len(vs) == 0 {
		return
	}
	now := s.clk.Now()
	s.mu.Lock()
	for _, v := range vs {
		s.items[v] = now
	}
	s.mu.Unlock()
}

func (s *Set[T]) Contains(v T) bool {
	s.mu.Lock()
	_, ok := s.items[v]
	s.mu.Unlock()
	return ok
}

// Elapsed reports how long ago v was last added.
func (s *Set[T]) Elapsed(v T) (time.Duration, bool) {
	s.mu.Lock()
	at, ok := s.items[v]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return s.clk.Since(at), true
}

func (s *Set[T]) Remove(v T) {
	s.mu.Lock()
	delete(s.items, v)
	s.mu.Unlock()
}

func (s *Set[T]) RemoveAll(vs []T) {
	s.mu.Lock()
	for _, v := range vs {
		delete(s.items, v)
	}
	s.mu.Unlock()
}

func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Values returns a snapshot in map order; callers shuffle when order matters.
func (s *Set[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.items))
	for v := range s.items {
		out = append(out, v)
	}
	return out
}

func (s *Set[T]) Clear() {
	s.mu.Lock()
	clear(s.items)
	s.mu.Unlock()
}

func (s *Set[T]) Update() {
	now := s.clk.Now()
	s.mu.Lock()
	for v, at := range s.items {
		if now.Sub(at) >= s.survival {
			delete(s.items, v)
		}
	}
	s.mu.Unlock()
}
