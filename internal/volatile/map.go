package volatile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type mapEntry[V any] struct {
	value V
	at    time.Time
}

type Map[K comparable, V any] struct {
	mu       sync.Mutex
	clk      clock.Clock
	survival time.Duration
	items    map[K]mapEntry[V]
}

func NewMap[K comparable, V any](survival time.Duration, clk clock.Clock) *Map[K, V] {
	if clk == nil {
		clk = clock.New()
	}
	return &Map[K, V]{
		clk:      clk,
		survival: survival,
		items:    make(map[K]mapEntry[V]),
	}
}

func (m *Map[K, V]) Survival() time.Duration {
	return m.survival
}

func (m *Map[K, V]) Set(k K, v V) {
	now := m.clk.Now()
	m.mu.Lock()
	m.items[k] = mapEntry[V]{value: v, at: now}
	m.mu.Unlock()
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	e, ok := m.items[k]
	m.mu.Unlock()
	return e.value, ok
}

func (m *Map[K, V]) Remove(k K) {
	m.mu.Lock()
	delete(m.items, k)
	m.mu.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]K, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	return out
}

func (m *Map[K, V]) Update() {
	now := m.clk.Now()
	m.mu.Lock()
	for k, e := range m.items {
		if now.Sub(e.at) >= m.survival {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
