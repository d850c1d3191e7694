package volatile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const PrioritySlot = 3 * time.Second

// Priority sums increments bucketed into PrioritySlot-wide slots; slots
// older than the survival window are discarded by Update.
type Priority struct {
	mu       sync.Mutex
	clk      clock.Clock
	survival time.Duration
	slots    map[time.Time]int
}

func NewPriority(survival time.Duration, clk clock.Clock) *Priority {
	if clk == nil {
		clk = clock.New()
	}
	return &Priority{
		clk:      clk,
		survival: survival,
		slots:    make(map[time.Time]int),
	}
}

func (p *Priority) Add(delta int) {
	slot := p.clk.Now().Truncate(PrioritySlot)
	p.mu.Lock()
	p.slots[slot] += delta
	p.mu.Unlock()
}

func (p *Priority) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := 0
	for _, v := range p.slots {
		sum += v
	}
	return sum
}

func (p *Priority) Update() {
	now := p.clk.Now()
	p.mu.Lock()
	for slot := range p.slots {
		if now.Sub(slot) >= p.survival {
			delete(p.slots, slot)
		}
	}
	p.mu.Unlock()
}
