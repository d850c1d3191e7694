// Package peer holds the known-peer address book used for redial.
package peer

import (
	"container/list"
	"sync"

	"relaymesh/internal/proto"
)

const (
	DefaultBookCap = 4096
	// PruneCeiling is the size above which a failed dial drops the address.
	PruneCeiling = 1024
)

// AddrBook is a bounded most-recently-added set of peer addresses.
type AddrBook struct {
	mu    sync.Mutex
	cap   int
	hot   map[proto.Address]*list.Element
	order *list.List
}

func NewAddrBook(capacity int) *AddrBook {
	if capacity <= 0 {
		capacity = DefaultBookCap
	}
	return &AddrBook{
		cap:   capacity,
		hot:   make(map[proto.Address]*list.Element),
		order: list.New(),
	}
}

func (b *AddrBook) Add(addr proto.Address) {
	if addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.hot[addr]; ok {
		b.order.MoveToFront(el)
		return
	}
	if len(b.hot) >= b.cap {
		b.evictLocked(len(b.hot) - b.cap + 1)
	}
	b.hot[addr] = b.order.PushFront(addr)
}

func (b *AddrBook) AddAll(addrs []proto.Address) {
	for _, a := range addrs {
		b.Add(a)
	}
}

func (b *AddrBook) Remove(addr proto.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.hot[addr]; ok {
		b.order.Remove(el)
		delete(b.hot, addr)
	}
}

func (b *AddrBook) Has(addr proto.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.hot[addr]
	return ok
}

func (b *AddrBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hot)
}

// List returns addresses newest first.
func (b *AddrBook) List() []proto.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]proto.Address, 0, len(b.hot))
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(proto.Address))
	}
	return out
}

// Replace drops every entry and loads addrs, first entry newest.
func (b *AddrBook) Replace(addrs []proto.Address) {
	b.mu.Lock()
	b.hot = make(map[proto.Address]*list.Element)
	b.order.Init()
	b.mu.Unlock()
	for i := len(addrs) - 1; i >= 0; i-- {
		b.Add(addrs[i])
	}
}

// Shuffler is satisfied by *rand.Rand.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// Random picks one address that skip does not reject, or "" when none qualify.
func (b *AddrBook) Random(rng Shuffler, skip func(proto.Address) bool) proto.Address {
	addrs := b.List()
	rng.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	for _, a := range addrs {
		if skip == nil || !skip(a) {
			return a
		}
	}
	return ""
}

func (b *AddrBook) evictLocked(n int) {
	for n > 0 {
		el := b.order.Back()
		if el == nil {
			return
		}
		delete(b.hot, el.Value.(proto.Address))
		b.order.Remove(el)
		n--
	}
}
