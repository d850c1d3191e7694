package exchange

import (
	"sort"
	"sync"
	"time"

	"relaymesh/internal/proto"
	"relaymesh/internal/state"
)

// uploadBook tracks hashes offered for upload. Mine stays until storage
// loses the block; other is trimmed oldest first above a ceiling.
type uploadBook struct {
	mu      sync.Mutex
	records map[proto.Hash]state.UploadRecord
}

func newUploadBook() *uploadBook {
	return &uploadBook{records: make(map[proto.Hash]state.UploadRecord)}
}

func (b *uploadBook) add(h proto.Hash, scope state.UploadScope, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.records[h]; ok && (old.Scope == state.ScopeMine || scope == state.ScopeOther) {
		return
	}
	b.records[h] = state.UploadRecord{Hash: h, Scope: scope, CreatedAt: now.UnixNano()}
}

func (b *uploadBook) restore(recs []state.UploadRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range recs {
		if r.Scope != state.ScopeMine && r.Scope != state.ScopeOther {
			continue
		}
		b.records[r.Hash] = r
	}
}

func (b *uploadBook) remove(hs ...proto.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range hs {
		delete(b.records, h)
	}
}

func (b *uploadBook) contains(h proto.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[h]
	return ok
}

func (b *uploadBook) hashes() []proto.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]proto.Hash, 0, len(b.records))
	for h := range b.records {
		out = append(out, h)
	}
	return out
}

func (b *uploadBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// list returns records oldest first.
func (b *uploadBook) list() []state.UploadRecord {
	b.mu.Lock()
	out := make([]state.UploadRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return string(out[i].Hash[:]) < string(out[j].Hash[:])
	})
	return out
}

// trimOther drops the oldest "other" records until at most ceiling remain.
func (b *uploadBook) trimOther(ceiling int) int {
	var others []state.UploadRecord
	for _, r := range b.list() {
		if r.Scope == state.ScopeOther {
			others = append(others, r)
		}
	}
	excess := len(others) - ceiling
	if excess <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range others[:excess] {
		delete(b.records, r.Hash)
	}
	return excess
}

type hashSet struct {
	mu sync.Mutex
	m  map[proto.Hash]struct{}
}

func newHashSet() *hashSet {
	return &hashSet{m: make(map[proto.Hash]struct{})}
}

func (s *hashSet) add(hs ...proto.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hs {
		s.m[h] = struct{}{}
	}
}

func (s *hashSet) remove(hs ...proto.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hs {
		delete(s.m, h)
	}
}

func (s *hashSet) contains(h proto.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[h]
	return ok
}

func (s *hashSet) values() []proto.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Hash, 0, len(s.m))
	for h := range s.m {
		out = append(out, h)
	}
	return out
}

func (s *hashSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
