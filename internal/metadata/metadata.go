// Package metadata is the in-memory clue store consulted by the exchange.
package metadata

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"relaymesh/internal/proto"
)

const (
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultFutureSkew = 30 * time.Minute
	// DefaultSenderLimit caps unicast/multicast senders kept per (key, type).
	DefaultSenderLimit = 32
)

type Options struct {
	MaxAge      time.Duration
	FutureSkew  time.Duration
	SenderLimit int
	Clock       clock.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.FutureSkew <= 0 {
		o.FutureSkew = DefaultFutureSkew
	}
	if o.SenderLimit <= 0 {
		o.SenderLimit = DefaultSenderLimit
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Store keeps one broadcast clue per (signature, type) and one clue per
// sender for unicast (signature, type) and multicast (tag, type).
type Store struct {
	mu   sync.RWMutex
	opts Options

	broadcast map[proto.Signature]map[string]proto.BroadcastClue
	unicast   map[proto.Signature]map[string]map[proto.Signature]proto.UnicastClue
	multicast map[proto.Tag]map[string]map[proto.Signature]proto.MulticastClue
}

func New(opts Options) *Store {
	return &Store{
		opts:      opts.withDefaults(),
		broadcast: make(map[proto.Signature]map[string]proto.BroadcastClue),
		unicast:   make(map[proto.Signature]map[string]map[proto.Signature]proto.UnicastClue),
		multicast: make(map[proto.Tag]map[string]map[proto.Signature]proto.MulticastClue),
	}
}

func (s *Store) fresh(created time.Time) bool {
	now := s.opts.Clock.Now()
	if created.After(now.Add(s.opts.FutureSkew)) {
		return false
	}
	return now.Sub(created) <= s.opts.MaxAge
}

// SetBroadcastClue stores c unless a clue at least as new is already held.
func (s *Store) SetBroadcastClue(c proto.BroadcastClue) bool {
	sig := c.Signature()
	if c.Type == "" || sig.Name == "" || !s.fresh(c.CreationTime) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.broadcast[sig]
	if byType == nil {
		byType = make(map[string]proto.BroadcastClue)
		s.broadcast[sig] = byType
	}
	if old, ok := byType[c.Type]; ok && !c.CreationTime.After(old.CreationTime) {
		return false
	}
	byType[c.Type] = c
	return true
}

func (s *Store) SetUnicastClue(c proto.UnicastClue) bool {
	sender := c.Certificate.Signature
	if c.Type == "" || c.Signature.Name == "" || sender.Name == "" || !s.fresh(c.CreationTime) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.unicast[c.Signature]
	if byType == nil {
		byType = make(map[string]map[proto.Signature]proto.UnicastClue)
		s.unicast[c.Signature] = byType
	}
	bySender := byType[c.Type]
	if bySender == nil {
		bySender = make(map[proto.Signature]proto.UnicastClue)
		byType[c.Type] = bySender
	}
	if old, ok := bySender[sender]; ok && !c.CreationTime.After(old.CreationTime) {
		return false
	}
	bySender[sender] = c
	return true
}

func (s *Store) SetMulticastClue(c proto.MulticastClue) bool {
	sender := c.Certificate.Signature
	if c.Type == "" || c.Tag.Name == "" || sender.Name == "" || !s.fresh(c.CreationTime) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.multicast[c.Tag]
	if byType == nil {
		byType = make(map[string]map[proto.Signature]proto.MulticastClue)
		s.multicast[c.Tag] = byType
	}
	bySender := byType[c.Type]
	if bySender == nil {
		bySender = make(map[proto.Signature]proto.MulticastClue)
		byType[c.Type] = bySender
	}
	if old, ok := bySender[sender]; ok && !c.CreationTime.After(old.CreationTime) {
		return false
	}
	bySender[sender] = c
	return true
}

func (s *Store) BroadcastClue(sig proto.Signature, typ string) (proto.BroadcastClue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.broadcast[sig][typ]
	return c, ok
}

func (s *Store) UnicastClues(sig proto.Signature, typ string) []proto.UnicastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortUnicast(values(s.unicast[sig][typ]))
}

func (s *Store) MulticastClues(tag proto.Tag, typ string) []proto.MulticastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortMulticast(values(s.multicast[tag][typ]))
}

// BroadcastCluesFor returns every type held under sig.
func (s *Store) BroadcastCluesFor(sig proto.Signature) []proto.BroadcastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortBroadcast(values(s.broadcast[sig]))
}

func (s *Store) UnicastCluesFor(sig proto.Signature) []proto.UnicastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.UnicastClue
	for _, bySender := range s.unicast[sig] {
		out = append(out, values(bySender)...)
	}
	return sortUnicast(out)
}

func (s *Store) MulticastCluesFor(tag proto.Tag) []proto.MulticastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.MulticastClue
	for _, bySender := range s.multicast[tag] {
		out = append(out, values(bySender)...)
	}
	return sortMulticast(out)
}

func (s *Store) BroadcastSignatures() []proto.Signature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.broadcast)
}

func (s *Store) UnicastSignatures() []proto.Signature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.unicast)
}

func (s *Store) MulticastTags() []proto.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.multicast)
}

func (s *Store) AllBroadcastClues() []proto.BroadcastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.BroadcastClue
	for _, byType := range s.broadcast {
		out = append(out, values(byType)...)
	}
	return sortBroadcast(out)
}

func (s *Store) AllUnicastClues() []proto.UnicastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.UnicastClue
	for _, byType := range s.unicast {
		for _, bySender := range byType {
			out = append(out, values(bySender)...)
		}
	}
	return sortUnicast(out)
}

func (s *Store) AllMulticastClues() []proto.MulticastClue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proto.MulticastClue
	for _, byType := range s.multicast {
		for _, bySender := range byType {
			out = append(out, values(bySender)...)
		}
	}
	return sortMulticast(out)
}

// Len counts stored clues across all families.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byType := range s.broadcast {
		n += len(byType)
	}
	for _, byType := range s.unicast {
		for _, bySender := range byType {
			n += len(bySender)
		}
	}
	for _, byType := range s.multicast {
		for _, bySender := range byType {
			n += len(bySender)
		}
	}
	return n
}

// Refresh drops clues outside the age window and trims each sender list
// to the newest SenderLimit entries.
func (s *Store) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, byType := range s.broadcast {
		for typ, c := range byType {
			if !s.fresh(c.CreationTime) {
				delete(byType, typ)
			}
		}
		if len(byType) == 0 {
			delete(s.broadcast, sig)
		}
	}
	for sig, byType := range s.unicast {
		for typ, bySender := range byType {
			refreshSenders(bySender, s.fresh, s.opts.SenderLimit, func(c proto.UnicastClue) time.Time { return c.CreationTime })
			if len(bySender) == 0 {
				delete(byType, typ)
			}
		}
		if len(byType) == 0 {
			delete(s.unicast, sig)
		}
	}
	for tag, byType := range s.multicast {
		for typ, bySender := range byType {
			refreshSenders(bySender, s.fresh, s.opts.SenderLimit, func(c proto.MulticastClue) time.Time { return c.CreationTime })
			if len(bySender) == 0 {
				delete(byType, typ)
			}
		}
		if len(byType) == 0 {
			delete(s.multicast, tag)
		}
	}
}

func refreshSenders[C any](m map[proto.Signature]C, fresh func(time.Time) bool, limit int, created func(C) time.Time) {
	type entry struct {
		sender proto.Signature
		at     time.Time
	}
	live := make([]entry, 0, len(m))
	for sender, c := range m {
		at := created(c)
		if !fresh(at) {
			delete(m, sender)
			continue
		}
		live = append(live, entry{sender: sender, at: at})
	}
	if len(live) <= limit {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].at.After(live[j].at) })
	for _, e := range live[limit:] {
		delete(m, e.sender)
	}
}

func keys[K comparable, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func values[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Lookups return newest first so callers see a stable order.
func sortBroadcast(cs []proto.BroadcastClue) []proto.BroadcastClue {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].CreationTime.After(cs[j].CreationTime) })
	return cs
}

func sortUnicast(cs []proto.UnicastClue) []proto.UnicastClue {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].CreationTime.After(cs[j].CreationTime) })
	return cs
}

func sortMulticast(cs []proto.MulticastClue) []proto.MulticastClue {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].CreationTime.After(cs[j].CreationTime) })
	return cs
}
