package exchange

import (
	"sync"

	"relaymesh/internal/proto"
	"relaymesh/internal/routing"
)

// pool is the bounded set of established sessions. Dialers and acceptors
// reserve a per-direction slot before connecting, so concurrent attempts
// can never overshoot the caps. ioLock is held shared by anything touching
// session I/O and exclusively by removal.
type pool struct {
	mu          sync.Mutex
	max         int
	bucketCap   int
	local       proto.NodeID
	rng         *lockedRand
	sessions    []*session
	byNode      map[proto.NodeID]*session
	pending     [2]int
	established [2]int
	workerLoad  []int

	ioLock sync.RWMutex
}

func newPool(max, bucketCap, workers int, local proto.NodeID, rng *lockedRand) *pool {
	return &pool{
		max:        max,
		bucketCap:  bucketCap,
		local:      local,
		rng:        rng,
		byNode:     make(map[proto.NodeID]*session),
		workerLoad: make([]int, workers),
	}
}

func (p *pool) perDirection() int { return p.max / 2 }

// reserve claims a slot for a connection attempt in dir.
func (p *pool) reserve(dir Direction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[dir]+p.established[dir] >= p.perDirection() {
		return false
	}
	p.pending[dir]++
	return true
}

func (p *pool) release(dir Direction) {
	p.mu.Lock()
	if p.pending[dir] > 0 {
		p.pending[dir]--
	}
	p.mu.Unlock()
}

// register consumes the reservation for s.dir and admits s, or rejects it.
func (p *pool) register(s *session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[s.dir] > 0 {
		p.pending[s.dir]--
	}
	if len(p.sessions) >= p.max || p.established[s.dir] >= p.perDirection() {
		return ErrPoolFull
	}
	if s.remoteID == p.local {
		return reject(RejectSelf, s.remoteID, nil)
	}
	if _, ok := p.byNode[s.remoteID]; ok {
		return reject(RejectDuplicate, s.remoteID, nil)
	}
	bucket := routing.Bucket(p.local, s.remoteID)
	same := 0
	for _, other := range p.sessions {
		if routing.Bucket(p.local, other.remoteID) == bucket {
			same++
		}
	}
	if same >= p.bucketCap {
		return reject(RejectBucketOverflow, s.remoteID, nil)
	}

	s.worker = p.leastLoadedLocked()
	p.workerLoad[s.worker]++
	p.sessions = append(p.sessions, s)
	p.byNode[s.remoteID] = s
	p.established[s.dir]++
	s.setState(StateEstablished)
	return nil
}

func (p *pool) leastLoadedLocked() int {
	lowest := -1
	var ties []int
	for w, n := range p.workerLoad {
		switch {
		case lowest < 0 || n < lowest:
			lowest = n
			ties = append(ties[:0], w)
		case n == lowest:
			ties = append(ties, w)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[p.rng.Intn(len(ties))]
}

// remove detaches s once no worker holds it for I/O. It reports whether s
// was still registered.
func (p *pool) remove(s *session) bool {
	p.ioLock.Lock()
	defer p.ioLock.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for i, other := range p.sessions {
		if other == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	p.sessions = append(p.sessions[:idx], p.sessions[idx+1:]...)
	delete(p.byNode, s.remoteID)
	p.established[s.dir]--
	p.workerLoad[s.worker]--
	return true
}

func (p *pool) list() []*session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

func (p *pool) forWorker(w int) []*session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*session
	for _, s := range p.sessions {
		if s.worker == w {
			out = append(out, s)
		}
	}
	return out
}

func (p *pool) counts() (outbound, inbound int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.established[Outbound], p.established[Inbound]
}

func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// connectedTo reports whether addr is the transport or advertised address
// of an established session.
func (p *pool) connectedTo(addr proto.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.addr == addr {
			return true
		}
		for _, a := range s.location {
			if a == addr {
				return true
			}
		}
	}
	return false
}

func routingNodes(sessions []*session) []routing.Node[*session] {
	nodes := make([]routing.Node[*session], len(sessions))
	for i, s := range sessions {
		nodes[i] = routing.Node[*session]{ID: routing.Key(s.remoteID), Value: s}
	}
	return nodes
}
