package exchange

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaymesh/internal/proto"
	"relaymesh/internal/volatile"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

type SessionState int32

const (
	StateAwaitingVersion SessionState = iota
	StateAwaitingProfile
	StateEstablished
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingVersion:
		return "awaiting_version"
	case StateAwaitingProfile:
		return "awaiting_profile"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type session struct {
	id        uuid.UUID
	dir       Direction
	addr      proto.Address
	createdAt time.Time
	clk       clock.Clock
	worker    int

	// Written during the handshake only.
	version  uint64
	remoteID proto.NodeID
	location []proto.Address

	state    atomic.Int32
	priority *volatile.Priority
	pump     *pump
	send     *sendState
	recv     *recvState
}

func newSession(dir Direction, addr proto.Address, clk clock.Clock) *session {
	now := clk.Now()
	s := &session{
		id:        uuid.New(),
		dir:       dir,
		addr:      addr,
		createdAt: now,
		clk:       clk,
		priority:  volatile.NewPriority(prioritySurvival, clk),
		send:      newSendState(now, clk),
		recv:      newRecvState(now, clk),
	}
	s.setState(StateAwaitingVersion)
	return s
}

func (s *session) State() SessionState      { return SessionState(s.state.Load()) }
func (s *session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *session) update() {
	s.priority.Update()
	s.send.pushedLinks.Update()
	s.send.pushedRequests.Update()
	s.recv.update()
}

// sendState holds what the scheduler stages for the peer and what was
// already pushed. Queues are replaced wholesale by the scheduler.
type sendState struct {
	mu                sync.Mutex
	links             []proto.Hash
	requests          []proto.Hash
	results           []proto.Hash
	broadcastRequests []proto.Signature
	unicastRequests   []proto.Signature
	multicastRequests []proto.Tag

	lastLocation        time.Time
	lastBroadcastResult time.Time
	lastUnicastResult   time.Time
	lastMulticastResult time.Time
	resultLimiter       *rate.Limiter

	pushedLinks    *volatile.Set[proto.Hash]
	pushedRequests *volatile.Set[proto.Hash]
}

func newSendState(now time.Time, clk clock.Clock) *sendState {
	return &sendState{
		lastBroadcastResult: now,
		lastUnicastResult:   now,
		lastMulticastResult: now,
		resultLimiter:       rate.NewLimiter(rate.Every(blockResultInterval), 1),
		pushedLinks:         volatile.NewSet[proto.Hash](pushedLinkSurvival, clk),
		pushedRequests:      volatile.NewSet[proto.Hash](pushedRequestSurvival, clk),
	}
}

func (s *sendState) setLinks(hs []proto.Hash) {
	s.mu.Lock()
	s.links = hs
	s.mu.Unlock()
}

func (s *sendState) setRequests(hs []proto.Hash) {
	s.mu.Lock()
	s.requests = hs
	s.mu.Unlock()
}

func (s *sendState) setResults(hs []proto.Hash) {
	s.mu.Lock()
	s.results = hs
	s.mu.Unlock()
}

func (s *sendState) setBroadcastRequests(sigs []proto.Signature) {
	s.mu.Lock()
	s.broadcastRequests = sigs
	s.mu.Unlock()
}

func (s *sendState) setUnicastRequests(sigs []proto.Signature) {
	s.mu.Lock()
	s.unicastRequests = sigs
	s.mu.Unlock()
}

func (s *sendState) setMulticastRequests(tags []proto.Tag) {
	s.mu.Lock()
	s.multicastRequests = tags
	s.mu.Unlock()
}

// takeLinks drains the link queue and records every hash as pushed.
func (s *sendState) takeLinks() []proto.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.links
	s.links = nil
	s.pushedLinks.AddAll(hs)
	return hs
}

func (s *sendState) takeRequests() []proto.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.requests
	s.requests = nil
	s.pushedRequests.AddAll(hs)
	return hs
}

// nextResult pops one staged block result if the rate gate allows it.
func (s *sendState) nextResult(now time.Time) (proto.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 || !s.resultLimiter.AllowN(now, 1) {
		return proto.Hash{}, false
	}
	h := s.results[0]
	s.results = s.results[1:]
	return h, true
}

func (s *sendState) takeBroadcastRequests() []proto.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.broadcastRequests
	s.broadcastRequests = nil
	return v
}

func (s *sendState) takeUnicastRequests() []proto.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.unicastRequests
	s.unicastRequests = nil
	return v
}

func (s *sendState) takeMulticastRequests() []proto.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.multicastRequests
	s.multicastRequests = nil
	return v
}

// due reports whether interval has passed since *last and restarts it.
func (s *sendState) due(last *time.Time, now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !last.IsZero() && now.Sub(*last) < interval {
		return false
	}
	*last = now
	return true
}

func (s *sendState) queued() (links, requests, results int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links), len(s.requests), len(s.results)
}

// recvState is what the peer told us, each set bounded by its survival window.
type recvState struct {
	locations      *volatile.Set[proto.Address]
	links          *volatile.Set[proto.Hash]
	linkFilter     *volatile.Set[proto.Hash]
	requests       *volatile.Set[proto.Hash]
	broadcastWants *volatile.Set[proto.Signature]
	unicastWants   *volatile.Set[proto.Signature]
	multicastWants *volatile.Set[proto.Tag]

	lastBlockActivity atomic.Int64
}

func newRecvState(now time.Time, clk clock.Clock) *recvState {
	r := &recvState{
		locations:      volatile.NewSet[proto.Address](pulledLocationSurvival, clk),
		links:          volatile.NewSet[proto.Hash](pulledLinkSurvival, clk),
		linkFilter:     volatile.NewSet[proto.Hash](linkFilterSurvival, clk),
		requests:       volatile.NewSet[proto.Hash](pulledRequestSurvival, clk),
		broadcastWants: volatile.NewSet[proto.Signature](pulledClueSurvival, clk),
		unicastWants:   volatile.NewSet[proto.Signature](pulledClueSurvival, clk),
		multicastWants: volatile.NewSet[proto.Tag](pulledClueSurvival, clk),
	}
	r.touchBlocks(now)
	return r
}

func (r *recvState) touchBlocks(now time.Time) {
	r.lastBlockActivity.Store(now.UnixNano())
}

func (r *recvState) blockIdle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, r.lastBlockActivity.Load()))
}

func (r *recvState) update() {
	r.locations.Update()
	r.links.Update()
	r.linkFilter.Update()
	r.requests.Update()
	r.broadcastWants.Update()
	r.unicastWants.Update()
	r.multicastWants.Update()
}

// admit applies the time-proportional ceiling: count+n may not exceed
// ceiling * survival minutes * num/den.
func admit(count, n, ceiling int, survival time.Duration, num, den int) bool {
	minutes := int(survival / time.Minute)
	return (count+n)*den <= ceiling*minutes*num
}
