package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"relaymesh/internal/proto"
)

const numKinds = int(proto.MsgMulticastCluesResult) + 1

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Connections  ConnectionMetrics `json:"connections"`
	Traffic      TrafficMetrics    `json:"traffic"`
	Pushed       map[string]uint64 `json:"pushed"`
	Pulled       map[string]uint64 `json:"pulled"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type ConnectionMetrics struct {
	Outbound  int64  `json:"outbound"`
	Inbound   int64  `json:"inbound"`
	Connected uint64 `json:"connected_total"`
	Accepted  uint64 `json:"accepted_total"`
	Rejected  uint64 `json:"rejected_total"`
	Evicted   uint64 `json:"evicted_total"`
}

type TrafficMetrics struct {
	SentBytes     uint64 `json:"sent_bytes"`
	ReceivedBytes uint64 `json:"received_bytes"`
}

// Metrics counts exchange activity. Pushed and Pulled count items, not frames.
type Metrics struct {
	outbound      atomic.Int64
	inbound       atomic.Int64
	connected     atomic.Uint64
	accepted      atomic.Uint64
	rejected      atomic.Uint64
	evicted       atomic.Uint64
	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64
	pushed        [numKinds]atomic.Uint64
	pulled        [numKinds]atomic.Uint64

	dropMu       sync.Mutex
	dropByReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{dropByReason: make(map[string]uint64)}
}

func (m *Metrics) IncConnected() { m.connected.Add(1) }
func (m *Metrics) IncAccepted()  { m.accepted.Add(1) }
func (m *Metrics) IncRejected()  { m.rejected.Add(1) }
func (m *Metrics) IncEvicted()   { m.evicted.Add(1) }

func (m *Metrics) SetConnections(outbound, inbound int) {
	m.outbound.Store(int64(outbound))
	m.inbound.Store(int64(inbound))
}

func (m *Metrics) AddSentBytes(n int)     { m.sentBytes.Add(uint64(n)) }
func (m *Metrics) AddReceivedBytes(n int) { m.receivedBytes.Add(uint64(n)) }

func (m *Metrics) AddPushed(kind proto.MsgType, n int) {
	if int(kind) < numKinds && n > 0 {
		m.pushed[kind].Add(uint64(n))
	}
}

func (m *Metrics) AddPulled(kind proto.MsgType, n int) {
	if int(kind) < numKinds && n > 0 {
		m.pulled[kind].Add(uint64(n))
	}
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: ConnectionMetrics{
			Outbound:  m.outbound.Load(),
			Inbound:   m.inbound.Load(),
			Connected: m.connected.Load(),
			Accepted:  m.accepted.Load(),
			Rejected:  m.rejected.Load(),
			Evicted:   m.evicted.Load(),
		},
		Traffic: TrafficMetrics{
			SentBytes:     m.sentBytes.Load(),
			ReceivedBytes: m.receivedBytes.Load(),
		},
		Pushed:       make(map[string]uint64, numKinds),
		Pulled:       make(map[string]uint64, numKinds),
		DropByReason: make(map[string]uint64),
	}
	for i := 0; i < numKinds; i++ {
		name := proto.MsgType(i).String()
		snap.Pushed[name] = m.pushed[i].Load()
		snap.Pulled[name] = m.pulled[i].Load()
	}
	m.dropMu.Lock()
	for k, v := range m.dropByReason {
		snap.DropByReason[k] = v
	}
	m.dropMu.Unlock()
	return snap
}
