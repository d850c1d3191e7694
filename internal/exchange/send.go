package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relaymesh/internal/proto"
)

func (e *Engine) sendLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(e.opts.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendPass(worker)
		}
	}
}

// sendPass gives every session owned by worker at most one frame.
func (e *Engine) sendPass(worker int) {
	var failed []*session
	var causes []error

	e.pool.ioLock.RLock()
	for _, s := range e.pool.forWorker(worker) {
		if err := s.pump.Err(); err != nil {
			failed, causes = append(failed, s), append(causes, err)
			continue
		}
		if !s.pump.CanSend() {
			continue
		}
		msg := e.nextFrame(s)
		if msg == nil {
			continue
		}
		frame, err := proto.Encode(msg)
		if err != nil {
			e.log.Warn("encode frame", zap.Stringer("type", msg.Type()), zap.Error(err))
			continue
		}
		if s.pump.TryEnqueue(frame) {
			e.metrics.AddPushed(msg.Type(), messageItems(msg))
		}
	}
	e.pool.ioLock.RUnlock()

	for i, s := range failed {
		e.removeSession(s, causes[i])
	}
}

// nextFrame picks the next message for s in fixed priority order, or nil.
func (e *Engine) nextFrame(s *session) proto.Message {
	now := e.clk.Now()
	st := s.send

	if st.due(&st.lastLocation, now, locationInterval) {
		set := newOrderedSet[proto.Address]()
		set.add(e.MyAddresses()...)
		set.add(e.book.List()...)
		if addrs := take(shuffled(e.rng, set.items), e.opts.MaxLocations); len(addrs) > 0 {
			return &proto.LocationsPublishMsg{Addresses: addrs}
		}
	}
	if hs := st.takeLinks(); len(hs) > 0 {
		return &proto.BlocksLinkMsg{Hashes: hs}
	}
	if hs := st.takeRequests(); len(hs) > 0 {
		return &proto.BlocksRequestMsg{Hashes: hs}
	}
	if h, ok := st.nextResult(now); ok {
		s.recv.requests.Remove(h)
		value, err := e.blocks.Get(h)
		if err == nil {
			e.diffusion.remove(h)
			e.uploads.remove(h)
			return &proto.BlockResultMsg{Hash: h, Value: value}
		}
		e.log.Debug("staged block unavailable", zap.Stringer("hash", h), zap.Error(err))
	}
	if sigs := st.takeBroadcastRequests(); len(sigs) > 0 {
		return &proto.BroadcastCluesRequestMsg{Signatures: sigs}
	}
	if sigs := st.takeUnicastRequests(); len(sigs) > 0 {
		return &proto.UnicastCluesRequestMsg{Signatures: sigs}
	}
	if tags := st.takeMulticastRequests(); len(tags) > 0 {
		return &proto.MulticastCluesRequestMsg{Tags: tags}
	}

	limit := e.opts.MaxMetadataResults
	if st.due(&st.lastBroadcastResult, now, clueResultInterval) {
		clues := gatherClues(shuffled(e.rng, s.recv.broadcastWants.Values()), limit, e.meta.BroadcastCluesFor)
		if len(clues) > 0 {
			return &proto.BroadcastCluesResultMsg{Clues: clues}
		}
	}
	if st.due(&st.lastUnicastResult, now, clueResultInterval) {
		clues := gatherClues(shuffled(e.rng, s.recv.unicastWants.Values()), limit, e.meta.UnicastCluesFor)
		if len(clues) > 0 {
			return &proto.UnicastCluesResultMsg{Clues: clues}
		}
	}
	if st.due(&st.lastMulticastResult, now, clueResultInterval) {
		clues := gatherClues(shuffled(e.rng, s.recv.multicastWants.Values()), limit, e.meta.MulticastCluesFor)
		if len(clues) > 0 {
			return &proto.MulticastCluesResultMsg{Clues: clues}
		}
	}
	return nil
}

func gatherClues[K any, C any](keys []K, limit int, lookup func(K) []C) []C {
	var out []C
	for _, k := range keys {
		if len(out) >= limit {
			break
		}
		out = append(out, lookup(k)...)
	}
	return take(out, limit)
}

func messageItems(m proto.Message) int {
	switch m := m.(type) {
	case *proto.LocationsPublishMsg:
		return len(m.Addresses)
	case *proto.BlocksLinkMsg:
		return len(m.Hashes)
	case *proto.BlocksRequestMsg:
		return len(m.Hashes)
	case *proto.BroadcastCluesRequestMsg:
		return len(m.Signatures)
	case *proto.BroadcastCluesResultMsg:
		return len(m.Clues)
	case *proto.UnicastCluesRequestMsg:
		return len(m.Signatures)
	case *proto.UnicastCluesResultMsg:
		return len(m.Clues)
	case *proto.MulticastCluesRequestMsg:
		return len(m.Tags)
	case *proto.MulticastCluesResultMsg:
		return len(m.Clues)
	default:
		return 1
	}
}
