package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relaymesh/internal/proto"
	"relaymesh/internal/state"
)

type ratio struct{ num, den int }

var (
	locationAdmit = ratio{1, 3}
	defaultAdmit  = ratio{2, 1}
)

func (e *Engine) recvLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(e.opts.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recvPass(worker)
		}
	}
}

// recvPass handles up to recvBatch queued frames per session.
func (e *Engine) recvPass(worker int) {
	var failed []*session
	var causes []error

	e.pool.ioLock.RLock()
	for _, s := range e.pool.forWorker(worker) {
		for i := 0; i < recvBatch; i++ {
			frame, ok := s.pump.TryDequeue()
			if !ok {
				break
			}
			if err := e.handleFrame(s, frame); err != nil {
				failed, causes = append(failed, s), append(causes, err)
				break
			}
		}
	}
	e.pool.ioLock.RUnlock()

	for i, s := range failed {
		e.removeSession(s, causes[i])
	}
}

// handleFrame applies one inbound message. Oversized batches are dropped
// whole; only malformed input is an error.
func (e *Engine) handleFrame(s *session, frame []byte) error {
	msg, err := proto.Decode(frame)
	if err != nil {
		return err
	}
	n := messageItems(msg)
	e.metrics.AddPulled(msg.Type(), n)
	now := e.clk.Now()
	r := s.recv
	limits := e.opts

	switch m := msg.(type) {
	case *proto.LocationsPublishMsg:
		if !e.admitted(msg, r.locations.Len(), n, limits.MaxLocations, pulledLocationSurvival, locationAdmit) {
			return nil
		}
		r.locations.AddAll(m.Addresses)

	case *proto.BlocksLinkMsg:
		r.touchBlocks(now)
		if !e.admitted(msg, r.links.Len(), n, limits.MaxBlockLinks, pulledLinkSurvival, defaultAdmit) {
			return nil
		}
		r.links.AddAll(m.Hashes)
		r.linkFilter.AddAll(m.Hashes)

	case *proto.BlocksRequestMsg:
		r.touchBlocks(now)
		if !e.admitted(msg, r.requests.Len(), n, limits.MaxBlockRequests, pulledRequestSurvival, defaultAdmit) {
			return nil
		}
		r.requests.AddAll(m.Hashes)

	case *proto.BlockResultMsg:
		r.touchBlocks(now)
		return e.acceptBlock(s, m, now)

	case *proto.BroadcastCluesRequestMsg:
		if !e.admitted(msg, r.broadcastWants.Len(), n, limits.MaxMetadataRequests, pulledClueSurvival, defaultAdmit) {
			return nil
		}
		r.broadcastWants.AddAll(m.Signatures)

	case *proto.UnicastCluesRequestMsg:
		if !e.admitted(msg, r.unicastWants.Len(), n, limits.MaxMetadataRequests, pulledClueSurvival, defaultAdmit) {
			return nil
		}
		r.unicastWants.AddAll(m.Signatures)

	case *proto.MulticastCluesRequestMsg:
		if !e.admitted(msg, r.multicastWants.Len(), n, limits.MaxMetadataRequests, pulledClueSurvival, defaultAdmit) {
			return nil
		}
		r.multicastWants.AddAll(m.Tags)

	case *proto.BroadcastCluesResultMsg:
		if e.resultTooLong(msg, n) {
			return nil
		}
		for _, c := range m.Clues {
			e.meta.SetBroadcastClue(c)
		}

	case *proto.UnicastCluesResultMsg:
		if e.resultTooLong(msg, n) {
			return nil
		}
		for _, c := range m.Clues {
			e.meta.SetUnicastClue(c)
		}

	case *proto.MulticastCluesResultMsg:
		if e.resultTooLong(msg, n) {
			return nil
		}
		for _, c := range m.Clues {
			e.meta.SetMulticastClue(c)
		}

	default:
		return fmt.Errorf("%w: %T", proto.ErrUnknownMessage, msg)
	}
	return nil
}

func (e *Engine) admitted(msg proto.Message, count, n, ceiling int, survival time.Duration, factor ratio) bool {
	if admit(count, n, ceiling, survival, factor.num, factor.den) {
		return true
	}
	e.metrics.IncDropByReason("admission_" + msg.Type().String())
	return false
}

func (e *Engine) resultTooLong(msg proto.Message, n int) bool {
	if n <= e.opts.MaxMetadataResults {
		return false
	}
	e.metrics.IncDropByReason("oversize_" + msg.Type().String())
	return true
}

// acceptBlock stores a received block. A block this node asked for raises
// the sender's priority by the request's remaining lifetime in minutes; an
// unsolicited one is passed on.
func (e *Engine) acceptBlock(s *session, m *proto.BlockResultMsg, now time.Time) error {
	if err := e.blocks.Put(m.Hash, m.Value); err != nil {
		return fmt.Errorf("store block %s: %w", m.Hash, err)
	}
	e.blockWants.Remove(m.Hash)
	if elapsed, ok := s.send.pushedRequests.Elapsed(m.Hash); ok {
		bonus := int(pushedRequestSurvival.Minutes() - elapsed.Minutes())
		s.priority.Add(bonus)
		e.log.Debug("requested block received",
			zap.Stringer("hash", m.Hash),
			zap.Stringer("peer", s.remoteID),
			zap.Int("priority_bonus", bonus),
		)
		return nil
	}
	e.diffusion.add(m.Hash)
	e.uploads.add(m.Hash, state.ScopeOther, now)
	return nil
}
