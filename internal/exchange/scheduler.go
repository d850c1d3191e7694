package exchange

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"relaymesh/internal/proto"
	"relaymesh/internal/routing"
)

// gates are the scheduler's interval stopwatches. Only the scheduler
// goroutine touches them.
type gates struct {
	refresh          time.Time
	reduce           time.Time
	blockUpload      time.Time
	blockDownload    time.Time
	metadataUpload   time.Time
	metadataDownload time.Time
}

func (g *gates) reset(now time.Time) {
	*g = gates{now, now, now, now, now, now}
}

func passed(last *time.Time, now time.Time, interval time.Duration) bool {
	if now.Sub(*last) < interval {
		return false
	}
	*last = now
	return true
}

type removal struct {
	s     *session
	cause error
}

func (e *Engine) schedulerLoop(ctx context.Context) {
	e.gates.reset(e.clk.Now())
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.schedule(e.clk.Now())
		}
	}
}

// schedule runs every gate whose interval has elapsed. Staging gates wait
// for a quorum of established peers.
func (e *Engine) schedule(now time.Time) {
	var removals []removal

	e.pool.ioLock.RLock()
	sessions := e.pool.list()
	if passed(&e.gates.refresh, now, refreshInterval) {
		removals = append(removals, e.refresh(sessions, now)...)
	}
	if passed(&e.gates.reduce, now, reduceInterval) {
		removals = append(removals, e.reduce(sessions, now)...)
	}
	if len(sessions) >= quorum {
		if passed(&e.gates.blockUpload, now, blockUploadInterval) {
			e.blockUpload(sessions)
		}
		if passed(&e.gates.blockDownload, now, blockDownloadInterval) {
			e.blockDownload(sessions)
		}
		if passed(&e.gates.metadataUpload, now, metadataUploadInterval) {
			e.metadataUpload(sessions)
		}
		if passed(&e.gates.metadataDownload, now, metadataDownloadInterval) {
			e.metadataDownload(sessions)
		}
	}
	e.pool.ioLock.RUnlock()

	for _, r := range removals {
		e.removeSession(r.s, r.cause)
	}
}

// refresh expires every time-bounded set and picks sessions that went
// quiet on blocks.
func (e *Engine) refresh(sessions []*session, now time.Time) []removal {
	e.meta.Refresh()
	e.attempted.Update()
	e.blockWants.Update()
	e.broadcastWants.Update()
	e.unicastWants.Update()
	e.multicastWants.Update()

	var out []removal
	for _, s := range sessions {
		s.update()
		if s.recv.blockIdle(now) > idleTimeout {
			out = append(out, removal{s, errIdle})
		}
	}
	return out
}

// reduce evicts the weakest old session and prunes upload bookkeeping.
func (e *Engine) reduce(sessions []*session, now time.Time) []removal {
	var old []*session
	for _, s := range sessions {
		if now.Sub(s.createdAt) > evictMinAge {
			old = append(old, s)
		}
	}
	old = shuffled(e.rng, old)
	slices.SortStableFunc(old, func(a, b *session) int {
		return a.priority.Value() - b.priority.Value()
	})
	var out []removal
	for _, s := range take(old, evictPerPass) {
		e.metrics.IncEvicted()
		out = append(out, removal{s, errEvicted})
	}

	trimmed := e.uploads.trimOther(otherUploadCeiling)
	missing := e.blocks.Except(e.uploads.hashes())
	e.uploads.remove(missing...)
	e.diffusion.remove(e.blocks.Except(e.diffusion.values())...)
	e.log.Debug("reduce",
		zap.Int("evicted", len(out)),
		zap.Int("trimmed_other", trimmed),
		zap.Int("missing_uploads", len(missing)),
	)
	return out
}

// blockUpload stages block results: hashes waiting for diffusion go to the
// peers nearest them, and every peer gets what it asked for that we hold.
func (e *Engine) blockUpload(sessions []*session) {
	nodes := routingNodes(sessions)
	candidates := newOrderedSet[proto.Hash]()
	candidates.add(e.diffusion.values()...)
	candidates.add(e.uploads.hashes()...)

	diffuse := make(map[*session][]proto.Hash)
	for _, h := range shuffled(e.rng, candidates.items) {
		for _, n := range routing.SelectNearest(e.id, routing.Key(h), nodes, uploadRouteK) {
			if len(diffuse[n.Value]) >= diffusionPerPeer {
				continue
			}
			diffuse[n.Value] = append(diffuse[n.Value], h)
		}
	}

	total := 0
	for _, s := range sessions {
		results := newOrderedSet[proto.Hash]()
		results.add(diffuse[s]...)
		results.add(take(e.blocks.Intersect(shuffled(e.rng, s.recv.requests.Values())), uploadPerPeer)...)
		s.send.setResults(shuffled(e.rng, results.items))
		total += len(results.items)
	}
	e.log.Debug("block upload staged", zap.Int("candidates", len(candidates.items)), zap.Int("results", total))
}

// blockDownload stages link advertisements and block requests. Each hash
// goes to the nearest peer that was not already sent it; requests fall
// back to any peer that advertised the hash.
func (e *Engine) blockDownload(sessions []*session) {
	nodes := routingNodes(sessions)
	maxLinks, maxRequests := e.opts.MaxBlockLinks, e.opts.MaxBlockRequests
	n := len(sessions)

	links := newOrderedSet[proto.Hash]()
	links.add(take(shuffled(e.rng, e.blocks.Hashes()), maxLinks*n)...)
	requests := newOrderedSet[proto.Hash]()
	requests.add(take(e.blocks.Except(shuffled(e.rng, e.blockWants.Values())), maxRequests*n)...)
	for _, s := range sessions {
		prio := s.priority.Value()
		links.add(take(shuffled(e.rng, s.recv.links.Values()), max(minPriorityTake, maxLinks*prio))...)
		requests.add(take(e.blocks.Except(shuffled(e.rng, s.recv.requests.Values())), max(minPriorityTake, maxRequests*prio))...)
	}

	linkOut := make(map[*session]*orderedSet[proto.Hash])
	for _, h := range links.items {
		if s := firstUnsent(nodes, e.id, h, func(s *session) bool { return s.send.pushedLinks.Contains(h) }); s != nil {
			stage(linkOut, s, h)
		}
	}
	requestOut := make(map[*session]*orderedSet[proto.Hash])
	for _, h := range requests.items {
		sent := func(s *session) bool { return s.send.pushedRequests.Contains(h) }
		if s := firstUnsent(nodes, e.id, h, sent); s != nil {
			stage(requestOut, s, h)
		}
		for _, s := range sessions {
			if s.recv.linkFilter.Contains(h) && !sent(s) {
				stage(requestOut, s, h)
				break
			}
		}
	}

	for _, s := range sessions {
		s.send.setLinks(take(shuffled(e.rng, staged(linkOut, s)), maxLinks))
		s.send.setRequests(take(shuffled(e.rng, staged(requestOut, s)), maxRequests))
	}
	e.log.Debug("block download staged", zap.Int("links", len(links.items)), zap.Int("requests", len(requests.items)))
}

func firstUnsent(nodes []routing.Node[*session], local proto.NodeID, h proto.Hash, sent func(*session) bool) *session {
	for _, n := range routing.SelectNearest(routing.Key(local), routing.Key(h), nodes, downloadRouteK) {
		if !sent(n.Value) {
			return n.Value
		}
	}
	return nil
}

func stage[K comparable](out map[*session]*orderedSet[K], s *session, k K) {
	set, ok := out[s]
	if !ok {
		set = newOrderedSet[K]()
		out[s] = set
	}
	set.add(k)
}

func staged[K comparable](out map[*session]*orderedSet[K], s *session) []K {
	if set, ok := out[s]; ok {
		return set.items
	}
	return nil
}

// metadataUpload tells the single nearest peer about each clue identity
// held here, so its result gate will serve them.
func (e *Engine) metadataUpload(sessions []*session) {
	nodes := routingNodes(sessions)
	for _, sig := range e.meta.BroadcastSignatures() {
		for _, n := range routing.SelectNearest(e.id, sig.ID, nodes, metaUploadRouteK) {
			n.Value.recv.broadcastWants.Add(sig)
		}
	}
	for _, sig := range e.meta.UnicastSignatures() {
		for _, n := range routing.SelectNearest(e.id, sig.ID, nodes, metaUploadRouteK) {
			n.Value.recv.unicastWants.Add(sig)
		}
	}
	for _, tag := range e.meta.MulticastTags() {
		for _, n := range routing.SelectNearest(e.id, tag.ID, nodes, metaUploadRouteK) {
			n.Value.recv.multicastWants.Add(tag)
		}
	}
}

func (e *Engine) metadataDownload(sessions []*session) {
	limit := e.opts.MaxMetadataRequests
	routeWants(e, sessions, limit, e.broadcastWants.Values(),
		func(s *session) []proto.Signature { return s.recv.broadcastWants.Values() },
		func(sig proto.Signature) routing.Key { return sig.ID },
		(*sendState).setBroadcastRequests)
	routeWants(e, sessions, limit, e.unicastWants.Values(),
		func(s *session) []proto.Signature { return s.recv.unicastWants.Values() },
		func(sig proto.Signature) routing.Key { return sig.ID },
		(*sendState).setUnicastRequests)
	routeWants(e, sessions, limit, e.multicastWants.Values(),
		func(s *session) []proto.Tag { return s.recv.multicastWants.Values() },
		func(tag proto.Tag) routing.Key { return tag.ID },
		(*sendState).setMulticastRequests)
}

// routeWants stages one clue family's wants onto the peers nearest each
// key, replacing every session's request queue for that family.
func routeWants[K comparable](
	e *Engine,
	sessions []*session,
	limit int,
	local []K,
	peerWants func(*session) []K,
	key func(K) routing.Key,
	set func(*sendState, []K),
) {
	nodes := routingNodes(sessions)
	wants := newOrderedSet[K]()
	wants.add(take(shuffled(e.rng, local), limit)...)
	for _, s := range sessions {
		wants.add(take(shuffled(e.rng, peerWants(s)), limit)...)
	}
	out := make(map[*session]*orderedSet[K])
	for _, k := range wants.items {
		for _, n := range routing.SelectNearest(e.id, key(k), nodes, metaDownloadRouteK) {
			stage(out, n.Value, k)
		}
	}
	for _, s := range sessions {
		set(s.send, take(shuffled(e.rng, staged(out, s)), limit))
	}
}
