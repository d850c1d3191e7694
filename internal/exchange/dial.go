package exchange

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"relaymesh/internal/proto"
)

func (e *Engine) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dialOnce(ctx)
		}
	}
}

// dialOnce makes at most one outbound attempt.
func (e *Engine) dialOnce(ctx context.Context) {
	if !e.pool.reserve(Outbound) {
		return
	}
	addr := e.pickDialCandidate()
	if addr == "" {
		e.pool.release(Outbound)
		return
	}
	e.attempted.Set(addr, nil)
	rw, err := e.caps.Connect(ctx, addr)
	if err != nil || rw == nil {
		e.pool.release(Outbound)
		if err != nil {
			e.attempted.Set(addr, err)
			e.dialLog.Debug(string(addr), "dial failed", zap.String("addr", string(addr)), zap.Error(err))
		}
		if e.book.Len() > e.opts.AddrPruneCeiling {
			e.book.Remove(addr)
		}
		return
	}
	_ = e.establish(ctx, Outbound, addr, rw)
}

// pickDialCandidate flips between the address book and the locations a
// connected peer gossiped. It returns "" when nothing is dialable.
func (e *Engine) pickDialCandidate() proto.Address {
	skip := func(a proto.Address) bool {
		if a == "" {
			return true
		}
		_, tried := e.attempted.Get(a)
		return tried || e.isMyAddress(a) || e.pool.connectedTo(a)
	}
	if e.rng.Intn(2) == 0 {
		if addr := e.book.Random(e.rng, skip); addr != "" {
			return addr
		}
	}
	sessions := e.pool.list()
	if len(sessions) > 0 {
		s := sessions[e.rng.Intn(len(sessions))]
		for _, a := range shuffled(e.rng, s.recv.locations.Values()) {
			if !skip(a) {
				return a
			}
		}
	}
	return e.book.Random(e.rng, skip)
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if !e.pool.reserve(Inbound) {
			if !sleepCtx(ctx, e.opts.DialInterval) {
				return
			}
			continue
		}
		rw, addr, err := e.caps.Accept(ctx)
		if err != nil || rw == nil {
			e.pool.release(Inbound)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				e.dialLog.Debug("accept", "accept failed", zap.Error(err))
				if !sleepCtx(ctx, e.opts.DialInterval) {
					return
				}
			}
			continue
		}
		_ = e.establish(ctx, Inbound, addr, rw)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// establish upgrades rw, runs the handshake and registers the session. The
// caller's reservation for dir is always consumed.
func (e *Engine) establish(ctx context.Context, dir Direction, addr proto.Address, rw io.ReadWriteCloser) error {
	s := newSession(dir, addr, e.clk)
	log := e.log.With(zap.Stringer("session", s.id), zap.Stringer("dir", dir), zap.String("addr", string(addr)))

	// One deadline covers the secure upgrade and the profile exchange.
	hctx, cancel := context.WithTimeout(ctx, e.opts.HandshakeTimeout)
	defer cancel()
	mc, err := e.upgrader.Upgrade(hctx, rw, dir == Outbound)
	if err != nil {
		_ = rw.Close()
		e.pool.release(dir)
		e.metrics.IncDropByReason("upgrade")
		log.Debug("secure upgrade failed", zap.Error(err))
		return err
	}
	if err := e.exchangeProfiles(hctx, s, mc); err != nil {
		_ = mc.Close()
		e.pool.release(dir)
		e.noteReject(err)
		log.Debug("handshake failed", zap.Error(err))
		return err
	}
	s.pump = newPump(mc, e.metrics.AddSentBytes, e.metrics.AddReceivedBytes)
	if err := e.pool.register(s); err != nil {
		_ = mc.Close()
		e.noteReject(err)
		log.Debug("session refused", zap.Stringer("peer", s.remoteID), zap.Error(err))
		return err
	}
	s.pump.start()

	if dir == Outbound {
		e.metrics.IncConnected()
	} else {
		e.metrics.IncAccepted()
	}
	out, in := e.pool.counts()
	e.metrics.SetConnections(out, in)
	log.Debug("session established",
		zap.Stringer("peer", s.remoteID),
		zap.Uint64("version", s.version),
		zap.Int("worker", s.worker),
	)
	return nil
}

func (e *Engine) noteReject(err error) {
	var re *RejectError
	switch {
	case errors.As(err, &re):
		e.metrics.IncRejected()
		e.metrics.IncDropByReason(re.Reason.String())
	case errors.Is(err, ErrPoolFull):
		e.metrics.IncRejected()
		e.metrics.IncDropByReason("pool_full")
	case errors.Is(err, ErrHandshakeTimeout):
		e.metrics.IncDropByReason("handshake_timeout")
	}
}

// removeSession detaches s, closes its transport and remembers where the
// peer can be reached again.
func (e *Engine) removeSession(s *session, cause error) {
	if !e.pool.remove(s) {
		return
	}
	s.setState(StateClosed)
	closeErr := s.pump.Close()

	for _, a := range s.location {
		if !e.isMyAddress(a) {
			e.book.Add(a)
		}
	}
	if s.dir == Outbound && !e.isMyAddress(s.addr) {
		e.book.Add(s.addr)
	}
	out, in := e.pool.counts()
	e.metrics.SetConnections(out, in)
	e.log.Debug("session removed",
		zap.Stringer("session", s.id),
		zap.Stringer("peer", s.remoteID),
		zap.NamedError("cause", cause),
		zap.NamedError("close", closeErr),
	)
}
