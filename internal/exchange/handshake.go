package exchange

import (
	"context"
	"errors"
	"fmt"

	"relaymesh/internal/proto"
)

// exchangeProfiles runs the two implicit frames of a session: the protocol
// version, then the profile. Both sides write without waiting for the peer,
// so the writes run beside the reads. ctx carries the handshake deadline.
func (e *Engine) exchangeProfiles(ctx context.Context, s *session, mc MessageConn) error {
	stop := closeOnDone(ctx, mc)
	defer stop()

	profile, err := proto.EncodeProfile(&proto.ProfileMsg{ID: e.id, Location: e.MyAddresses()})
	if err != nil {
		return err
	}
	written := make(chan error, 1)
	go func() {
		if err := mc.WriteMessage(proto.EncodeVersion(proto.MaxProtocolVersion)); err != nil {
			written <- err
			return
		}
		written <- mc.WriteMessage(profile)
	}()

	err = e.readProfile(s, mc)
	if err != nil {
		// Unblocks a writer the peer stopped reading from.
		_ = mc.Close()
	}
	if werr := <-written; err == nil {
		err = werr
	}
	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return ctx.Err()
	}
	return err
}

func (e *Engine) readProfile(s *session, mc MessageConn) error {
	frame, err := mc.ReadMessage()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	peerVersion, err := proto.DecodeVersion(frame)
	if err != nil {
		return reject(RejectBrokenProfile, proto.NodeID{}, err)
	}
	if peerVersion < proto.ProtocolVersion1 {
		return reject(RejectVersion, proto.NodeID{}, fmt.Errorf("peer version %d", peerVersion))
	}
	s.version = min(proto.MaxProtocolVersion, peerVersion)
	s.setState(StateAwaitingProfile)

	frame, err = mc.ReadMessage()
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	p, err := proto.DecodeProfile(frame)
	if err != nil {
		return reject(RejectBrokenProfile, proto.NodeID{}, err)
	}
	if p.ID == e.id {
		return reject(RejectSelf, p.ID, nil)
	}
	s.remoteID = p.ID
	s.location = p.Location
	return nil
}

// closeOnDone closes mc if ctx ends before stop is called.
func closeOnDone(ctx context.Context, mc MessageConn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = mc.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
