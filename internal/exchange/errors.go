package exchange

import (
	"errors"
	"fmt"

	"relaymesh/internal/proto"
)

var (
	ErrPoolFull         = errors.New("connection pool full")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrEngineStopped    = errors.New("engine stopped")
	ErrEngineRunning    = errors.New("engine already running")

	errIdle    = errors.New("no block activity")
	errEvicted = errors.New("evicted for low priority")
)

type RejectReason int

const (
	RejectSelf RejectReason = iota + 1
	RejectDuplicate
	RejectBucketOverflow
	RejectBrokenProfile
	RejectVersion
)

func (r RejectReason) String() string {
	switch r {
	case RejectSelf:
		return "self"
	case RejectDuplicate:
		return "duplicate"
	case RejectBucketOverflow:
		return "bucket_overflow"
	case RejectBrokenProfile:
		return "broken_profile"
	case RejectVersion:
		return "version"
	default:
		return fmt.Sprintf("reject(%d)", int(r))
	}
}

// RejectError is returned when a handshake completes but the peer may not
// join the pool.
type RejectError struct {
	Reason RejectReason
	Peer   proto.NodeID
	Err    error
}

func (e *RejectError) Error() string {
	msg := "session rejected: " + e.Reason.String()
	if !e.Peer.IsZero() {
		msg += " peer=" + shortID(e.Peer)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason RejectReason, peer proto.NodeID, err error) error {
	return &RejectError{Reason: reason, Peer: peer, Err: err}
}

func shortID(id proto.NodeID) string {
	s := id.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
