package exchange

import (
	"context"
	"io"

	"relaymesh/internal/proto"
	"relaymesh/internal/secure"
	"relaymesh/internal/state"
)

// CapabilityProvider hands out raw transports. A nil capability with a nil
// error means none was available this round.
type CapabilityProvider interface {
	Connect(ctx context.Context, addr proto.Address) (io.ReadWriteCloser, error)
	Accept(ctx context.Context) (io.ReadWriteCloser, proto.Address, error)
}

type MessageConn = secure.Conn

type SecureUpgrader interface {
	Upgrade(ctx context.Context, rw io.ReadWriteCloser, outbound bool) (secure.Conn, error)
}

type BlockStore interface {
	Contains(h proto.Hash) bool
	Get(h proto.Hash) ([]byte, error)
	Put(h proto.Hash, value []byte) error
	// Except returns the hashes the store does not hold.
	Except(hashes []proto.Hash) []proto.Hash
	// Intersect returns the hashes the store holds.
	Intersect(hashes []proto.Hash) []proto.Hash
	Hashes() []proto.Hash
}

type MetadataStore interface {
	SetBroadcastClue(c proto.BroadcastClue) bool
	SetUnicastClue(c proto.UnicastClue) bool
	SetMulticastClue(c proto.MulticastClue) bool

	BroadcastClue(sig proto.Signature, typ string) (proto.BroadcastClue, bool)
	UnicastClues(sig proto.Signature, typ string) []proto.UnicastClue
	MulticastClues(tag proto.Tag, typ string) []proto.MulticastClue

	BroadcastCluesFor(sig proto.Signature) []proto.BroadcastClue
	UnicastCluesFor(sig proto.Signature) []proto.UnicastClue
	MulticastCluesFor(tag proto.Tag) []proto.MulticastClue

	BroadcastSignatures() []proto.Signature
	UnicastSignatures() []proto.Signature
	MulticastTags() []proto.Tag

	AllBroadcastClues() []proto.BroadcastClue
	AllUnicastClues() []proto.UnicastClue
	AllMulticastClues() []proto.MulticastClue

	Refresh()
}

type StateStore interface {
	Load() (*state.State, error)
	Save(st *state.State) error
}
