package exchange

import (
	"testing"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymesh/internal/proto"
	"relaymesh/internal/state"
)

func hashes(n int, seed byte) []proto.Hash {
	out := make([]proto.Hash, n)
	for i := range out {
		out[i] = proto.Hash(nodeID(seed, byte(i), byte(i>>8)))
	}
	return out
}

func TestAdmissionControl(t *testing.T) {
	te := newTestEngine(t, Options{MaxLocations: 3, MaxBlockLinks: 1, MaxBlockRequests: 1})
	s := te.addPeer(t, nodeID(0x80))

	// Locations: 3 * 3min / 3 = 3.
	four := []proto.Address{"a:1", "b:1", "c:1", "d:1"}
	require.NoError(t, te.handleFrame(s, encode(t, &proto.LocationsPublishMsg{Addresses: four})))
	assert.Zero(t, s.recv.locations.Len())
	require.NoError(t, te.handleFrame(s, encode(t, &proto.LocationsPublishMsg{Addresses: four[:3]})))
	assert.Equal(t, 3, s.recv.locations.Len())

	// Links: 1 * 10min * 2 = 20.
	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlocksLinkMsg{Hashes: hashes(21, 1)})))
	assert.Zero(t, s.recv.links.Len())
	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlocksLinkMsg{Hashes: hashes(20, 1)})))
	assert.Equal(t, 20, s.recv.links.Len())
	assert.Equal(t, 20, s.recv.linkFilter.Len())

	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlocksRequestMsg{Hashes: hashes(20, 2)})))
	assert.Equal(t, 20, s.recv.requests.Len())
	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlocksRequestMsg{Hashes: hashes(1, 3)})))
	assert.Equal(t, 20, s.recv.requests.Len())

	drops := te.metrics.Snapshot().DropByReason
	assert.Equal(t, uint64(1), drops["admission_locations_publish"])
	assert.Equal(t, uint64(1), drops["admission_blocks_link"])
	assert.Equal(t, uint64(1), drops["admission_blocks_request"])
}

func TestRequestedBlockRaisesPriority(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))
	value := []byte("requested")
	h := proto.Hash(hashOf(value))

	s.send.pushedRequests.Add(h)
	te.clk.Add(4 * time.Minute)
	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlockResultMsg{Hash: h, Value: value})))

	assert.Equal(t, 6, s.priority.Value())
	assert.True(t, te.blocks.Contains(h))
	assert.False(t, te.diffusion.contains(h))
	assert.Zero(t, s.recv.blockIdle(te.clk.Now()))
}

func TestUnrequestedBlockIsDiffused(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))
	value := []byte("gift")
	h := proto.Hash(hashOf(value))

	require.NoError(t, te.handleFrame(s, encode(t, &proto.BlockResultMsg{Hash: h, Value: value})))
	assert.Zero(t, s.priority.Value())
	assert.True(t, te.diffusion.contains(h))
	recs := te.uploads.list()
	require.Len(t, recs, 1)
	assert.Equal(t, state.ScopeOther, recs[0].Scope)
}

func TestReceiveErrorsEndSession(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))

	err := te.handleFrame(s, encode(t, &proto.BlockResultMsg{Hash: proto.Hash(nodeID(1)), Value: []byte("x")}))
	assert.Error(t, err)

	unknown := append(varint.ToUvarint(42), 0x08, 0x01)
	assert.ErrorIs(t, te.handleFrame(s, unknown), proto.ErrUnknownMessage)
}

func TestOversizedClueResultDropped(t *testing.T) {
	te := newTestEngine(t, Options{MaxMetadataResults: 1})
	s := te.addPeer(t, nodeID(0x80))
	clue := func(name string) proto.BroadcastClue {
		return proto.BroadcastClue{
			Type:         "profile",
			CreationTime: te.clk.Now(),
			Certificate:  proto.Certificate{Signature: proto.Signature{Name: name}},
		}
	}

	two := &proto.BroadcastCluesResultMsg{Clues: []proto.BroadcastClue{clue("a"), clue("b")}}
	require.NoError(t, te.handleFrame(s, encode(t, two)))
	assert.Empty(t, te.meta.AllBroadcastClues())

	one := &proto.BroadcastCluesResultMsg{Clues: []proto.BroadcastClue{clue("a")}}
	require.NoError(t, te.handleFrame(s, encode(t, one)))
	assert.Len(t, te.meta.AllBroadcastClues(), 1)
}

func TestRecvPassHandlesQueuedFrames(t *testing.T) {
	te := newTestEngine(t, Options{Workers: 1})
	s := te.addPeer(t, nodeID(0x80))
	s.pump.in <- encode(t, &proto.BlocksRequestMsg{Hashes: hashes(2, 1)})
	s.pump.in <- []byte{0xff}

	te.recvPass(0)
	assert.Equal(t, 2, s.recv.requests.Len())
	assert.Equal(t, 0, te.pool.len(), "malformed frame ends the session")
}
