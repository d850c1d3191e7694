package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymesh/internal/proto"
	"relaymesh/internal/state"
)

func TestNextFrameOrder(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))

	msg := te.nextFrame(s)
	require.IsType(t, &proto.LocationsPublishMsg{}, msg)
	assert.Equal(t, []proto.Address{"self:4850"}, msg.(*proto.LocationsPublishMsg).Addresses)
	assert.Nil(t, te.nextFrame(s), "location gossip waits for its interval")

	link, req := nodeID(1), nodeID(2)
	s.send.setLinks([]proto.Hash{proto.Hash(link)})
	s.send.setRequests([]proto.Hash{proto.Hash(req)})
	s.send.setBroadcastRequests([]proto.Signature{{Name: "alice"}})

	assert.Equal(t, &proto.BlocksLinkMsg{Hashes: []proto.Hash{proto.Hash(link)}}, te.nextFrame(s))
	assert.Equal(t, &proto.BlocksRequestMsg{Hashes: []proto.Hash{proto.Hash(req)}}, te.nextFrame(s))
	assert.IsType(t, &proto.BroadcastCluesRequestMsg{}, te.nextFrame(s))
	assert.Nil(t, te.nextFrame(s))

	assert.True(t, s.send.pushedLinks.Contains(proto.Hash(link)))
	assert.True(t, s.send.pushedRequests.Contains(proto.Hash(req)))

	te.clk.Add(locationInterval)
	assert.IsType(t, &proto.LocationsPublishMsg{}, te.nextFrame(s))
}

func TestNextFrameServesStagedBlock(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))
	drainLocation(t, te, s)

	h := te.putBlock(t, "payload")
	s.recv.requests.Add(h)
	te.diffusion.add(h)
	te.uploads.add(h, state.ScopeOther, te.clk.Now())
	s.send.setResults([]proto.Hash{h})

	msg := te.nextFrame(s)
	assert.Equal(t, &proto.BlockResultMsg{Hash: h, Value: []byte("payload")}, msg)
	assert.False(t, s.recv.requests.Contains(h))
	assert.False(t, te.diffusion.contains(h))
	assert.False(t, te.uploads.contains(h))
}

func TestNextFrameRateLimitsResults(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))
	drainLocation(t, te, s)

	h1, h2 := te.putBlock(t, "one"), te.putBlock(t, "two")
	s.send.setResults([]proto.Hash{h1, h2})

	require.IsType(t, &proto.BlockResultMsg{}, te.nextFrame(s))
	assert.Nil(t, te.nextFrame(s))
	te.clk.Add(blockResultInterval)
	msg := te.nextFrame(s)
	require.IsType(t, &proto.BlockResultMsg{}, msg)
	assert.Equal(t, h2, msg.(*proto.BlockResultMsg).Hash)
}

func TestNextFrameSkipsMissingBlock(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x80))
	drainLocation(t, te, s)

	s.send.setResults([]proto.Hash{proto.Hash(nodeID(7))})
	assert.Nil(t, te.nextFrame(s))
	_, _, results := s.send.queued()
	assert.Zero(t, results)
}

func TestNextFrameClueResults(t *testing.T) {
	te := newTestEngine(t, Options{MaxMetadataResults: 1})
	s := te.addPeer(t, nodeID(0x80))
	drainLocation(t, te, s)

	alice := proto.Signature{Name: "alice", ID: [32]byte{1}}
	bob := proto.Signature{Name: "bob", ID: [32]byte{2}}
	for _, sig := range []proto.Signature{alice, bob} {
		require.True(t, te.UploadBroadcastClue(proto.BroadcastClue{
			Type:         "profile",
			CreationTime: te.clk.Now(),
			Certificate:  proto.Certificate{Signature: sig},
		}))
	}
	s.recv.broadcastWants.Add(alice)
	s.recv.broadcastWants.Add(bob)

	assert.Nil(t, te.nextFrame(s), "results wait for their interval")
	te.clk.Add(clueResultInterval)
	msg := te.nextFrame(s)
	require.IsType(t, &proto.BroadcastCluesResultMsg{}, msg)
	assert.Len(t, msg.(*proto.BroadcastCluesResultMsg).Clues, 1)
	assert.Nil(t, te.nextFrame(s))
}

func TestSendPassRemovesFailedSession(t *testing.T) {
	te := newTestEngine(t, Options{Workers: 1})
	s := te.addPeer(t, nodeID(0x80))
	s.pump.fail(errPumpClosed)

	te.sendPass(0)
	assert.Equal(t, 0, te.pool.len())
	assert.Equal(t, StateClosed, s.State())
}

func TestSendPassEnqueuesOneFrame(t *testing.T) {
	te := newTestEngine(t, Options{Workers: 1})
	s := te.addPeer(t, nodeID(0x80))
	s.send.setLinks([]proto.Hash{proto.Hash(nodeID(1))})

	te.sendPass(0)
	assert.Len(t, s.pump.out, 1)
	te.sendPass(0)
	assert.Len(t, s.pump.out, 2)
	assert.Equal(t, uint64(1), te.metrics.Snapshot().Pushed[proto.MsgBlocksLink.String()])
}
