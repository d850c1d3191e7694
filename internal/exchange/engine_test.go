package exchange

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relaymesh/internal/blockstore"
	"relaymesh/internal/metadata"
	"relaymesh/internal/proto"
	"relaymesh/internal/secure"
	"relaymesh/internal/state"
	"relaymesh/internal/testutil"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability provider is required")
	assert.Contains(t, err.Error(), "block store is required")

	_, err = New(Deps{
		Capabilities: newPipeNet().provider("x"),
		Upgrader:     secure.Plain{},
		Blocks:       &blockstore.LevelStore{},
		Metadata:     metadata.New(metadata.Options{}),
	}, Options{MaxConnections: 1})
	assert.Error(t, err)
}

func TestNewAssignsRandomID(t *testing.T) {
	a := newTestEngine(t, Options{})
	b := newTestEngine(t, Options{})
	assert.False(t, a.ID().IsZero())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSnapshotRestore(t *testing.T) {
	src := newTestEngine(t, Options{MyAddresses: []proto.Address{"me:1"}})
	src.SetKnownAddresses([]proto.Address{"p:1", "p:2", "me:1"})
	h := src.putBlock(t, "block")
	src.DiffuseBlocks([]proto.Hash{h})
	src.diffusion.add(h)
	require.True(t, src.UploadUnicastClue(proto.UnicastClue{
		Type:         "mail",
		Signature:    proto.Signature{Name: "bob"},
		CreationTime: src.clk.Now(),
		Certificate:  proto.Certificate{Signature: proto.Signature{Name: "alice"}},
	}))

	st := src.Snapshot()
	assert.Equal(t, state.Version, st.Version)
	assert.ElementsMatch(t, []proto.Address{"p:1", "p:2"}, st.KnownAddresses)
	assert.Len(t, st.UnicastClues, 1)

	dst := newTestEngine(t, Options{MyAddresses: []proto.Address{}})
	dst.clk.Set(src.clk.Now())
	dst.Restore(st)
	assert.Equal(t, []proto.Address{"me:1"}, dst.MyAddresses())
	assert.ElementsMatch(t, st.KnownAddresses, dst.KnownAddresses())
	assert.Equal(t, st.Uploads, dst.uploads.list())
	assert.True(t, dst.diffusion.contains(h))
	assert.Len(t, dst.GetUnicastClues(proto.Signature{Name: "bob"}, "mail"), 1)

	kept := newTestEngine(t, Options{MyAddresses: []proto.Address{"configured:1"}})
	kept.Restore(st)
	assert.Equal(t, []proto.Address{"configured:1"}, kept.MyAddresses())
}

func TestStartStopPersistsState(t *testing.T) {
	te := newTestEngine(t, Options{})
	store := &memStateStore{saved: &state.State{
		Version:        state.Version,
		KnownAddresses: []proto.Address{"saved:1"},
	}}
	te.states = store

	require.NoError(t, te.Start(context.Background()))
	assert.ErrorIs(t, te.Start(context.Background()), ErrEngineRunning)
	assert.True(t, te.book.Has("saved:1"))

	te.SetKnownAddresses([]proto.Address{"new:1"})
	require.NoError(t, te.Stop())
	assert.ErrorIs(t, te.Stop(), ErrEngineStopped)
	assert.Contains(t, store.saved.KnownAddresses, proto.Address("new:1"))
}

func TestEnginesExchangeOverPipes(t *testing.T) {
	pn := newPipeNet()
	start := func(addr proto.Address, known ...proto.Address) *Engine {
		blocks, err := blockstore.OpenMemory(16, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = blocks.Close() })
		e, err := New(Deps{
			Capabilities: pn.provider(addr),
			Upgrader:     secure.Plain{},
			Blocks:       blocks,
			Metadata:     metadata.New(metadata.Options{}),
		}, Options{
			MaxConnections: 8,
			Workers:        2,
			DialInterval:   10 * time.Millisecond,
			PumpInterval:   5 * time.Millisecond,
			MyAddresses:    []proto.Address{addr},
			Log:            zaptest.NewLogger(t),
			Rand:           testutil.Rand(t, int64(len(addr))),
		})
		require.NoError(t, err)
		e.SetKnownAddresses(known)
		require.NoError(t, e.Start(context.Background()))
		return e
	}
	b := start("b:1")
	a := start("a:1", "b:1")
	defer func() {
		assert.NoError(t, a.Stop())
		assert.NoError(t, b.Stop())
	}()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(a.ConnectionReports()) == 1 && len(b.ConnectionReports()) == 1
	})
	ra := a.ConnectionReports()[0]
	assert.Equal(t, b.ID(), ra.Peer)
	assert.Equal(t, "outbound", ra.Direction)
	assert.Equal(t, "established", ra.State)

	// The first frame either side sends is its location gossip.
	testutil.Eventually(t, 5*time.Second, func() bool {
		return b.Report().Metrics.Pulled[proto.MsgLocationsPublish.String()] > 0
	})
	rep := a.Report()
	assert.Equal(t, int64(1), rep.Metrics.Connections.Outbound)
	assert.Positive(t, rep.Metrics.Traffic.SentBytes)
}

func TestReportFileKeepsConnections(t *testing.T) {
	te := newTestEngine(t, Options{})
	s := te.addPeer(t, nodeID(0x42))
	s.priority.Add(3)
	path := filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, WriteReport(path, te.Report()))
	rep, err := ReadReport(path)
	require.NoError(t, err)
	assert.Equal(t, te.ID(), rep.ID)
	require.Len(t, rep.Connections, 1)
	assert.Equal(t, nodeID(0x42), rep.Connections[0].Peer)
	assert.Equal(t, s.addr, rep.Connections[0].Address)
	assert.Equal(t, 3, rep.Connections[0].Priority)
}

func TestUnavailableTransportPrunesBook(t *testing.T) {
	te := newTestEngineWith(t, Options{AddrPruneCeiling: 1}, clock.NewMock(), idleCaps{})
	te.SetKnownAddresses([]proto.Address{"x:1", "y:1"})

	te.dialOnce(context.Background())
	assert.Equal(t, 1, te.book.Len())
	assert.Zero(t, te.Report().DialFailures)
	assert.True(t, te.pool.reserve(Outbound), "reservation is released")
}

func TestDialFailuresPruneBook(t *testing.T) {
	te := newTestEngine(t, Options{AddrPruneCeiling: 1})
	te.SetKnownAddresses([]proto.Address{"x:1", "y:1"})

	te.dialOnce(context.Background())
	assert.Equal(t, 1, te.book.Len())
	assert.Equal(t, 1, te.Report().DialFailures)

	te.dialOnce(context.Background())
	assert.Equal(t, 1, te.book.Len(), "book at the ceiling is kept")
	assert.Equal(t, 2, te.Report().DialFailures)

	te.dialOnce(context.Background())
	assert.Equal(t, 2, te.Report().DialFailures, "attempted addresses are not redialed")

	te.clk.Add(attemptSurvival)
	te.attempted.Update()
	assert.Zero(t, te.Report().DialFailures)
	assert.True(t, te.pool.reserve(Outbound))
}
