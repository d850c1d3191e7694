package exchange

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymesh/internal/proto"
	"relaymesh/internal/testutil"
)

func testPool(t *testing.T, max, bucketCap, workers int) *pool {
	return newPool(max, bucketCap, workers, proto.NodeID{}, &lockedRand{r: testutil.Rand(t, 1)})
}

func pooled(clk clock.Clock, dir Direction, id proto.NodeID) *session {
	s := newSession(dir, "", clk)
	s.remoteID = id
	s.pump = newPump(newNullConn(), nil, nil)
	return s
}

func TestPoolReservationsNeverOvershoot(t *testing.T) {
	p := testPool(t, 8, 128, 2)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(dir Direction) {
			defer wg.Done()
			if p.reserve(dir) {
				granted.Add(1)
			}
		}(Direction(i % 2))
	}
	wg.Wait()
	assert.Equal(t, int32(8), granted.Load())
	assert.False(t, p.reserve(Outbound))
	assert.False(t, p.reserve(Inbound))

	p.release(Inbound)
	assert.True(t, p.reserve(Inbound))
}

func TestPoolRegisterRejections(t *testing.T) {
	clk := clock.NewMock()
	p := testPool(t, 8, 1, 1)

	err := p.register(pooled(clk, Outbound, proto.NodeID{}))
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, RejectSelf, re.Reason)

	first := pooled(clk, Outbound, nodeID(0x80, 1))
	require.NoError(t, p.register(first))
	assert.Equal(t, StateEstablished, first.State())

	err = p.register(pooled(clk, Inbound, nodeID(0x80, 1)))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, RejectDuplicate, re.Reason)

	// Same top bit, so same bucket as first.
	err = p.register(pooled(clk, Inbound, nodeID(0x81)))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, RejectBucketOverflow, re.Reason)

	require.NoError(t, p.register(pooled(clk, Inbound, nodeID(0x40))))
	assert.Equal(t, 2, p.len())
}

func TestPoolFullPerDirection(t *testing.T) {
	clk := clock.NewMock()
	p := testPool(t, 4, 128, 1)
	require.NoError(t, p.register(pooled(clk, Outbound, nodeID(0x80))))
	require.NoError(t, p.register(pooled(clk, Outbound, nodeID(0x40))))
	assert.ErrorIs(t, p.register(pooled(clk, Outbound, nodeID(0x20))), ErrPoolFull)
	require.NoError(t, p.register(pooled(clk, Inbound, nodeID(0x20))))

	out, in := p.counts()
	assert.Equal(t, 2, out)
	assert.Equal(t, 1, in)
}

func TestPoolBalancesWorkers(t *testing.T) {
	clk := clock.NewMock()
	p := testPool(t, 16, 128, 3)
	for i := 1; i <= 6; i++ {
		require.NoError(t, p.register(pooled(clk, Direction(i%2), nodeID(byte(i)))))
	}
	for w := 0; w < 3; w++ {
		assert.Len(t, p.forWorker(w), 2, "worker %d", w)
	}
}

func TestPoolRemove(t *testing.T) {
	clk := clock.NewMock()
	p := testPool(t, 8, 128, 2)
	s := pooled(clk, Outbound, nodeID(0x80))
	s.addr = "10.0.0.1:4850"
	s.location = []proto.Address{"peer.example:4850"}
	require.NoError(t, p.register(s))

	assert.True(t, p.connectedTo("10.0.0.1:4850"))
	assert.True(t, p.connectedTo("peer.example:4850"))
	assert.True(t, p.remove(s))
	assert.False(t, p.remove(s))
	assert.False(t, p.connectedTo("10.0.0.1:4850"))
	assert.True(t, p.reserve(Outbound))
}
