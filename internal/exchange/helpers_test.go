package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"relaymesh/internal/blockstore"
	"relaymesh/internal/crypto"
	"relaymesh/internal/metadata"
	"relaymesh/internal/proto"
	"relaymesh/internal/secure"
	"relaymesh/internal/state"
	"relaymesh/internal/testutil"
)

var errNoRoute = errors.New("no route to address")

// pipeNet connects engines in-process; each registered address has an
// accept queue fed by Connect.
type pipeNet struct {
	mu     sync.Mutex
	queues map[proto.Address]chan net.Conn
}

func newPipeNet() *pipeNet {
	return &pipeNet{queues: make(map[proto.Address]chan net.Conn)}
}

func (n *pipeNet) provider(addr proto.Address) *pipeCaps {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := make(chan net.Conn, 4)
	n.queues[addr] = q
	return &pipeCaps{net: n, queue: q}
}

type pipeCaps struct {
	net   *pipeNet
	queue chan net.Conn
}

func (c *pipeCaps) Connect(ctx context.Context, addr proto.Address) (io.ReadWriteCloser, error) {
	c.net.mu.Lock()
	q, ok := c.net.queues[addr]
	c.net.mu.Unlock()
	if !ok {
		return nil, errNoRoute
	}
	a, b := net.Pipe()
	select {
	case q <- b:
		return a, nil
	default:
		_ = a.Close()
		_ = b.Close()
		return nil, errNoRoute
	}
}

func (c *pipeCaps) Accept(ctx context.Context) (io.ReadWriteCloser, proto.Address, error) {
	select {
	case conn := <-c.queue:
		return conn, "pipe", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// nullConn swallows writes and blocks reads until closed.
type nullConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newNullConn() *nullConn {
	return &nullConn{closed: make(chan struct{})}
}

func (c *nullConn) WriteMessage(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *nullConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *nullConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type memStateStore struct {
	mu    sync.Mutex
	saved *state.State
}

func (m *memStateStore) Load() (*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return &state.State{Version: state.Version}, nil
	}
	return m.saved, nil
}

func (m *memStateStore) Save(st *state.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = st
	return nil
}

type testEngine struct {
	*Engine
	clk    *clock.Mock
	blocks *blockstore.LevelStore
	meta   *metadata.Store
}

// idleCaps never has a transport available.
type idleCaps struct{}

func (idleCaps) Connect(context.Context, proto.Address) (io.ReadWriteCloser, error) {
	return nil, nil
}

func (idleCaps) Accept(ctx context.Context) (io.ReadWriteCloser, proto.Address, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return newTestEngineWith(t, opts, clk, &pipeCaps{net: newPipeNet(), queue: make(chan net.Conn)})
}

func newTestEngineWith(t *testing.T, opts Options, clk *clock.Mock, caps CapabilityProvider) *testEngine {
	t.Helper()
	blocks, err := blockstore.OpenMemory(16, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blocks.Close() })
	meta := metadata.New(metadata.Options{Clock: clk})

	if opts.MaxConnections == 0 {
		opts.MaxConnections = 64
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.MyAddresses == nil {
		opts.MyAddresses = []proto.Address{"self:4850"}
	}
	if opts.Rand == nil {
		opts.Rand = testutil.Rand(t, 7)
	}
	opts.Clock = clk
	opts.Log = zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	e, err := New(Deps{
		Capabilities: caps,
		Upgrader:     secure.Plain{},
		Blocks:       blocks,
		Metadata:     meta,
	}, opts)
	require.NoError(t, err)
	return &testEngine{Engine: e, clk: clk, blocks: blocks, meta: meta}
}

// addPeer registers an established session for id without a transport.
func (te *testEngine) addPeer(t *testing.T, id proto.NodeID) *session {
	t.Helper()
	s := newSession(Outbound, proto.Address("peer-"+shortID(id)), te.clk)
	s.remoteID = id
	s.version = proto.ProtocolVersion1
	s.pump = newPump(newNullConn(), nil, nil)
	require.NoError(t, te.pool.register(s))
	return s
}

func (te *testEngine) putBlock(t *testing.T, value string) proto.Hash {
	t.Helper()
	h := proto.Hash(crypto.HashBlock([]byte(value)))
	require.NoError(t, te.blocks.Put(h, []byte(value)))
	return h
}

func hashOf(v []byte) [32]byte { return crypto.HashBlock(v) }

func nodeID(b ...byte) proto.NodeID {
	var id proto.NodeID
	copy(id[:], b)
	return id
}

func randomIDs(t *testing.T, n int, seed int64) []proto.NodeID {
	rng := testutil.Rand(t, seed)
	out := make([]proto.NodeID, n)
	for i := range out {
		out[i] = proto.NodeID(testutil.Key(rng))
	}
	return out
}

func encode(t *testing.T, m proto.Message) []byte {
	t.Helper()
	frame, err := proto.Encode(m)
	require.NoError(t, err)
	return frame
}

// drainLocation consumes the immediate location gossip of a new session.
func drainLocation(t *testing.T, te *testEngine, s *session) {
	t.Helper()
	require.IsType(t, &proto.LocationsPublishMsg{}, te.nextFrame(s))
}
