// Package exchange runs the peer exchange: it keeps a bounded set of
// sessions and diffuses blocks and clues toward the peers nearest them.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymesh/internal/crypto"
	"relaymesh/internal/logging"
	"relaymesh/internal/metrics"
	"relaymesh/internal/peer"
	"relaymesh/internal/proto"
	"relaymesh/internal/state"
	"relaymesh/internal/volatile"
)

const dialLogInterval = 30 * time.Second

type Deps struct {
	Capabilities CapabilityProvider
	Upgrader     SecureUpgrader
	Blocks       BlockStore
	Metadata     MetadataStore
	// State is optional; without it nothing is persisted.
	State StateStore
}

type Engine struct {
	id      proto.NodeID
	opts    Options
	log     *zap.Logger
	clk     clock.Clock
	rng     *lockedRand
	metrics *metrics.Metrics
	dialLog *logging.RateLimiter

	caps     CapabilityProvider
	upgrader SecureUpgrader
	blocks   BlockStore
	meta     MetadataStore
	states   StateStore

	pool *pool
	book *peer.AddrBook
	// attempted holds recently dialed addresses and the dial outcome.
	attempted *volatile.Map[proto.Address, error]

	addrMu      sync.RWMutex
	myAddresses []proto.Address

	blockWants     *volatile.Set[proto.Hash]
	broadcastWants *volatile.Set[proto.Signature]
	unicastWants   *volatile.Set[proto.Signature]
	multicastWants *volatile.Set[proto.Tag]

	uploads   *uploadBook
	diffusion *hashSet

	gates gates

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(deps Deps, opts Options) (*Engine, error) {
	var err error
	if deps.Capabilities == nil {
		err = multierr.Append(err, errors.New("capability provider is required"))
	}
	if deps.Upgrader == nil {
		err = multierr.Append(err, errors.New("secure upgrader is required"))
	}
	if deps.Blocks == nil {
		err = multierr.Append(err, errors.New("block store is required"))
	}
	if deps.Metadata == nil {
		err = multierr.Append(err, errors.New("metadata store is required"))
	}
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	opts = opts.withDefaults()
	if opts.MaxConnections < 2 {
		return nil, fmt.Errorf("exchange: max connections %d below 2", opts.MaxConnections)
	}
	if opts.ID.IsZero() {
		id, err := crypto.NewNodeID()
		if err != nil {
			return nil, fmt.Errorf("exchange: node id: %w", err)
		}
		opts.ID = id
	}
	rng := &lockedRand{r: opts.Rand}
	clk := opts.Clock
	e := &Engine{
		id:             opts.ID,
		opts:           opts,
		log:            opts.Log.Named("exchange"),
		clk:            clk,
		rng:            rng,
		metrics:        opts.Metrics,
		caps:           deps.Capabilities,
		upgrader:       deps.Upgrader,
		blocks:         deps.Blocks,
		meta:           deps.Metadata,
		states:         deps.State,
		pool:           newPool(opts.MaxConnections, opts.BucketCap, opts.Workers, opts.ID, rng),
		book:           peer.NewAddrBook(0),
		attempted:      volatile.NewMap[proto.Address, error](attemptSurvival, clk),
		myAddresses:    append([]proto.Address(nil), opts.MyAddresses...),
		blockWants:     volatile.NewSet[proto.Hash](localWantSurvival, clk),
		broadcastWants: volatile.NewSet[proto.Signature](localWantSurvival, clk),
		unicastWants:   volatile.NewSet[proto.Signature](localWantSurvival, clk),
		multicastWants: volatile.NewSet[proto.Tag](localWantSurvival, clk),
		uploads:        newUploadBook(),
		diffusion:      newHashSet(),
	}
	e.dialLog = logging.NewRateLimiter(e.log, dialLogInterval, clk)
	return e, nil
}

func (e *Engine) ID() proto.NodeID { return e.id }

// Start loads persisted state and launches the worker group. The engine
// runs until Stop or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return ErrEngineRunning
	}
	if e.states != nil {
		st, err := e.states.Load()
		if err != nil {
			return fmt.Errorf("load exchange state: %w", err)
		}
		e.Restore(st)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Dialers; i++ {
		g.Go(func() error { e.dialLoop(gctx); return nil })
	}
	for i := 0; i < e.opts.Acceptors; i++ {
		g.Go(func() error { e.acceptLoop(gctx); return nil })
	}
	g.Go(func() error { e.schedulerLoop(gctx); return nil })
	for w := 0; w < e.opts.Workers; w++ {
		g.Go(func() error { e.sendLoop(gctx, w); return nil })
		g.Go(func() error { e.recvLoop(gctx, w); return nil })
	}
	e.cancel = cancel
	e.group = g
	e.log.Info("exchange started",
		zap.Stringer("id", e.id),
		zap.Int("max_connections", e.opts.MaxConnections),
		zap.Int("workers", e.opts.Workers),
	)
	return nil
}

// Stop cancels the workers, closes every session and saves state.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return ErrEngineStopped
	}
	e.cancel()
	err := e.group.Wait()
	e.cancel, e.group = nil, nil

	for _, s := range e.pool.list() {
		e.removeSession(s, ErrEngineStopped)
	}
	if e.states != nil {
		if serr := e.states.Save(e.Snapshot()); serr != nil {
			err = multierr.Append(err, fmt.Errorf("save exchange state: %w", serr))
		}
	}
	e.log.Info("exchange stopped")
	return err
}

func (e *Engine) SetMyAddresses(addrs []proto.Address) {
	e.addrMu.Lock()
	e.myAddresses = append([]proto.Address(nil), addrs...)
	e.addrMu.Unlock()
}

func (e *Engine) MyAddresses() []proto.Address {
	e.addrMu.RLock()
	defer e.addrMu.RUnlock()
	return append([]proto.Address(nil), e.myAddresses...)
}

func (e *Engine) isMyAddress(addr proto.Address) bool {
	e.addrMu.RLock()
	defer e.addrMu.RUnlock()
	for _, a := range e.myAddresses {
		if a == addr {
			return true
		}
	}
	return false
}

// SetKnownAddresses adds addrs to the address book used for dialing.
func (e *Engine) SetKnownAddresses(addrs []proto.Address) {
	for _, a := range addrs {
		if !e.isMyAddress(a) {
			e.book.Add(a)
		}
	}
}

func (e *Engine) KnownAddresses() []proto.Address {
	return e.book.List()
}

// DownloadBlocks asks the network for hashes over the next ten minutes.
func (e *Engine) DownloadBlocks(hashes []proto.Hash) {
	e.blockWants.AddAll(hashes)
}

// DiffuseBlocks offers locally held hashes for upload.
func (e *Engine) DiffuseBlocks(hashes []proto.Hash) {
	now := e.clk.Now()
	for _, h := range hashes {
		e.uploads.add(h, state.ScopeMine, now)
	}
}

func (e *Engine) UploadBroadcastClue(c proto.BroadcastClue) bool { return e.meta.SetBroadcastClue(c) }
func (e *Engine) UploadUnicastClue(c proto.UnicastClue) bool     { return e.meta.SetUnicastClue(c) }
func (e *Engine) UploadMulticastClue(c proto.MulticastClue) bool { return e.meta.SetMulticastClue(c) }

// GetBroadcastClue registers a want for sig and returns what is already known.
func (e *Engine) GetBroadcastClue(sig proto.Signature, typ string) (proto.BroadcastClue, bool) {
	e.broadcastWants.Add(sig)
	return e.meta.BroadcastClue(sig, typ)
}

func (e *Engine) GetUnicastClues(sig proto.Signature, typ string) []proto.UnicastClue {
	e.unicastWants.Add(sig)
	return e.meta.UnicastClues(sig, typ)
}

func (e *Engine) GetMulticastClues(tag proto.Tag, typ string) []proto.MulticastClue {
	e.multicastWants.Add(tag)
	return e.meta.MulticastClues(tag, typ)
}
