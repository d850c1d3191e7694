package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"relaymesh/internal/blockstore"
	"relaymesh/internal/config"
	"relaymesh/internal/crypto"
	"relaymesh/internal/exchange"
	"relaymesh/internal/logging"
	"relaymesh/internal/metadata"
	"relaymesh/internal/metrics"
	"relaymesh/internal/network"
	"relaymesh/internal/pprofutil"
	"relaymesh/internal/proto"
	"relaymesh/internal/secure"
	"relaymesh/internal/state"
)

const reportInterval = 10 * time.Second

func runNode(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	log, err := logging.New(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var engine *exchange.Engine
	app := fx.New(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			metrics.New,
			newBlockStore,
			newMetadataStore,
			newStateStore,
			newTransport,
			newUpgrader,
			newEngine,
		),
		fx.Invoke(registerDebugServer, registerReporter),
		fx.Populate(&engine),
	)
	if err := app.Err(); err != nil {
		log.Error("assemble node", zap.Error(err))
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		log.Error("start node", zap.Error(err))
		return err
	}
	fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", cfg.ListenAddr, engine.ID())

	select {
	case <-ctx.Done():
	case sig := <-app.Done():
		log.Info("signal received", zap.Stringer("signal", sig))
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

func newBlockStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*blockstore.LevelStore, error) {
	s, err := blockstore.Open(cfg.BlocksPath(), cfg.BlockCacheSize, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

func newMetadataStore() *metadata.Store {
	return metadata.New(metadata.Options{})
}

func newStateStore(cfg config.Config) *state.FileStore {
	return state.NewFileStore(cfg.StatePath())
}

func newTransport(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*network.QUICProvider, error) {
	p, err := network.Listen(network.Options{ListenAddr: cfg.ListenAddr, Log: log.Named("quic")})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return p.Close() }})
	return p, nil
}

func newUpgrader(cfg config.Config) (*secure.Noise, error) {
	kp, err := secure.LoadOrCreateKeypair(cfg.KeyDir())
	if err != nil {
		return nil, fmt.Errorf("load static key: %w", err)
	}
	return secure.NewNoise(kp, crypto.NetworkKey(cfg.NetworkPassword)), nil
}

type engineParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Transport *network.QUICProvider
	Upgrader  *secure.Noise
	Blocks    *blockstore.LevelStore
	Metadata  *metadata.Store
	State     *state.FileStore
}

func newEngine(p engineParams) (*exchange.Engine, error) {
	x := p.Config.Exchange
	e, err := exchange.New(exchange.Deps{
		Capabilities: p.Transport,
		Upgrader:     p.Upgrader,
		Blocks:       p.Blocks,
		Metadata:     p.Metadata,
		State:        p.State,
	}, exchange.Options{
		MaxConnections:      x.MaxConnections,
		Dialers:             x.Dialers,
		Acceptors:           x.Acceptors,
		Workers:             x.Workers,
		BucketCap:           x.BucketCap,
		AddrPruneCeiling:    x.AddrPruneCeiling,
		MaxLocations:        x.MaxLocations,
		MaxBlockLinks:       x.MaxBlockLinks,
		MaxBlockRequests:    x.MaxBlockRequests,
		MaxMetadataRequests: x.MaxMetadataRequests,
		MaxMetadataResults:  x.MaxMetadataResults,
		MyAddresses:         addresses(p.Config.MyAddresses),
		Log:                 p.Log,
		Metrics:             p.Metrics,
	})
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := e.Start(context.Background()); err != nil {
				return err
			}
			e.SetKnownAddresses(addresses(p.Config.Bootstrap))
			return nil
		},
		OnStop: func(context.Context) error { return e.Stop() },
	})
	return e, nil
}

func addresses(ss []string) []proto.Address {
	out := make([]proto.Address, 0, len(ss))
	for _, s := range ss {
		out = append(out, proto.Address(s))
	}
	return out
}

func registerDebugServer(lc fx.Lifecycle, cfg config.Config, m *metrics.Metrics, log *zap.Logger) {
	if cfg.DebugAddr == "" {
		return
	}
	var srv *pprofutil.Server
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			srv, err = pprofutil.Start(cfg.DebugAddr, false, metrics.Handler(metrics.NewRegistry(m)), log)
			return err
		},
		OnStop: func(ctx context.Context) error { return srv.Close(ctx) },
	})
}

// registerReporter rewrites the report file read by the status command.
func registerReporter(lc fx.Lifecycle, cfg config.Config, engine *exchange.Engine, log *zap.Logger) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	write := func() {
		if err := exchange.WriteReport(cfg.ReportPath(), engine.Report()); err != nil {
			log.Warn("write report", zap.Error(err))
		}
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(stopped)
				ticker := time.NewTicker(reportInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						write()
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			close(done)
			<-stopped
			write()
			return nil
		},
	})
}
