package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaymesh/internal/config"
	"relaymesh/internal/exchange"
	"relaymesh/internal/secure"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath string
	dataDir    string
}

// load resolves the config file: --config wins, then the data dir default.
func (f *rootFlags) load() (config.Config, error) {
	path := f.configPath
	dataDir := f.dataDir
	if dataDir == "" {
		dataDir = config.Default().DataDir
	}
	if path == "" {
		path = config.DefaultPath(dataDir)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "relaymesh-node",
		Short:        "Peer-to-peer block and clue exchange node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <data-dir>/"+config.FileName+")")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory")
	root.AddCommand(
		newRunCmd(flags),
		newIDCmd(flags),
		newStatusCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var listen, debugAddr, logLevel string
	var bootstrap []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the exchange until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			if debugAddr != "" {
				cfg.DebugAddr = debugAddr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			cfg.Bootstrap = append(cfg.Bootstrap, bootstrap...)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&listen, "addr", "", "listen addr (host:port)")
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "serve pprof and /metrics on this loopback addr")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "peer addresses to dial first")
	return cmd
}

func newIDCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the static transport key, creating it if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			kp, err := secure.LoadOrCreateKeypair(cfg.KeyDir())
			if err != nil {
				return fmt.Errorf("load static key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(kp.Public))
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last report written by run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			rep, err := exchange.ReadReport(cfg.ReportPath())
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no report at %s; is the node running?", cfg.ReportPath())
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func printStatus(w io.Writer, rep exchange.Report) {
	snap := rep.Metrics
	c := snap.Connections
	fmt.Fprintf(w, "Local exchange summary as of %s:\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  node: %s\n", rep.ID)
	fmt.Fprintf(w, "  connections: outbound=%d inbound=%d\n", c.Outbound, c.Inbound)
	fmt.Fprintf(w, "  addresses: known=%d dial_failures=%d\n", rep.KnownAddresses, rep.DialFailures)
	fmt.Fprintf(w, "  blocks: uploads=%d diffusion=%d\n", rep.Uploads, rep.Diffusion)
	fmt.Fprintf(w, "  totals: connected=%d accepted=%d rejected=%d evicted=%d\n", c.Connected, c.Accepted, c.Rejected, c.Evicted)
	fmt.Fprintf(w, "  traffic: sent=%dB received=%dB\n", snap.Traffic.SentBytes, snap.Traffic.ReceivedBytes)
	for _, kind := range sortedKeys(snap.Pushed) {
		if snap.Pushed[kind] == 0 && snap.Pulled[kind] == 0 {
			continue
		}
		fmt.Fprintf(w, "  %s: pushed=%d pulled=%d\n", kind, snap.Pushed[kind], snap.Pulled[kind])
	}
	for _, reason := range sortedKeys(snap.DropByReason) {
		fmt.Fprintf(w, "  dropped %s: %d\n", reason, snap.DropByReason[reason])
	}
	for _, cr := range rep.Connections {
		fmt.Fprintf(w, "  peer %s %s addr=%s state=%s priority=%d age=%s sent=%dB received=%dB\n",
			cr.Peer, cr.Direction, cr.Address, cr.State, cr.Priority,
			cr.Age.Truncate(time.Second), cr.SentBytes, cr.ReceivedBytes)
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
}
