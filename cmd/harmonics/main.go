package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/birdayz/harmonics"
	"github.com/birdayz/harmonics/pkg/log"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "harmonics",
		Short:        "Parse, partition and run dataflow graphs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "deployment file (HCL)")
	root.PersistentFlags().StringSlice("backends", nil, "backends to split across, e.g. cpu,wasm (overrides the config file)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	root.PersistentFlags().String("log-format", "", "json or console")

	root.AddCommand(newRunCmd(), newPartitionCmd(), newInspectCmd())
	return root
}

// setup is what every command derives from the flags and the deployment file.
type setup struct {
	cfg      *harmonics.Config
	opts     []harmonics.Option
	backends []harmonics.Backend
	log      *zerolog.Logger
}

func loadSetup(cmd *cobra.Command) (*setup, error) {
	cfg := &harmonics.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = harmonics.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if tags, _ := cmd.Flags().GetStringSlice("backends"); len(tags) > 0 {
		cfg.Backends = tags
	}

	level, format := "", ""
	if cfg.Log != nil {
		level, format = cfg.Log.Level, cfg.Log.Format
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	zl, err := log.New(cmd.ErrOrStderr(), level, format)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, harmonics.WithLogr(zerologr.New(zl)))

	backends, err := cfg.BackendList()
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		backends = []harmonics.Backend{harmonics.Auto}
	}
	return &setup{cfg: cfg, opts: opts, backends: backends, log: zl}, nil
}

func readGraph(path string, opts ...harmonics.Option) (*harmonics.Graph, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return harmonics.ParseGraph(string(text), opts...)
}
