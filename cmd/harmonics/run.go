package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/birdayz/harmonics"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run GRAPH",
		Short: "Run a graph for a number of epochs and print what its consumers saw",
		Args:  cobra.ExactArgs(1),
		RunE:  runHandler,
	}
	cmd.Flags().StringArrayP("producer", "p", nil, "bind a producer: name=file.csv or name=s3://bucket/key")
	cmd.Flags().IntP("epochs", "n", 0, "epochs to run (overrides the config file, default 1)")
	cmd.Flags().Bool("secure", false, "encrypt boundary frames")
	return cmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := loadSetup(cmd)
	if err != nil {
		return err
	}

	epochs := s.cfg.Epochs
	if cmd.Flags().Changed("epochs") {
		epochs, _ = cmd.Flags().GetInt("epochs")
	} else if epochs == 0 {
		epochs = 1
	}
	secure := s.cfg.Secure
	if cmd.Flags().Changed("secure") {
		secure, _ = cmd.Flags().GetBool("secure")
	}

	bindings, _ := cmd.Flags().GetStringArray("producer")
	producers, err := openProducers(ctx, bindings, s.opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range producers {
			p.Destroy()
		}
	}()

	var obs []harmonics.Observation
	if len(s.backends) == 1 {
		obs, err = runSingle(ctx, args[0], s, producers, epochs)
	} else {
		obs, err = runDistributed(ctx, args[0], s, producers, epochs, secure)
	}
	if err != nil {
		return err
	}
	s.log.Info().Int("epochs", epochs).Int("observations", len(obs)).Msg("Run complete")
	printObservations(cmd.OutOrStdout(), obs)
	return nil
}

func openProducers(ctx context.Context, bindings []string, opts []harmonics.Option) (map[string]*harmonics.Producer, error) {
	producers := make(map[string]*harmonics.Producer, len(bindings))
	for _, b := range bindings {
		name, location, ok := strings.Cut(b, "=")
		if !ok || name == "" || location == "" {
			return nil, fmt.Errorf("producer binding %q: want name=location", b)
		}
		p, err := harmonics.NewCSVProducer(ctx, location, opts...)
		if err != nil {
			for _, p := range producers {
				p.Destroy()
			}
			return nil, fmt.Errorf("producer %s: %w", name, err)
		}
		producers[name] = p
	}
	return producers, nil
}

func runSingle(ctx context.Context, path string, s *setup, producers map[string]*harmonics.Producer, epochs int) ([]harmonics.Observation, error) {
	opts := append(s.opts[:len(s.opts):len(s.opts)], harmonics.WithBackend(s.backends[0]))
	g, err := readGraph(path, opts...)
	if err != nil {
		return nil, err
	}
	defer g.Destroy()

	for name, p := range producers {
		if err := g.BindProducer(name, p); err != nil {
			return nil, err
		}
	}
	if err := g.Fit(ctx, epochs); err != nil {
		return nil, err
	}
	return g.Observations()
}

func runDistributed(ctx context.Context, path string, s *setup, producers map[string]*harmonics.Producer, epochs int, secure bool) ([]harmonics.Observation, error) {
	g, err := readGraph(path, s.opts...)
	if err != nil {
		return nil, err
	}
	defer g.Destroy()

	parts, err := harmonics.AutoPartition(g, s.backends)
	if err != nil {
		return nil, err
	}
	defer harmonics.DestroyPartitions(parts)

	sched, err := harmonics.NewDistributedScheduler(ctx, parts, s.backends, secure, s.opts...)
	if err != nil {
		return nil, err
	}
	defer sched.Destroy()

	for name, p := range producers {
		index := producerPartition(parts, name)
		if index < 0 {
			return nil, fmt.Errorf("%w: no producer %q in any partition", harmonics.ErrBinding, name)
		}
		if err := sched.BindProducer(index, name, p); err != nil {
			return nil, err
		}
	}
	if err := sched.Fit(ctx, epochs); err != nil {
		return nil, err
	}
	return sched.Observations()
}

func producerPartition(parts []*harmonics.Graph, name string) int {
	for i, p := range parts {
		if n, ok := p.IR().Node(hgraph.NodeID(name)); ok && n.Kind == hgraph.KindProducer {
			return i
		}
	}
	return -1
}

func printObservations(w io.Writer, obs []harmonics.Observation) {
	data := make([][]string, 0, len(obs))
	for _, o := range obs {
		data = append(data, []string{
			strconv.Itoa(o.Epoch),
			strconv.Itoa(o.Partition),
			o.Consumer,
			o.Value.String(),
		})
	}

	table := newTable(w, "EPOCH", "PARTITION", "CONSUMER", "VALUE")
	table.AppendBulk(data)
	table.Render()
}
