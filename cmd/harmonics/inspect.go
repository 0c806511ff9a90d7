package main

import (
	"fmt"
	"strconv"

	"github.com/birdayz/harmonics"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect GRAPH",
		Short: "Validate a graph and list its nodes in execution order",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	s, err := loadSetup(cmd)
	if err != nil {
		return err
	}
	g, err := readGraph(args[0], s.opts...)
	if err != nil {
		return err
	}
	defer g.Destroy()

	ir := g.IR()
	if err := ir.Validate(); err != nil {
		return fmt.Errorf("%w: %w", harmonics.ErrConfig, err)
	}
	order, err := ir.ExecutionOrder()
	if err != nil {
		return err
	}
	ranks, err := ir.Ranks()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "digest: %s  nodes: %d  edges: %d\n\n", ir.Digest(), ir.Len(), len(ir.Edges()))

	var data [][]string
	for _, id := range order {
		n, _ := ir.Node(id)
		arity := "-"
		if n.Arity > 0 {
			arity = strconv.Itoa(n.Arity)
		}
		placement := "-"
		if n.Placement != harmonics.Auto {
			placement = n.Placement.String()
		}
		data = append(data, []string{string(id), n.Kind.String(), arity, placement, strconv.Itoa(ranks[id])})
	}
	table := newTable(out, "NODE", "KIND", "ARITY", "PLACEMENT", "RANK")
	table.AppendBulk(data)
	table.Render()
	return nil
}
