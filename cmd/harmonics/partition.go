package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/birdayz/harmonics"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newPartitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "partition GRAPH",
		Aliases: []string{"split"},
		Short:   "Show how a graph is split across backends",
		Args:    cobra.ExactArgs(1),
		RunE:    partitionHandler,
	}
	cmd.Flags().Bool("dsl", false, "also print every partition in the graph DSL")
	return cmd
}

func partitionHandler(cmd *cobra.Command, args []string) error {
	s, err := loadSetup(cmd)
	if err != nil {
		return err
	}
	g, err := readGraph(args[0], s.opts...)
	if err != nil {
		return err
	}
	defer g.Destroy()

	plan, err := harmonics.Plan(g, s.backends)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printPlan(out, g, plan)

	if dsl, _ := cmd.Flags().GetBool("dsl"); dsl {
		for i, p := range plan.Partitions {
			fmt.Fprintf(out, "\n# partition %d (%s)\n%s", i, plan.Backends[i], p)
		}
	}
	return nil
}

func printPlan(w io.Writer, g *harmonics.Graph, plan *harmonics.PartitionPlan) {
	mode := "greedy"
	if plan.Exact {
		mode = "exact"
	}
	fmt.Fprintf(w, "backends: %v  cut: %d  sizes: %v  search: %s\n\n", plan.Backends, plan.Cut(), plan.Sizes(), mode)

	var data [][]string
	for _, n := range g.IR().Nodes() {
		part := plan.Assignment[n.ID]
		data = append(data, []string{string(n.ID), n.Kind.String(), strconv.Itoa(part), plan.Backends[part].String()})
	}
	table := newTable(w, "NODE", "KIND", "PARTITION", "BACKEND")
	table.AppendBulk(data)
	table.Render()

	if len(plan.Boundaries) == 0 {
		return
	}
	fmt.Fprintln(w)
	data = data[:0]
	for _, b := range plan.Boundaries {
		data = append(data, []string{b.Name, b.Edge.String(), strconv.Itoa(b.From), strconv.Itoa(b.To)})
	}
	table = newTable(w, "BOUNDARY", "EDGE", "FROM", "TO")
	table.AppendBulk(data)
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
