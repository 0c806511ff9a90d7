// Package hgraph provides the dataflow graph intermediate representation.
//
// # Overview
//
// A Graph is a directed multigraph of three declared node kinds:
//
//   - **Producer**: originates values each epoch from an externally bound source
//   - **Layer**: combines its inputs and forwards them
//   - **Consumer**: terminates values; observed externally
//
// Edges connect two nodes and optionally name a transfer function from package
// hfunc. The partitioner adds two synthetic kinds, Send and Receive, that stand
// for the two ends of an edge crossing partitions.
//
// # Basic Usage
//
//	b := hgraph.NewBuilder()
//	_ = b.AddProducer("p", 1)
//	_ = b.AddLayer("l")
//	_ = b.AddConsumer("c", 0)
//	_ = b.AddEdge("p", "l", "relu")
//	_ = b.AddEdge("l", "c", "")
//	g := b.MustBuild()
//
//	if err := g.Validate(); err != nil {
//	    // cycle, orphan or kind violation
//	}
//
// Graphs are immutable after Build. Validation that needs the whole graph is
// deferred to Validate, so a parsed graph with a propagation cycle is accepted
// by the parser and rejected when partitioned or executed.
package hgraph
