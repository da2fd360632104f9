//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a graph-based execution runtime: nodes read a
// shared state and return deltas, static and conditional edges pick the
// next node, and an optional checkpoint saver makes every step durable
// so that a crashed or suspended run can resume exactly where it
// stopped.
package graph

import (
	"context"
	"fmt"
	"sort"
)

const (
	// Start is the virtual entry node of every graph.
	Start = "__start__"
	// End is the virtual terminal node of every graph.
	End = "__end__"
)

// NodeFunc executes one node. It receives the current state and returns
// a delta that the executor merges back through the schema reducers. The
// delta must be a State or a map[string]any; nil leaves the state
// unchanged.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc picks the routing key for a conditional edge from the
// state. The key is looked up in the edge's path map.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Node is a single executable step of a graph.
type Node struct {
	// ID is the unique identifier of the node.
	ID string
	// Name is the human-readable name of the node.
	Name string
	// Description describes what the node does.
	Description string
	// Function is the node's behavior. A nil function is a pass-through.
	Function NodeFunc
}

// Edge is an unconditional transition between two nodes.
type Edge struct {
	// From is the source node ID.
	From string
	// To is the target node ID.
	To string
}

// ConditionalEdge routes from a node to one of several targets. The
// condition returns a key that is resolved through PathMap to the
// successor node.
type ConditionalEdge struct {
	// From is the source node ID.
	From string
	// Condition picks the path map key.
	Condition ConditionalFunc
	// PathMap maps condition keys to target node IDs (or End).
	PathMap map[string]string
}

// Graph is a compiled graph produced by StateGraph.Compile. It is
// immutable after compilation and safe for concurrent executors.
type Graph struct {
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
	buildErrors      []error
}

func newGraph(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Schema returns the state schema the graph was built with.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// NodeIDs returns all node IDs in lexical order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EntryPoint returns the first node executed after Start.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// Edges returns the outgoing static edges of a node.
func (g *Graph) Edges(from string) []*Edge {
	return g.edges[from]
}

// ConditionalEdge returns the conditional edge leaving a node, if any.
func (g *Graph) ConditionalEdge(from string) (*ConditionalEdge, bool) {
	edge, ok := g.conditionalEdges[from]
	return edge, ok
}

func (g *Graph) addNode(node *Node) {
	if node.ID == "" {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("node ID cannot be empty"))
		return
	}
	if node.ID == Start || node.ID == End {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("node ID %s is reserved", node.ID))
		return
	}
	if _, exists := g.nodes[node.ID]; exists {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("node %s already exists", node.ID))
		return
	}
	g.nodes[node.ID] = node
}

func (g *Graph) addEdge(edge *Edge) {
	if edge.From == "" || edge.To == "" {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("edge endpoints cannot be empty"))
		return
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
}

func (g *Graph) addConditionalEdge(edge *ConditionalEdge) {
	if edge.From == "" {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("conditional edge source cannot be empty"))
		return
	}
	if _, exists := g.conditionalEdges[edge.From]; exists {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("node %s already has a conditional edge", edge.From))
		return
	}
	g.conditionalEdges[edge.From] = edge
}

func (g *Graph) setEntryPoint(nodeID string) {
	if g.entryPoint != "" && g.entryPoint != nodeID {
		g.buildErrors = append(g.buildErrors, fmt.Errorf("entry point already set to %s", g.entryPoint))
		return
	}
	g.entryPoint = nodeID
}

// validate checks the assembled graph for structural errors.
func (g *Graph) validate() error {
	if len(g.buildErrors) > 0 {
		return g.buildErrors[0]
	}
	if g.entryPoint == "" {
		return fmt.Errorf("graph must have an entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("entry point %s is not a node", g.entryPoint)
	}
	for from, edges := range g.edges {
		if err := g.checkEndpoint(from, "source"); err != nil {
			return err
		}
		for _, edge := range edges {
			if err := g.checkEndpoint(edge.To, "target"); err != nil {
				return err
			}
		}
	}
	for from, edge := range g.conditionalEdges {
		if err := g.checkEndpoint(from, "source"); err != nil {
			return err
		}
		if edge.Condition == nil {
			return fmt.Errorf("conditional edge from %s has no condition", from)
		}
		if len(edge.PathMap) == 0 {
			return fmt.Errorf("conditional edge from %s has an empty path map", from)
		}
		for key, to := range edge.PathMap {
			if err := g.checkEndpoint(to, "target"); err != nil {
				return fmt.Errorf("path %q: %w", key, err)
			}
		}
	}
	// Every node must be able to hand off control somewhere.
	for id := range g.nodes {
		if _, ok := g.conditionalEdges[id]; ok {
			continue
		}
		if len(g.edges[id]) == 0 {
			return fmt.Errorf("node %s has no outgoing edge", id)
		}
	}
	return g.checkReachability()
}

func (g *Graph) checkEndpoint(id, role string) error {
	if id == Start || id == End {
		return nil
	}
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("edge %s %s is not a node", role, id)
	}
	return nil
}

func (g *Graph) checkReachability() error {
	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if id == End || visited[id] {
			return
		}
		visited[id] = true
		for _, edge := range g.edges[id] {
			visit(edge.To)
		}
		if ce, ok := g.conditionalEdges[id]; ok {
			for _, to := range ce.PathMap {
				visit(to)
			}
		}
	}
	visit(g.entryPoint)
	for id := range g.nodes {
		if !visited[id] {
			return fmt.Errorf("node %s is not reachable from the entry point", id)
		}
	}
	return nil
}

// successor resolves the node executed after from, given the current
// state. Conditional edges take precedence over static ones.
func (g *Graph) successor(ctx context.Context, state State, from string) (string, error) {
	if ce, ok := g.conditionalEdges[from]; ok {
		key, err := ce.Condition(ctx, state)
		if err != nil {
			return "", fmt.Errorf("condition failed: %w", err)
		}
		to, ok := ce.PathMap[key]
		if !ok {
			return "", fmt.Errorf("condition returned unmapped key %q", key)
		}
		return to, nil
	}
	edges := g.edges[from]
	if len(edges) == 0 {
		return "", fmt.Errorf("node %s has no outgoing edge", from)
	}
	return edges[0].To, nil
}
