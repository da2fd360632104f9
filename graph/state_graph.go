//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "fmt"

// StateGraph provides a fluent interface for building graphs. This is
// the primary public API for creating executable graphs.
//
// Example usage:
//
//	schema := NewStateSchema().AddField("counter", StateField{...})
//	graph, err := NewStateGraph(schema).
//		AddNode("increment", incrementFunc).
//		SetEntryPoint("increment").
//		SetFinishPoint("increment").
//		Compile()
//
// The compiled Graph can then be executed with NewExecutor(graph).
type StateGraph struct {
	graph *Graph
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{graph: newGraph(schema)}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// AddNode adds a node with the given ID and function. Name and
// description can be set with the options.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.addNode(node)
	return sg
}

// AddEdge adds a static edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.graph.addEdge(&Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges adds conditional routing from a node. The
// condition's return value is resolved through pathMap to the successor.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	sg.graph.addConditionalEdge(&ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	})
	return sg
}

// SetEntryPoint sets the entry point of the graph. This is equivalent
// to AddEdge(Start, nodeID).
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.graph.setEntryPoint(nodeID)
	sg.AddEdge(Start, nodeID)
	return sg
}

// SetFinishPoint marks a node as terminal. This is equivalent to
// AddEdge(nodeID, End).
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	sg.AddEdge(nodeID, End)
	return sg
}

// Compile validates the graph and returns it for execution.
func (sg *StateGraph) Compile() (*Graph, error) {
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	graph, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return graph
}
