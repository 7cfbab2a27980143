// SPDX-License-Identifier: MPL-2.0

// Package dag orders module bundles before loading. Edges point from a
// module to the modules that must load after it: dependencies before their
// dependents, and "loadBefore" hints before the modules they name.
package dag

import (
	"fmt"
	"strings"
)

type (
	// CycleError reports a cycle; Cycle starts and ends with the same node.
	CycleError struct {
		Cycle []string
	}

	// Graph is a directed graph keyed by node name.
	Graph struct {
		adjacency map[string][]string
		edges     map[[2]string]bool
		nodes     []string
		nodeSet   map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		edges:     make(map[[2]string]bool),
		nodeSet:   make(map[string]bool),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// HasNode reports whether name was added.
func (g *Graph) HasNode(name string) bool {
	return g.nodeSet[name]
}

// AddEdge records that from must come before to. Both nodes are added
// implicitly; duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	key := [2]string{from, to}
	if g.edges[key] {
		return
	}
	g.edges[key] = true
	g.adjacency[from] = append(g.adjacency[from], to)
}

// TopologicalSort returns an order in which every edge points forward,
// using Kahn's algorithm. Nodes that become ready at the same time keep
// their insertion order. A cycle yields a *CycleError naming one cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, targets := range g.adjacency {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	var queue []string
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, to := range g.adjacency[n] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.FindCycle()}
	}
	return result, nil
}

// FindCycle returns one cycle as a closed path (first == last), or nil.
func (g *Graph) FindCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		state[n] = inProgress
		stack = append(stack, n)
		for _, to := range g.adjacency[n] {
			switch state[to] {
			case inProgress:
				for i, s := range stack {
					if s == to {
						return append(append([]string(nil), stack[i:]...), to)
					}
				}
			case unvisited:
				if c := visit(to); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for _, n := range g.nodes {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}
