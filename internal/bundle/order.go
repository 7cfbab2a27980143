// SPDX-License-Identifier: MPL-2.0

package bundle

import (
	"strings"

	"github.com/modbot/modbot/internal/dag"
	"github.com/modbot/modbot/pkg/descriptor"
)

// Order returns the indexes of descs in load order: dependencies (hard and
// soft) before their dependents and modules before the ones they list in
// loadBefore, otherwise in the given order. Names that are not among descs
// are ignored. When the constraints form a cycle, the given order is
// returned together with the *dag.CycleError.
func Order(descs []*descriptor.Descriptor) ([]int, error) {
	index := make(map[string]int, len(descs))
	g := dag.New()
	for i, d := range descs {
		key := strings.ToLower(d.Name)
		if _, dup := index[key]; dup {
			continue
		}
		index[key] = i
		g.AddNode(key)
	}

	edge := func(from, to string) {
		from, to = strings.ToLower(from), strings.ToLower(to)
		if from == to || !g.HasNode(from) || !g.HasNode(to) {
			return
		}
		g.AddEdge(from, to)
	}
	for _, d := range descs {
		for _, dep := range d.HardDependencies {
			edge(dep, d.Name)
		}
		for _, dep := range d.SoftDependencies {
			edge(dep, d.Name)
		}
		for _, later := range d.LoadBefore {
			edge(d.Name, later)
		}
	}

	identity := make([]int, len(descs))
	for i := range identity {
		identity[i] = i
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return identity, err
	}

	out := make([]int, 0, len(descs))
	placed := make([]bool, len(descs))
	for _, key := range sorted {
		i := index[key]
		out = append(out, i)
		placed[i] = true
	}
	// Duplicate names keep their discovery position at the end so the
	// manager can reject them.
	for i, ok := range placed {
		if !ok {
			out = append(out, i)
		}
	}
	return out, nil
}
