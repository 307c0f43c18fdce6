// Package graph orders named units of work into dependency batches.
//
// The resolver is shared by build steps, check suites and environment
// services. A node's level is one more than the highest level among its
// dependencies; nodes without dependencies sit at level zero. Every level
// becomes one batch, so the batch count is the minimum the dependency chains
// allow. Within a batch, nodes are sorted by name.
package graph

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Node is anything that can be scheduled by the resolver.
type Node interface {
	ID() string
	Dependencies() []string
	Parallelizable() bool
}

// Batch is one dependency level. Parallel members may run concurrently;
// Sequential members run one at a time after the parallel subset.
type Batch[N Node] struct {
	Level      int
	Parallel   []N
	Sequential []N
}

// Len returns the number of nodes in the batch.
func (b Batch[N]) Len() int {
	return len(b.Parallel) + len(b.Sequential)
}

// Nodes returns the batch in execution order: the parallel subset first,
// then the sequential members.
func (b Batch[N]) Nodes() []N {
	out := make([]N, 0, b.Len())
	out = append(out, b.Parallel...)
	return append(out, b.Sequential...)
}

type color int

const (
	white color = iota
	gray
	black
)

// Resolve validates the graph and groups nodes into batches.
//
// Returns a *pipeline.ConfigurationError for duplicate names, unknown
// dependencies, or cycles (self-dependencies included).
func Resolve[N Node](nodes []N) ([]Batch[N], error) {
	byName := make(map[string]N, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID() == "" {
			return nil, &pipeline.ConfigurationError{Reason: "unnamed node"}
		}
		if _, dup := byName[n.ID()]; dup {
			return nil, &pipeline.ConfigurationError{Reason: "duplicate name", Members: []string{n.ID()}}
		}
		byName[n.ID()] = n
		names = append(names, n.ID())
	}
	sort.Strings(names)

	for _, name := range names {
		for _, dep := range byName[name].Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, &pipeline.ConfigurationError{
					Reason:  fmt.Sprintf("%s depends on unknown %q", name, dep),
					Members: []string{name, dep},
				}
			}
		}
	}

	r := &resolver[N]{
		byName: byName,
		colors: make(map[string]color, len(nodes)),
		levels: make(map[string]int, len(nodes)),
	}
	for _, name := range names {
		if r.colors[name] == white {
			if err := r.visit(name); err != nil {
				return nil, err
			}
		}
	}

	maxLevel := -1
	for _, lvl := range r.levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	batches := make([]Batch[N], maxLevel+1)
	for i := range batches {
		batches[i].Level = i
	}
	for _, name := range names {
		n := byName[name]
		b := &batches[r.levels[name]]
		if n.Parallelizable() {
			b.Parallel = append(b.Parallel, n)
		} else {
			b.Sequential = append(b.Sequential, n)
		}
	}
	return batches, nil
}

type resolver[N Node] struct {
	byName map[string]N
	colors map[string]color
	levels map[string]int
	path   []string
}

// visit runs the three-color DFS and assigns levels in post-order.
func (r *resolver[N]) visit(name string) error {
	r.colors[name] = gray
	r.path = append(r.path, name)

	deps := append([]string(nil), r.byName[name].Dependencies()...)
	sort.Strings(deps)

	level := 0
	for _, dep := range deps {
		switch r.colors[dep] {
		case gray:
			return &pipeline.ConfigurationError{Reason: "dependency cycle", Members: r.cycleFrom(dep)}
		case white:
			if err := r.visit(dep); err != nil {
				return err
			}
		}
		if l := r.levels[dep] + 1; l > level {
			level = l
		}
	}

	r.path = r.path[:len(r.path)-1]
	r.colors[name] = black
	r.levels[name] = level
	return nil
}

// cycleFrom returns the cycle members from start back to itself.
func (r *resolver[N]) cycleFrom(start string) []string {
	for i, name := range r.path {
		if name == start {
			cycle := append([]string(nil), r.path[i:]...)
			return append(cycle, start)
		}
	}
	return []string{start, start}
}

// Flatten returns every node in execution order.
func Flatten[N Node](batches []Batch[N]) []N {
	var out []N
	for _, b := range batches {
		out = append(out, b.Nodes()...)
	}
	return out
}

// Dependents returns the names of every node that transitively depends on
// name.
func Dependents[N Node](nodes []N, name string) []string {
	reverse := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.Dependencies() {
			reverse[dep] = append(reverse[dep], n.ID())
		}
	}
	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range reverse[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
