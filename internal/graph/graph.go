// Package graph validates step dependencies and answers which steps can run.
//
// A Resolver is built once per run. Construction rejects duplicate names,
// dependencies on unknown steps and cycles, so a run never starts on a graph
// that cannot complete.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a named unit of work with named prerequisites.
type Node interface {
	Name() string
	Dependencies() []string
}

// Resolver answers dependency queries over a fixed set of nodes.
// It is immutable after construction and safe for concurrent reads.
type Resolver struct {
	nodes []Node
	deps  map[string][]string
}

// NewResolver validates nodes and returns a resolver over them.
//
// Errors are *ConfigError with code DUPLICATE_STEP, UNKNOWN_DEPENDENCY or
// CYCLE, checked in that order.
func NewResolver(nodes []Node) (*Resolver, error) {
	r := &Resolver{
		nodes: append([]Node(nil), nodes...),
		deps:  make(map[string][]string, len(nodes)),
	}

	g := adjacency{edges: make(map[string][]string, len(nodes))}
	for _, n := range nodes {
		name := n.Name()
		if _, dup := r.deps[name]; dup {
			return nil, &ConfigError{
				Code:    ErrCodeDuplicateStep,
				Message: fmt.Sprintf("step %q declared more than once", name),
				Names:   []string{name},
			}
		}
		deps := uniqueStrings(n.Dependencies())
		r.deps[name] = deps
		g.order = append(g.order, name)
		g.edges[name] = deps
	}

	var unknown []string
	seen := map[string]bool{}
	for _, name := range g.order {
		for _, dep := range r.deps[name] {
			if _, ok := r.deps[dep]; !ok && !seen[dep] {
				seen[dep] = true
				unknown = append(unknown, dep)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &ConfigError{
			Code:    ErrCodeUnknownDependency,
			Message: "unknown dependencies: " + strings.Join(unknown, ", "),
			Names:   unknown,
		}
	}

	if path := findCycle(g); path != nil {
		return nil, newCycleError(path)
	}
	return r, nil
}

// Len returns the number of nodes.
func (r *Resolver) Len() int { return len(r.nodes) }

// Nodes returns the nodes in declaration order.
func (r *Resolver) Nodes() []Node {
	return append([]Node(nil), r.nodes...)
}

// Dependencies returns the deduplicated dependencies of name.
func (r *Resolver) Dependencies(name string) []string {
	return append([]string(nil), r.deps[name]...)
}

// Resolvable returns, in declaration order, every node not in completed
// whose dependencies are all in completed.
func (r *Resolver) Resolvable(completed map[string]bool) []Node {
	var out []Node
	for _, n := range r.nodes {
		if !completed[n.Name()] && r.ready(n.Name(), completed) {
			out = append(out, n)
		}
	}
	return out
}

// Stalled reports whether no progress is possible: nodes remain, none is
// running and none is resolvable. A validated graph never stalls; callers
// use this as a guard against scheduling bugs.
func (r *Resolver) Stalled(completed, running map[string]bool) bool {
	if len(running) > 0 || len(completed) >= len(r.nodes) {
		return false
	}
	for _, n := range r.nodes {
		if !completed[n.Name()] && !running[n.Name()] && r.ready(n.Name(), completed) {
			return false
		}
	}
	return true
}

// Order groups nodes into layers: every node's dependencies lie in earlier
// layers. Within a layer nodes keep declaration order.
func (r *Resolver) Order() [][]string {
	completed := make(map[string]bool, len(r.nodes))
	var layers [][]string
	for len(completed) < len(r.nodes) {
		var layer []string
		for _, n := range r.Resolvable(completed) {
			layer = append(layer, n.Name())
		}
		if len(layer) == 0 {
			break
		}
		for _, name := range layer {
			completed[name] = true
		}
		layers = append(layers, layer)
	}
	return layers
}

func (r *Resolver) ready(name string, completed map[string]bool) bool {
	for _, dep := range r.deps[name] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
