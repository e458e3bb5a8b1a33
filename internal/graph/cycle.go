package graph

// adjacency maps step name -> names it depends on, in a stable order.
type adjacency struct {
	order []string
	edges map[string][]string
}

// findCycle returns one dependency cycle as a path whose first and last
// names are equal, or nil when the graph is acyclic.
//
// The algorithm:
//  1. Use Tarjan's algorithm to find strongly connected components
//  2. The first SCC with size > 1, or a single node with a self-loop, is a cycle
//  3. Reconstruct a path through that SCC
//
// Nodes and edges are visited in declaration order so the reported cycle is
// deterministic.
func findCycle(g adjacency) []string {
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 {
			if hasSelfLoop(scc[0], g) {
				return []string{scc[0], scc[0]}
			}
			continue
		}
		return reconstructCyclePath(scc, g)
	}
	return nil
}

func hasSelfLoop(node string, g adjacency) bool {
	for _, neighbor := range g.edges[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Each SCC lists its members in the order they were popped.
func tarjanSCC(g adjacency) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds a closed path through an SCC.
//
// Start at the SCC member declared first, follow edges to other members and
// stop on returning to the start. Every node of an SCC reaches the start, so
// a depth-first walk restricted to the SCC always closes the path.
func reconstructCyclePath(scc []string, g adjacency) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}
	start := ""
	for _, node := range g.order {
		if members[node] {
			start = node
			break
		}
	}

	visited := map[string]bool{}
	var path []string
	var walk func(string) bool
	walk = func(v string) bool {
		visited[v] = true
		path = append(path, v)
		for _, w := range g.edges[v] {
			if w == start {
				path = append(path, start)
				return true
			}
			if members[w] && !visited[w] && walk(w) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	walk(start)
	return path
}
