// Package dag validates task-dependency graphs at submission time.
package dag

// HasCycle reports whether the dependency graph contains a cycle.
// deps maps each task key to the keys it depends on. Detection is a
// topological drain: nodes whose in-degree never reaches zero sit on a
// cycle. Keys referenced only as dependencies are treated as nodes with no
// dependencies of their own.
func HasCycle(deps map[string][]string) bool {
	inDegrees := make(map[string]int, len(deps))
	from := make(map[string][]string, len(deps))
	for node, nodeDeps := range deps {
		if _, ok := inDegrees[node]; !ok {
			inDegrees[node] = 0
		}
		for _, dep := range nodeDeps {
			if _, ok := inDegrees[dep]; !ok {
				inDegrees[dep] = 0
			}
			inDegrees[node]++
			from[dep] = append(from[dep], node)
		}
	}

	var q []string
	for node, degree := range inDegrees {
		if degree == 0 {
			q = append(q, node)
		}
	}

	for len(q) > 0 {
		var f string
		f, q = q[0], q[1:]
		for _, to := range from[f] {
			inDegrees[to]--
			if inDegrees[to] == 0 {
				q = append(q, to)
			}
		}
	}

	for _, degree := range inDegrees {
		if degree > 0 {
			return true
		}
	}

	return false
}
