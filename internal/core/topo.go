package core

import (
	"slices"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. Path holds the flag keys on the
// traversal path when the cycle was found.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "detected a cycle between flags " + strings.Join(e.Path, " -> ")
}

// TopologicalSort orders the flags reachable from roots so that every flag
// follows its dependencies. Nil or empty roots means every flag, in key order.
// Dependencies missing from flags are skipped. Each flag is emitted once.
func TopologicalSort(flags map[string]Flag, roots []string) ([]Flag, error) {
	available := make(map[string]Flag, len(flags))
	for key, flag := range flags {
		available[key] = flag
	}

	if len(roots) == 0 {
		roots = make([]string, 0, len(flags))
		for key := range flags {
			roots = append(roots, key)
		}
		sort.Strings(roots)
	}

	sorted := make([]Flag, 0, len(flags))
	for _, key := range roots {
		var err error
		sorted, err = visit(key, available, nil, sorted)
		if err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

func visit(key string, available map[string]Flag, path []string, sorted []Flag) ([]Flag, error) {
	flag, ok := available[key]
	if !ok {
		return sorted, nil
	}

	if len(flag.Dependencies) > 0 {
		path = append(path, key)
		for _, dependency := range flag.Dependencies {
			if slices.Contains(path, dependency) {
				return nil, &CycleError{Path: slices.Clone(path)}
			}
			var err error
			sorted, err = visit(dependency, available, path, sorted)
			if err != nil {
				return nil, err
			}
		}
	}

	delete(available, key)
	return append(sorted, flag), nil
}
