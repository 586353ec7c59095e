package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/improver/internal/task"
)

// CheckDependencies topologically sorts tasks by DependsOn and returns
// their IDs in dependency order. Dependencies on IDs outside the set are
// ignored since they may have finished in an earlier cycle. An error
// means the links form a cycle.
//
// Dispatch never waits on dependencies; this is a consistency check only.
func CheckDependencies(tasks []*task.Task) ([]string, error) {
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		linked := false
		for _, dep := range t.DependsOn {
			if !known[dep] {
				continue
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task dependencies contain a cycle: %w", err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
