package scheduler

import (
	"testing"

	"github.com/aristath/improver/internal/task"
)

func newTask(id string, deps ...string) *task.Task {
	return &task.Task{ID: id, Status: task.StatusPending, DependsOn: deps}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

// TestCheckDependencies_Order verifies dependencies sort before dependents.
func TestCheckDependencies_Order(t *testing.T) {
	tasks := []*task.Task{
		newTask("c", "b"),
		newTask("b", "a"),
		newTask("a"),
		newTask("d"),
	}

	order, err := CheckDependencies(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 ids, got %v", order)
	}
	if !(indexOf(order, "a") < indexOf(order, "b") && indexOf(order, "b") < indexOf(order, "c")) {
		t.Errorf("dependency order violated: %v", order)
	}
}

// TestCheckDependencies_UnknownIgnored verifies links to finished tasks are ignored.
func TestCheckDependencies_UnknownIgnored(t *testing.T) {
	order, err := CheckDependencies([]*task.Task{newTask("a", "finished-long-ago")})
	if err != nil || len(order) != 1 || order[0] != "a" {
		t.Errorf("got %v, %v", order, err)
	}
}

// TestCheckDependencies_Cycle verifies cycles are reported.
func TestCheckDependencies_Cycle(t *testing.T) {
	if _, err := CheckDependencies([]*task.Task{newTask("a", "b"), newTask("b", "a")}); err == nil {
		t.Error("expected cycle error")
	}
}
