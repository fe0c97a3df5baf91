package dependency

import (
	"testing"
	"time"

	"github.com/d0labs/aof/internal/task"
)

func idxOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestTopoOrderer_OrdersByDependsOn(t *testing.T) {
	now := time.Now()
	tasks := []*task.Task{
		{ID: "c", DependsOn: []string{"a", "b"}, UpdatedAt: now},
		{ID: "a", UpdatedAt: now},
		{ID: "b", DependsOn: []string{"a"}, UpdatedAt: now},
	}

	o := NewTopoOrderer(8)
	order, err := o.Order(tasks)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if idxOf(order, "a") > idxOf(order, "b") {
		t.Fatalf("expected a before b, got %v", order)
	}
	if idxOf(order, "b") > idxOf(order, "c") {
		t.Fatalf("expected b before c, got %v", order)
	}
}

func TestTopoOrderer_ErrorsOnCycle(t *testing.T) {
	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", DependsOn: []string{"b"}, UpdatedAt: now},
		{ID: "b", DependsOn: []string{"a"}, UpdatedAt: now},
	}

	o := NewTopoOrderer(8)
	_, err := o.Order(tasks)
	if err == nil {
		t.Fatal("expected an error for a cyclic dependency graph")
	}
}

func TestTopoOrderer_CachesBySignature(t *testing.T) {
	now := time.Now()
	tasks := []*task.Task{
		{ID: "a", UpdatedAt: now},
		{ID: "b", DependsOn: []string{"a"}, UpdatedAt: now},
	}

	o := NewTopoOrderer(8)
	first, err := o.Order(tasks)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Order(tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("expected identical cached results, got %v vs %v", first, second)
	}

	tasks[1].UpdatedAt = now.Add(time.Second)
	third, err := o.Order(tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 2 {
		t.Fatalf("expected recomputation to still produce a valid order, got %v", third)
	}
}
