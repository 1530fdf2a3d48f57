package queue

import (
	"errors"
	"testing"
)

func TestHasCycle(t *testing.T) {
	cases := []struct {
		name string
		adj  map[string][]string
		want bool
	}{
		{"empty", map[string][]string{}, false},
		{"single", map[string][]string{"a": nil}, false},
		{"chain", map[string][]string{"a": nil, "b": {"a"}, "c": {"b"}}, false},
		{"diamond", map[string][]string{"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}}, false},
		{"self loop", map[string][]string{"a": {"a"}}, true},
		{"two cycle", map[string][]string{"a": {"b"}, "b": {"a"}}, true},
		{"long cycle", map[string][]string{"a": {"c"}, "b": {"a"}, "c": {"b"}}, true},
		{"cycle in branch", map[string][]string{"a": nil, "b": {"a", "d"}, "c": {"b"}, "d": {"c"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got := hasCycle(tc.adj)
			if got != tc.want {
				t.Errorf("hasCycle = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTopoOrder(t *testing.T) {
	adj := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}
	order, err := topoOrder(adj)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for id, deps := range adj {
		for _, dep := range deps {
			if pos[dep] > pos[id] {
				t.Errorf("dependency %s ordered after %s: %v", dep, id, order)
			}
		}
	}
}

func TestTopoOrderCyclic(t *testing.T) {
	adj := map[string][]string{"a": {"b"}, "b": {"a"}}
	_, err := topoOrder(adj)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("got %v, want ErrCycleDetected", err)
	}
}
