package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

func TestTopologicalOrder_DependenciesFirst(t *testing.T) {
	g := New()
	g.AddEdge("key-store.filtered", "key-store.source")
	g.AddEdge("management.native-interface", "sasl-authentication-factory.f1")
	g.AddNode("credential-store.cs")

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	if pos["key-store.source"] > pos["key-store.filtered"] {
		t.Fatalf("dependency ordered after dependent: %v", order)
	}
	if pos["sasl-authentication-factory.f1"] > pos["management.native-interface"] {
		t.Fatalf("dependency ordered after dependent: %v", order)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 nodes, got %v", order)
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	build := func() *DependencyGraph {
		g := New()
		for _, n := range []string{"c", "a", "b", "d"} {
			g.AddNode(n)
		}
		g.AddEdge("d", "a")
		return g
	}
	first, _ := build().TopologicalOrder()
	second, _ := build().TopologicalOrder()
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("expected deterministic order, got %v vs %v", first, second)
	}
	if strings.Join(first, ",") != "a,b,c,d" {
		t.Fatalf("unexpected order %v", first)
	}
}

func TestTopologicalOrder_ReportsCycle(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	_, err := g.TopologicalOrder()
	if !errors.Is(err, errdefs.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Fatalf("expected cycle path in error, got %q", err.Error())
	}
}

func TestHasPathAndDependents(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("x", "c")

	if !g.HasPath("a", "c") {
		t.Fatalf("expected a -> c")
	}
	if g.HasPath("c", "a") {
		t.Fatalf("did not expect c -> a")
	}
	if got := g.DependentsOf("c"); strings.Join(got, ",") != "b,x" {
		t.Fatalf("DependentsOf(c) = %v", got)
	}

	rev, err := g.ReverseTopologicalOrder()
	if err != nil {
		t.Fatalf("ReverseTopologicalOrder: %v", err)
	}
	if rev[len(rev)-1] != "c" {
		t.Fatalf("expected c torn down last, got %v", rev)
	}
}
