// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package dag

import (
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/vibe/structs"
)

func testGraph(ids ...string) *Graph {
	g := New()
	for _, id := range ids {
		g.AddNode(id, 1)
	}
	return g
}

func TestGraph_AddEdge_Cycle(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B", "C")
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("B", "C"))

	err := g.AddEdge("C", "A")
	must.Error(t, err)

	var cerr *structs.CycleError
	must.True(t, errors.As(err, &cerr))
	must.Eq(t, "C", cerr.From)
	must.Eq(t, "A", cerr.To)
	must.Eq(t, "A", cerr.Node)

	// rejected edge must not be retained
	must.Eq(t, []Edge{{"A", "B"}, {"B", "C"}}, g.Edges())
}

func TestGraph_AddEdge_Validation(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B")

	must.Error(t, g.AddEdge("A", "X"))
	must.Error(t, g.AddEdge("X", "B"))

	err := g.AddEdge("A", "A")
	var cerr *structs.CycleError
	must.True(t, errors.As(err, &cerr))

	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("A", "B")) // duplicate is a no-op
	must.Eq(t, []Edge{{"A", "B"}}, g.Edges())
	must.Eq(t, 1, g.InDegree("B"))
}

func TestGraph_ConcurrentAddEdge(t *testing.T) {
	ci.Parallel(t)

	// two edges that jointly close a cycle; exactly one may win
	for i := 0; i < 50; i++ {
		g := testGraph("A", "B")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = g.AddEdge("A", "B")
		}()
		go func() {
			defer wg.Done()
			errs[1] = g.AddEdge("B", "A")
		}()
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
				var cerr *structs.CycleError
				must.True(t, errors.As(err, &cerr))
			}
		}
		must.Eq(t, 1, failed)
		must.Len(t, 1, g.Edges())
		must.NoError(t, g.Validate())
	}
}

func TestGraph_ReadyTasks(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B", "C", "D")
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("A", "C"))
	must.NoError(t, g.AddEdge("B", "D"))
	must.NoError(t, g.AddEdge("C", "D"))

	must.Eq(t, []string{"A"}, g.ReadyTasks(set.New[string](0)))
	must.Eq(t, []string{"B", "C"}, g.ReadyTasks(set.From([]string{"A"})))
	must.Eq(t, []string{"C"}, g.ReadyTasks(set.From([]string{"A", "B"})))
	must.Eq(t, []string{"D"}, g.ReadyTasks(set.From([]string{"A", "B", "C"})))
	must.Eq(t, []string{}, g.ReadyTasks(set.From([]string{"A", "B", "C", "D"})))
}

func TestGraph_TopoLevels(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B", "C", "D", "E")
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("A", "C"))
	must.NoError(t, g.AddEdge("B", "D"))
	must.NoError(t, g.AddEdge("C", "D"))

	levels := g.TopoLevels()
	must.Eq(t, [][]string{{"A", "E"}, {"B", "C"}, {"D"}}, levels)

	// memoized view survives until the next mutation
	must.Eq(t, levels, g.TopoLevels())
	g.AddNode("F", 1)
	must.Eq(t, [][]string{{"A", "E", "F"}, {"B", "C"}, {"D"}}, g.TopoLevels())
}

func TestGraph_CriticalPath(t *testing.T) {
	ci.Parallel(t)

	g := New()
	g.AddNode("A", 5)
	g.AddNode("B", 10)
	g.AddNode("C", 2)
	g.AddNode("D", 3)
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("A", "C"))
	must.NoError(t, g.AddEdge("B", "D"))
	must.NoError(t, g.AddEdge("C", "D"))

	// A -> B -> D = 5 + 10 + 3
	cp := g.CriticalPath("A")
	must.Eq(t, 18.0, cp.Length)
	must.Eq(t, []string{"A", "B", "D"}, cp.Path)

	must.Eq(t, 5.0, g.CriticalPathLength("C"))
	must.Eq(t, 3.0, g.CriticalPathLength("D"))
	must.Eq(t, 0.0, g.CriticalPathLength("missing"))

	// mutation invalidates the memo
	g.AddNode("E", 100)
	must.NoError(t, g.AddEdge("D", "E"))
	must.Eq(t, 118.0, g.CriticalPathLength("A"))
}

func TestGraph_CriticalPath_DefaultWeight(t *testing.T) {
	ci.Parallel(t)

	g := New()
	g.AddNode("A", 0) // no estimate, falls back to 1
	g.AddNode("B", 0)
	must.NoError(t, g.AddEdge("A", "B"))

	must.Eq(t, 2.0, g.CriticalPathLength("A"))
}

func TestGraph_Remove(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B", "C")
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("B", "C"))

	g.Remove("B")
	must.Eq(t, 2, g.Len())
	must.Eq(t, []Edge{}, g.Edges())
	must.Eq(t, 0, g.InDegree("C"))

	// A -> C is now legal, no stale reachability
	must.NoError(t, g.AddEdge("C", "A"))

	g.Remove("missing") // no-op
	must.Eq(t, 2, g.Len())
}

func TestGraph_Copy(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B")
	must.NoError(t, g.AddEdge("A", "B"))

	cp := g.Copy()
	cp.AddNode("C", 1)
	must.NoError(t, cp.AddEdge("B", "C"))

	must.Eq(t, 2, g.Len())
	must.Eq(t, 3, cp.Len())
	must.Len(t, 1, g.Edges())
	must.Len(t, 2, cp.Edges())
}

func TestGraph_Degrees(t *testing.T) {
	ci.Parallel(t)

	g := testGraph("A", "B", "C")
	must.NoError(t, g.AddEdge("A", "B"))
	must.NoError(t, g.AddEdge("A", "C"))

	must.Eq(t, 0, g.InDegree("A"))
	must.Eq(t, 2, g.OutDegree("A"))
	must.Eq(t, 1, g.InDegree("B"))
	must.Eq(t, 0, g.InDegree("missing"))
	must.Eq(t, []string{"B", "C"}, g.Dependents("A"))
	must.Eq(t, []string{"A"}, g.Dependencies("C"))
}
