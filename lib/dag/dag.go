// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package dag provides the directed acyclic dependency graph over atomic
// task IDs. An edge (from, to) means from must finish before to starts.
// The graph rejects edges that would close a cycle, keeps derived views
// (topological levels, critical-path lengths, degrees) memoized between
// mutations, and orders every result by ID so identical inputs always
// yield identical output.
package dag

import (
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/vibe/vibe/structs"
)

// Edge is one dependency constraint between two nodes.
type Edge struct {
	From string
	To   string
}

// CriticalPath is the longest weighted path from a node to any sink.
type CriticalPath struct {
	Path   []string
	Length float64
}

// Graph is a mutable DAG safe for concurrent use. Writes are serialized;
// reads may run concurrently and share the memoized derived views.
type Graph struct {
	lock sync.RWMutex

	weights map[string]float64
	out     map[string]*set.Set[string]
	in      map[string]*set.Set[string]

	// memoized views, nil until computed, reset by any mutation
	memoLevels   [][]string
	memoCritical map[string]*CriticalPath
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		weights: make(map[string]float64),
		out:     make(map[string]*set.Set[string]),
		in:      make(map[string]*set.Set[string]),
	}
}

// AddNode inserts a node with the given weight. Weights feed critical-path
// math; nodes without a meaningful effort estimate should carry weight 1.
// Re-adding an existing node updates its weight only.
func (g *Graph) AddNode(id string, weight float64) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if weight <= 0 {
		weight = 1
	}
	if _, ok := g.weights[id]; !ok {
		g.out[id] = set.New[string](0)
		g.in[id] = set.New[string](0)
	}
	g.weights[id] = weight
	g.invalidate()
}

// Contains reports whether the node exists.
func (g *Graph) Contains(id string) bool {
	g.lock.RLock()
	defer g.lock.RUnlock()
	_, ok := g.weights[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.weights)
}

// Nodes returns all node IDs in ascending order.
func (g *Graph) Nodes() []string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.sortedNodesLocked()
}

func (g *Graph) sortedNodesLocked() []string {
	ids := make([]string, 0, len(g.weights))
	for id := range g.weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Weight returns the node's weight, or 0 for a missing node.
func (g *Graph) Weight(id string) float64 {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.weights[id]
}

// AddEdge inserts the constraint "from must finish before to". Both
// endpoints must exist. Duplicate edges are a no-op. An edge that would
// close a cycle is rejected with a CycleError and is not retained.
func (g *Graph) AddEdge(from, to string) error {
	g.lock.Lock()
	defer g.lock.Unlock()

	if _, ok := g.weights[from]; !ok {
		return structs.NewValidationError("from", "unknown node "+from)
	}
	if _, ok := g.weights[to]; !ok {
		return structs.NewValidationError("to", "unknown node "+to)
	}
	if from == to {
		return structs.NewCycleError(from, to, to)
	}
	if g.out[from].Contains(to) {
		return nil
	}

	// adding from->to closes a cycle iff from is reachable from to
	if g.reachableLocked(to, from) {
		return structs.NewCycleError(from, to, to)
	}

	g.out[from].Insert(to)
	g.in[to].Insert(from)
	g.invalidate()
	return nil
}

// reachableLocked reports whether target can be reached from start by
// following out-edges. Iterative DFS; caller holds the lock.
func (g *Graph) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	visited := set.New[string](len(g.weights))
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visited.Insert(n) {
			continue
		}
		for next := range g.out[n].Items() {
			if next == target {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}

// Remove deletes a node and all edges touching it. Unknown IDs are a
// no-op.
func (g *Graph) Remove(id string) {
	g.lock.Lock()
	defer g.lock.Unlock()

	if _, ok := g.weights[id]; !ok {
		return
	}
	for next := range g.out[id].Items() {
		g.in[next].Remove(id)
	}
	for prev := range g.in[id].Items() {
		g.out[prev].Remove(id)
	}
	delete(g.weights, id)
	delete(g.out, id)
	delete(g.in, id)
	g.invalidate()
}

// Edges returns every edge ordered by (From, To).
func (g *Graph) Edges() []Edge {
	g.lock.RLock()
	defer g.lock.RUnlock()

	edges := make([]Edge, 0)
	for _, from := range g.sortedNodesLocked() {
		tos := g.out[from].Slice()
		sort.Strings(tos)
		for _, to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// InDegree returns the number of unfinished prerequisites tracked for the
// node.
func (g *Graph) InDegree(id string) int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if s, ok := g.in[id]; ok {
		return s.Size()
	}
	return 0
}

// OutDegree returns the number of nodes depending on this one.
func (g *Graph) OutDegree(id string) int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if s, ok := g.out[id]; ok {
		return s.Size()
	}
	return 0
}

// Dependencies returns the direct prerequisites of the node in ascending
// order.
func (g *Graph) Dependencies(id string) []string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if s, ok := g.in[id]; ok {
		deps := s.Slice()
		sort.Strings(deps)
		return deps
	}
	return nil
}

// Dependents returns the nodes directly blocked by this one in ascending
// order.
func (g *Graph) Dependents(id string) []string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if s, ok := g.out[id]; ok {
		outs := s.Slice()
		sort.Strings(outs)
		return outs
	}
	return nil
}

// ReadyTasks returns the nodes outside done whose prerequisites are all in
// done, ascending by ID. Runs in O(V+E).
func (g *Graph) ReadyTasks(done *set.Set[string]) []string {
	g.lock.RLock()
	defer g.lock.RUnlock()

	ready := make([]string, 0)
	for id, deps := range g.in {
		if done.Contains(id) {
			continue
		}
		ok := true
		for dep := range deps.Items() {
			if !done.Contains(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// TopoLevels returns the nodes grouped into topological levels: level 0
// holds nodes with no prerequisites, level n nodes whose prerequisites all
// sit in earlier levels. Memoized until the next mutation.
func (g *Graph) TopoLevels() [][]string {
	g.lock.RLock()
	if g.memoLevels != nil {
		defer g.lock.RUnlock()
		return g.memoLevels
	}
	g.lock.RUnlock()

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.memoLevels == nil {
		g.memoLevels = g.computeLevelsLocked()
	}
	return g.memoLevels
}

func (g *Graph) computeLevelsLocked() [][]string {
	indegree := make(map[string]int, len(g.weights))
	for id, deps := range g.in {
		indegree[id] = deps.Size()
	}

	frontier := make([]string, 0)
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	levels := make([][]string, 0)
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		next := make([]string, 0)
		for _, id := range frontier {
			for child := range g.out[id].Items() {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return levels
}

// CriticalPath returns the longest weighted path from the node to any
// sink, inclusive of the node's own weight. Missing nodes return an empty
// path.
func (g *Graph) CriticalPath(id string) *CriticalPath {
	all := g.CriticalPathAll()
	if cp, ok := all[id]; ok {
		return cp
	}
	return &CriticalPath{}
}

// CriticalPathLength is a convenience accessor for schedulers that only
// rank by length.
func (g *Graph) CriticalPathLength(id string) float64 {
	return g.CriticalPath(id).Length
}

// CriticalPathAll computes the critical path for every node in one linear
// pass over the DAG in reverse topological order. Memoized until the next
// mutation.
func (g *Graph) CriticalPathAll() map[string]*CriticalPath {
	g.lock.RLock()
	if g.memoCritical != nil {
		defer g.lock.RUnlock()
		return g.memoCritical
	}
	g.lock.RUnlock()

	g.lock.Lock()
	defer g.lock.Unlock()
	if g.memoCritical == nil {
		g.memoCritical = g.computeCriticalLocked()
	}
	return g.memoCritical
}

func (g *Graph) computeCriticalLocked() map[string]*CriticalPath {
	if g.memoLevels == nil {
		g.memoLevels = g.computeLevelsLocked()
	}

	out := make(map[string]*CriticalPath, len(g.weights))
	for i := len(g.memoLevels) - 1; i >= 0; i-- {
		for _, id := range g.memoLevels[i] {
			best := ""
			bestLen := 0.0
			children := g.out[id].Slice()
			sort.Strings(children)
			for _, child := range children {
				if cp := out[child]; cp != nil && (best == "" || cp.Length > bestLen) {
					best = child
					bestLen = cp.Length
				}
			}
			cp := &CriticalPath{Length: g.weights[id] + bestLen}
			cp.Path = append(cp.Path, id)
			if best != "" {
				cp.Path = append(cp.Path, out[best].Path...)
			}
			out[id] = cp
		}
	}
	return out
}

// Copy returns an independent deep copy of the graph.
func (g *Graph) Copy() *Graph {
	g.lock.RLock()
	defer g.lock.RUnlock()

	ng := New()
	for id, w := range g.weights {
		ng.weights[id] = w
		ng.out[id] = g.out[id].Copy()
		ng.in[id] = g.in[id].Copy()
	}
	return ng
}

// Validate checks structural invariants: every edge endpoint exists and
// the graph is acyclic. Used by loaders that accept external graph files.
func (g *Graph) Validate() error {
	g.lock.RLock()
	defer g.lock.RUnlock()

	for from, tos := range g.out {
		for to := range tos.Items() {
			if _, ok := g.weights[to]; !ok {
				return structs.NewValidationError("edge", "edge "+from+" -> "+to+" references unknown node")
			}
		}
	}

	levels := g.computeLevelsLocked()
	seen := 0
	for _, level := range levels {
		seen += len(level)
	}
	if seen != len(g.weights) {
		stranded := make([]string, 0)
		reached := set.New[string](seen)
		for _, level := range levels {
			reached.InsertSlice(level)
		}
		for id := range g.weights {
			if !reached.Contains(id) {
				stranded = append(stranded, id)
			}
		}
		slices.Sort(stranded)
		return structs.NewCycleError("", "", stranded[0])
	}
	return nil
}

func (g *Graph) invalidate() {
	g.memoLevels = nil
	g.memoCritical = nil
}
