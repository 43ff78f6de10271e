// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler turns a session's atomic tasks, their dependency
// graph, and the current worker pool into an execution plan. The
// scheduler only plans: it simulates execution on a virtual clock to
// order assignments, and the dispatcher re-invokes it whenever real
// timing diverges (task completion, failure, worker churn).
package scheduler

import (
	"container/heap"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/vibe/lib/dag"
	"github.com/hashicorp/vibe/vibe/structs"
)

// Assignment binds one task to one worker. StartOrder is a global
// monotone pick counter: for every dependency edge u -> v the plan
// guarantees StartOrder(u) < StartOrder(v).
type Assignment struct {
	TaskID   string
	WorkerID string

	StartOrder int

	// StartAt and FinishAt are simulated minutes from plan start. Real
	// execution timing may diverge; the dispatcher re-plans when it does.
	StartAt  float64
	FinishAt float64
}

// Plan is the output of one scheduling pass.
type Plan struct {
	Algorithm structs.SchedulerAlgorithm

	// Assignments maps task ID to its placement.
	Assignments map[string]*Assignment

	// WorkerOrder lists each worker's tasks in execution order.
	WorkerOrder map[string][]string

	// Blocked holds tasks no worker in the pool is capable of running,
	// plus their transitive dependents. Blocked tasks are not failed;
	// they wait for the pool to change.
	Blocked []string

	// Makespan is the simulated end-to-end duration in minutes.
	Makespan float64
}

// Ordered returns the assigned task IDs by ascending start order.
func (p *Plan) Ordered() []string {
	out := make([]string, 0, len(p.Assignments))
	for id := range p.Assignments {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return p.Assignments[out[i]].StartOrder < p.Assignments[out[j]].StartOrder
	})
	return out
}

// Scheduler plans task placement. Safe for concurrent use; each
// Schedule call builds its own simulation state.
type Scheduler struct {
	logger hclog.Logger
}

func New(logger hclog.Logger) *Scheduler {
	return &Scheduler{logger: logger.Named("scheduler")}
}

// Schedule produces a plan for the given tasks under the policy's
// algorithm. Workers are assumed free at plan start. A task whose
// prerequisites are all assigned (running or done in the simulation) is
// ready; picking among ready tasks follows the policy algorithm with
// ties broken by lower task ID. An empty ready set while unblocked
// tasks remain is a DeadlockError.
func (s *Scheduler) Schedule(atomics []*structs.AtomicTask, graph *dag.Graph,
	workers []*structs.Worker, policy structs.SchedulerPolicy) (*Plan, error) {

	defer metrics.MeasureSince([]string{"vibe", "scheduler", "schedule"}, time.Now())

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	pick := builtinPickers[policy.Algorithm]

	sim := newSimulation(atomics, graph, workers, policy)
	sim.blockUncoverable()

	for !sim.done() {
		cands := sim.candidates()
		if len(cands) == 0 {
			if sim.advance() {
				continue
			}
			// Nothing running and nothing startable: remaining tasks
			// wait on prerequisites that can never be satisfied.
			remaining := sim.remaining()
			s.logger.Error("scheduling deadlock", "algorithm", policy.Algorithm,
				"remaining", len(remaining))
			metrics.IncrCounter([]string{"vibe", "scheduler", "deadlock"}, 1)
			return nil, structs.NewDeadlockError(remaining)
		}
		winner, worker := pick(sim, cands)
		sim.assign(winner, worker)
	}

	plan := sim.plan
	plan.Blocked = sim.blocked.Slice()
	sort.Strings(plan.Blocked)
	plan.Makespan = sim.maxFinish

	s.logger.Debug("plan complete", "algorithm", policy.Algorithm,
		"assignments", len(plan.Assignments), "blocked", len(plan.Blocked),
		"makespan_minutes", plan.Makespan)
	metrics.SetGauge([]string{"vibe", "scheduler", "blocked"}, float32(len(plan.Blocked)))
	return plan, nil
}

// workerState tracks one worker through the simulation.
type workerState struct {
	worker    *structs.Worker
	running   string
	busyUntil float64
	load      float64
}

func (w *workerState) idle() bool { return w.running == "" }

// completion is one entry in the virtual-clock heap.
type completion struct {
	finishAt float64
	taskID   string
	worker   *workerState
}

type completionHeap []*completion

func (h completionHeap) Len() int      { return len(h) }
func (h completionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h completionHeap) Less(i, j int) bool {
	if h[i].finishAt != h[j].finishAt {
		return h[i].finishAt < h[j].finishAt
	}
	return h[i].taskID < h[j].taskID
}

func (h *completionHeap) Push(x any) { *h = append(*h, x.(*completion)) }
func (h *completionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// simulation is the virtual execution the scheduler runs to order
// assignments. Readiness is maintained incrementally: assigning a task
// decrements its dependents' pending counts, so the whole pass is
// O((V+E) log V) plus the per-pick scan of the ready set.
type simulation struct {
	policy structs.SchedulerPolicy
	tasks  map[string]*structs.AtomicTask
	graph  *dag.Graph

	critical map[string]*dag.CriticalPath
	workers  []*workerState

	clock     float64
	order     int
	maxFinish float64

	pending     map[string]int
	ready       *set.Set[string]
	readySince  map[string]float64
	scheduled   *set.Set[string]
	blocked     *set.Set[string]
	completions *completionHeap

	plan *Plan
}

func newSimulation(atomics []*structs.AtomicTask, graph *dag.Graph,
	workers []*structs.Worker, policy structs.SchedulerPolicy) *simulation {

	sim := &simulation{
		policy:      policy,
		tasks:       make(map[string]*structs.AtomicTask, len(atomics)),
		graph:       graph,
		critical:    graph.CriticalPathAll(),
		pending:     make(map[string]int, len(atomics)),
		ready:       set.New[string](len(atomics)),
		readySince:  make(map[string]float64, len(atomics)),
		scheduled:   set.New[string](len(atomics)),
		blocked:     set.New[string](0),
		completions: &completionHeap{},
		plan: &Plan{
			Algorithm:   policy.Algorithm,
			Assignments: make(map[string]*Assignment, len(atomics)),
			WorkerOrder: make(map[string][]string),
		},
	}

	for _, t := range atomics {
		sim.tasks[t.ID] = t
		n := len(graph.Dependencies(t.ID))
		sim.pending[t.ID] = n
		if n == 0 {
			sim.ready.Insert(t.ID)
			sim.readySince[t.ID] = 0
		}
	}

	for _, w := range workers {
		if w.Status == structs.WorkerStatusOffline {
			continue
		}
		sim.workers = append(sim.workers, &workerState{worker: w})
	}
	sort.Slice(sim.workers, func(i, j int) bool {
		return sim.workers[i].worker.ID < sim.workers[j].worker.ID
	})
	return sim
}

// blockUncoverable marks every task no worker in the pool can run as
// blocked, along with its transitive dependents. Blocked tasks drop out
// of the simulation so the rest of the session still gets a plan.
func (sim *simulation) blockUncoverable() {
	roots := make([]string, 0)
	for id, t := range sim.tasks {
		if !sim.coverable(t) {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	for _, root := range roots {
		if sim.blocked.Contains(root) {
			continue
		}
		frontier := []string{root}
		for len(frontier) > 0 {
			id := frontier[0]
			frontier = frontier[1:]
			if sim.blocked.Contains(id) {
				continue
			}
			sim.blocked.Insert(id)
			sim.ready.Remove(id)
			for _, dep := range sim.graph.Dependents(id) {
				if _, ok := sim.tasks[dep]; ok {
					frontier = append(frontier, dep)
				}
			}
		}
	}
}

func (sim *simulation) coverable(t *structs.AtomicTask) bool {
	for _, w := range sim.workers {
		if w.worker.CanRun(&t.Task) {
			return true
		}
	}
	return false
}

func (sim *simulation) done() bool {
	return sim.scheduled.Size()+sim.blocked.Size() == len(sim.tasks)
}

func (sim *simulation) remaining() []string {
	out := make([]string, 0)
	for id := range sim.tasks {
		if !sim.scheduled.Contains(id) && !sim.blocked.Contains(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// candidate is one ready task the current pick may choose, paired with
// the idle workers capable of running it ordered by ascending load.
type candidate struct {
	task     *structs.AtomicTask
	critical float64
	waitAge  float64
	idle     []*workerState
}

// candidates returns the ready tasks startable right now, ascending by
// task ID.
func (sim *simulation) candidates() []*candidate {
	ids := sim.ready.Slice()
	sort.Strings(ids)

	idle := make([]*workerState, 0, len(sim.workers))
	for _, w := range sim.workers {
		if w.idle() {
			idle = append(idle, w)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].load != idle[j].load {
			return idle[i].load < idle[j].load
		}
		return idle[i].worker.ID < idle[j].worker.ID
	})

	out := make([]*candidate, 0, len(ids))
	for _, id := range ids {
		t := sim.tasks[id]
		c := &candidate{
			task:    t,
			waitAge: sim.clock - sim.readySince[id],
		}
		if cp := sim.critical[id]; cp != nil {
			c.critical = cp.Length
		}
		for _, w := range idle {
			if w.worker.CanRun(&t.Task) {
				c.idle = append(c.idle, w)
			}
		}
		if len(c.idle) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// assign places the task on the worker and unlocks its dependents.
// Readiness requires prerequisites assigned, not finished: a dependent
// picked later necessarily gets a higher start order, which is the
// ordering the plan guarantees.
func (sim *simulation) assign(c *candidate, w *workerState) {
	id := c.task.ID
	dur := c.task.EstimatedMinutes
	if dur <= 0 {
		dur = 1
	}
	finish := sim.clock + dur

	a := &Assignment{
		TaskID:     id,
		WorkerID:   w.worker.ID,
		StartOrder: sim.order,
		StartAt:    sim.clock,
		FinishAt:   finish,
	}
	sim.order++
	sim.plan.Assignments[id] = a
	sim.plan.WorkerOrder[w.worker.ID] = append(sim.plan.WorkerOrder[w.worker.ID], id)

	w.running = id
	w.busyUntil = finish
	w.load += dur
	if finish > sim.maxFinish {
		sim.maxFinish = finish
	}
	heap.Push(sim.completions, &completion{finishAt: finish, taskID: id, worker: w})

	sim.ready.Remove(id)
	sim.scheduled.Insert(id)
	for _, dep := range sim.graph.Dependents(id) {
		if _, ok := sim.tasks[dep]; !ok {
			continue
		}
		sim.pending[dep]--
		if sim.pending[dep] == 0 && !sim.blocked.Contains(dep) {
			sim.ready.Insert(dep)
			sim.readySince[dep] = sim.clock
		}
	}
}

// advance moves the virtual clock to the next completion and frees the
// workers finishing at that instant. Returns false when nothing is
// running.
func (sim *simulation) advance() bool {
	if sim.completions.Len() == 0 {
		return false
	}
	next := heap.Pop(sim.completions).(*completion)
	sim.clock = next.finishAt
	next.worker.running = ""
	for sim.completions.Len() > 0 && (*sim.completions)[0].finishAt == sim.clock {
		c := heap.Pop(sim.completions).(*completion)
		c.worker.running = ""
	}
	return true
}
