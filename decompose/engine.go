// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package decompose

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/mitchellh/hashstructure"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hashicorp/vibe/lib/dag"
	"github.com/hashicorp/vibe/oracle"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/vibe/timeout"
)

const (
	// splitCacheTTL bounds how long an oracle split proposal is replayed
	// for identical parents before being asked again.
	splitCacheTTL = 5 * time.Minute

	// splitCacheSweep is how often expired proposals are evicted.
	splitCacheSweep = 10 * time.Minute
)

// splitChild is one proposed subtask in an oracle split. DependsOn holds
// zero-based indexes of sibling subtasks that must finish first.
type splitChild struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Type               string   `json:"type,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	EstimatedMinutes   float64  `json:"estimatedMinutes"`
	FilePaths          []string `json:"filePaths,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	DependsOn          []int    `json:"dependsOn,omitempty"`
}

type splitProposal struct {
	Subtasks  []splitChild `json:"subtasks"`
	Reasoning string       `json:"reasoning,omitempty"`
}

// Engine recursively decomposes a root task into atomic tasks and their
// dependency graph. Given the same root and the same oracle answers the
// output is identical: child IDs come from a per-session counter, never
// from wall clock or randomness.
type Engine struct {
	logger hclog.Logger
	reg    *config.Registry
	tm     *timeout.Manager
	det    *Detector
	oracle oracle.Oracle
	splits *gocache.Cache

	// now stamps sessions; swapped in tests for replay comparisons
	now func() time.Time
}

func NewEngine(reg *config.Registry, tm *timeout.Manager, det *Detector, o oracle.Oracle, logger hclog.Logger) *Engine {
	return &Engine{
		logger: logger.Named("decompose"),
		reg:    reg,
		tm:     tm,
		det:    det,
		oracle: o,
		splits: gocache.New(splitCacheTTL, splitCacheSweep),
		now:    time.Now,
	}
}

// run carries the mutable state of one decomposition.
type run struct {
	sessionID string
	limits    structs.Limits
	counter   int
	atomics   []*structs.AtomicTask
	graph     *dag.Graph
	warnings  []string
}

// nextID mints the next deterministic child ID.
func (r *run) nextID() string {
	r.counter++
	return fmt.Sprintf("%s-%03d", r.sessionID, r.counter)
}

func (r *run) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// Run decomposes root into a session. The returned graph holds one node
// per atomic task; edges come from oracle-declared sibling dependencies.
// Failures to split a non-atomic task abort the run: a root that cannot
// be fully decomposed produces no session at all.
func (e *Engine) Run(ctx context.Context, sessionID string, root *structs.Task) (*structs.Session, *dag.Graph, error) {
	defer metrics.MeasureSince([]string{"vibe", "decompose", "run"}, time.Now())

	root = root.Copy()
	root.Canonicalize()
	if err := root.Validate(); err != nil {
		return nil, nil, err
	}
	if root.ID == "" {
		return nil, nil, structs.NewValidationError("id", "missing root task ID")
	}

	r := &run{
		sessionID: sessionID,
		limits:    e.reg.Snapshot().Limits(),
		graph:     dag.New(),
	}

	if _, err := e.expand(ctx, r, root, 0); err != nil {
		metrics.IncrCounter([]string{"vibe", "decompose", "failure"}, 1)
		return nil, nil, err
	}

	sess := &structs.Session{
		ID:         sessionID,
		Root:       root,
		Atomics:    r.atomics,
		GraphNodes: make([]string, 0, len(r.atomics)),
		CreateTime: e.now().UTC(),
		Rich: &structs.SessionResults{
			TotalGenerated: len(r.atomics),
			Warnings:       r.warnings,
		},
	}
	for _, a := range r.atomics {
		sess.GraphNodes = append(sess.GraphNodes, a.ID)
	}
	for _, edge := range r.graph.Edges() {
		sess.GraphEdges = append(sess.GraphEdges, structs.GraphEdge{From: edge.From, To: edge.To})
	}

	e.logger.Info("decomposition complete", "session", sessionID,
		"atomics", len(r.atomics), "edges", len(sess.GraphEdges),
		"warnings", len(r.warnings))
	metrics.SetGauge([]string{"vibe", "decompose", "atomics"}, float32(len(r.atomics)))
	return sess, r.graph, nil
}

// expand decomposes one node and returns the IDs of the atomic tasks its
// subtree produced, in emission order.
func (e *Engine) expand(ctx context.Context, r *run, t *structs.Task, depth int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// budget exhaustion keeps the node whole rather than losing it
	if depth >= r.limits.MaxDepth {
		return e.emitByCap(r, t, fmt.Sprintf("depth limit %d reached; emitted without further decomposition", r.limits.MaxDepth)), nil
	}
	if len(r.atomics) >= r.limits.MaxTasks {
		return e.emitByCap(r, t, fmt.Sprintf("task limit %d reached; emitted without further decomposition", r.limits.MaxTasks)), nil
	}

	verdict := e.det.Detect(ctx, t)
	if verdict.IsAtomic {
		return e.emitAtomic(r, t, verdict), nil
	}

	proposal, err := e.split(ctx, r, t, depth)
	if err != nil {
		return nil, err
	}

	children := make([]*structs.Task, len(proposal.Subtasks))
	for i, st := range proposal.Subtasks {
		children[i] = e.childTask(r, t, st)
		if err := children[i].Validate(); err != nil {
			return nil, structs.NewOracleError(oracle.KindSplit,
				fmt.Errorf("invalid subtask %d: %w", i, err))
		}
	}

	subtrees := make([][]string, len(children))
	for i, child := range children {
		ids, err := e.expand(ctx, r, child, depth+1)
		if err != nil {
			return nil, err
		}
		subtrees[i] = ids
	}

	// sibling dependencies connect subtree boundaries: every sink of the
	// prerequisite subtree precedes every source of the dependent one
	for i, st := range proposal.Subtasks {
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= len(children) || dep == i {
				r.warnf("task %s: split declared invalid dependency index %d", t.ID, dep)
				continue
			}
			e.connect(r, subtrees[dep], subtrees[i])
		}
	}

	out := make([]string, 0)
	for _, ids := range subtrees {
		out = append(out, ids...)
	}
	return out, nil
}

// emitAtomic records a task the detector ruled atomic.
func (e *Engine) emitAtomic(r *run, t *structs.Task, v *Verdict) []string {
	at := &structs.AtomicTask{
		Task:                *t.Copy(),
		AtomicityConfidence: v.Confidence,
	}
	r.atomics = append(r.atomics, at)
	r.graph.AddNode(at.ID, at.EstimatedMinutes)
	return []string{at.ID}
}

// emitByCap records a task kept whole because a decomposition budget ran
// out. The warning rides both the task and the session summary.
func (e *Engine) emitByCap(r *run, t *structs.Task, reason string) []string {
	at := &structs.AtomicTask{
		Task:                *t.Copy(),
		AtomicityConfidence: 0,
		Warnings:            []string{reason},
	}
	r.atomics = append(r.atomics, at)
	r.graph.AddNode(at.ID, at.EstimatedMinutes)
	r.warnf("task %s: %s", t.ID, reason)
	metrics.IncrCounter([]string{"vibe", "decompose", "capped"}, 1)
	return []string{at.ID}
}

// split obtains the oracle's subtask proposal for t, replaying a cached
// proposal when one is fresh.
func (e *Engine) split(ctx context.Context, r *run, t *structs.Task, depth int) (*splitProposal, error) {
	key := splitKey(t, depth)
	if key != "" {
		if cached, ok := e.splits.Get(key); ok {
			metrics.IncrCounter([]string{"vibe", "decompose", "split_cache_hit"}, 1)
			return cached.(*splitProposal), nil
		}
	}

	res := e.tm.Run(ctx, config.OpLLMRequest, func(ctx context.Context) (any, error) {
		return e.oracle.Ask(ctx, splitPrompt(t, depth, len(r.atomics)), oracle.KindSplit)
	})
	if !res.Ok {
		return nil, structs.NewOracleError(oracle.KindSplit, res.Err)
	}

	var proposal splitProposal
	if err := oracle.ExtractJSON(res.Value.(string), &proposal); err != nil {
		return nil, structs.NewOracleError(oracle.KindSplit, err)
	}
	if len(proposal.Subtasks) < 2 {
		return nil, structs.NewOracleError(oracle.KindSplit,
			fmt.Errorf("split produced %d subtasks, need at least 2", len(proposal.Subtasks)))
	}

	if key != "" {
		e.splits.Set(key, &proposal, gocache.DefaultExpiration)
	}
	return &proposal, nil
}

// childTask builds a Task from one proposed subtask. Children inherit
// the parent's project, epic, and context; priority and type default to
// the parent's when the proposal leaves them out.
func (e *Engine) childTask(r *run, parent *structs.Task, st splitChild) *structs.Task {
	child := &structs.Task{
		ID:                 r.nextID(),
		Title:              st.Title,
		Description:        st.Description,
		Type:               st.Type,
		Priority:           structs.Priority(st.Priority),
		EstimatedMinutes:   st.EstimatedMinutes,
		FilePaths:          st.FilePaths,
		AcceptanceCriteria: st.AcceptanceCriteria,
		ProjectID:          parent.ProjectID,
		EpicID:             parent.EpicID,
		Context:            parent.Context.Copy(),
	}
	if child.Type == "" {
		child.Type = parent.Type
	}
	if !child.Priority.Valid() {
		child.Priority = parent.Priority
	}
	child.Canonicalize()
	return child
}

// connect adds edges from the sinks of the prerequisite subtree to the
// sources of the dependent subtree. An edge that would close a cycle is
// dropped with a warning; the rest of the split proceeds.
func (e *Engine) connect(r *run, from, to []string) {
	for _, sink := range sinksWithin(r.graph, from) {
		for _, source := range sourcesWithin(r.graph, to) {
			if err := r.graph.AddEdge(sink, source); err != nil {
				r.warnf("dropped dependency %s -> %s: %v", sink, source, err)
				metrics.IncrCounter([]string{"vibe", "decompose", "cycle_rejected"}, 1)
			}
		}
	}
}

// sinksWithin returns the members with no dependents inside the set.
func sinksWithin(g *dag.Graph, ids []string) []string {
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		internal := false
		for _, dep := range g.Dependents(id) {
			if _, ok := members[dep]; ok {
				internal = true
				break
			}
		}
		if !internal {
			out = append(out, id)
		}
	}
	return out
}

// sourcesWithin returns the members with no prerequisites inside the set.
func sourcesWithin(g *dag.Graph, ids []string) []string {
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		internal := false
		for _, dep := range g.Dependencies(id) {
			if _, ok := members[dep]; ok {
				internal = true
				break
			}
		}
		if !internal {
			out = append(out, id)
		}
	}
	return out
}

// splitKey hashes the parent fields a proposal depends on. Depth rides
// along because prompts mention it.
func splitKey(t *structs.Task, depth int) string {
	key, err := hashstructure.Hash(struct {
		Title              string
		Description        string
		Type               string
		EstimatedMinutes   float64
		FilePaths          []string
		AcceptanceCriteria []string
		Depth              int
	}{
		Title:              t.Title,
		Description:        t.Description,
		Type:               t.Type,
		EstimatedMinutes:   t.EstimatedMinutes,
		FilePaths:          t.FilePaths,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Depth:              depth,
	}, nil)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", key)
}
