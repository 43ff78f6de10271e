// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/vibe/vibe/structs"
)

// picker selects the next (task, worker) pair from the startable
// candidates. Candidates arrive ascending by task ID and each carries
// its capable idle workers ascending by load; every picker breaks score
// ties by lower task ID by scanning in that order with strict
// improvement.
type picker func(sim *simulation, cands []*candidate) (*candidate, *workerState)

var builtinPickers = map[structs.SchedulerAlgorithm]picker{
	structs.SchedulerAlgorithmPriorityFirst:    pickPriorityFirst,
	structs.SchedulerAlgorithmEarliestDeadline: pickEarliestDeadline,
	structs.SchedulerAlgorithmCriticalPath:     pickCriticalPath,
	structs.SchedulerAlgorithmResourceBalanced: pickResourceBalanced,
	structs.SchedulerAlgorithmShortestJob:      pickShortestJob,
	structs.SchedulerAlgorithmHybridOptimal:    pickHybridOptimal,
}

// pickPriorityFirst takes the highest priority tier, then the longest
// critical path within the tier.
func pickPriorityFirst(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	best := cands[0]
	for _, c := range cands[1:] {
		br, cr := best.task.Priority.Rank(), c.task.Priority.Rank()
		if cr > br || (cr == br && c.critical > best.critical) {
			best = c
		}
	}
	return best, leastLoaded(best)
}

// pickEarliestDeadline takes the nearest deadline among deadline-bearing
// candidates and falls through to priority_first when none carry one.
func pickEarliestDeadline(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	var best *candidate
	for _, c := range cands {
		if c.task.Deadline == nil {
			continue
		}
		if best == nil || c.task.Deadline.Before(*best.task.Deadline) {
			best = c
		}
	}
	if best == nil {
		return pickPriorityFirst(sim, cands)
	}
	return best, leastLoaded(best)
}

// pickCriticalPath takes the candidate heading the longest weighted
// chain of unfinished work.
func pickCriticalPath(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.critical > best.critical {
			best = c
		}
	}
	return best, leastLoaded(best)
}

// pickResourceBalanced starts from the least-loaded idle worker and
// gives it the highest-priority candidate it is capable of.
func pickResourceBalanced(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	var worker *workerState
	for _, c := range cands {
		w := c.idle[0]
		if worker == nil || w.load < worker.load ||
			(w.load == worker.load && w.worker.ID < worker.worker.ID) {
			worker = w
		}
	}

	var best *candidate
	for _, c := range cands {
		capable := false
		for _, w := range c.idle {
			if w == worker {
				capable = true
				break
			}
		}
		if !capable {
			continue
		}
		if best == nil || c.task.Priority.Rank() > best.task.Priority.Rank() {
			best = c
		}
	}
	return best, worker
}

// pickShortestJob takes the smallest effort estimate.
func pickShortestJob(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.task.EstimatedMinutes < best.task.EstimatedMinutes {
			best = c
		}
	}
	return best, leastLoaded(best)
}

// pickHybridOptimal scores each candidate with the policy weights:
// w1*priority + w2*criticalPath + w3*(1/size) + w4*waitAge.
func pickHybridOptimal(sim *simulation, cands []*candidate) (*candidate, *workerState) {
	w := sim.policy.Weights
	best, bestScore := cands[0], hybridScore(sim, cands[0], w)
	for _, c := range cands[1:] {
		if score := hybridScore(sim, c, w); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, leastLoaded(best)
}

func hybridScore(sim *simulation, c *candidate, w structs.HybridWeights) float64 {
	size := c.task.EstimatedMinutes
	if size <= 0 {
		size = 1
	}
	return w.Priority*float64(c.task.Priority.Rank()) +
		w.CriticalPath*c.critical +
		w.InverseSize*(1/size) +
		w.WaitAge*c.waitAge
}

// leastLoaded returns the candidate's least-loaded capable idle worker.
// The idle list is pre-sorted by load then worker ID.
func leastLoaded(c *candidate) *workerState {
	return c.idle[0]
}
