// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy drives the timeout manager. Jobs snapshot the policy in
// force at creation so later reloads do not change in-flight behavior.
type RetryPolicy struct {
	MaxRetries        int             `json:"maxRetries"`
	BackoffMultiplier float64         `json:"backoffMultiplier"`
	InitialDelay      time.Duration   `json:"initialDelay"`
	MaxDelay          time.Duration   `json:"maxDelay"`
	Strategy          BackoffStrategy `json:"strategy"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BackoffMultiplier: 2.0,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		Strategy:          BackoffExponential,
	}
}

// Delay computes the wait before retry attempt n (1-based), capped at
// MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.InitialDelay
	if p.Strategy == BackoffExponential {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.BackoffMultiplier)
			if d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) Validate() error {
	var mErr multierror.Error
	if p.MaxRetries < 0 || p.MaxRetries > 10 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("max_retries", p.MaxRetries, "0 to 10"))
	}
	if p.BackoffMultiplier < 1.0 || p.BackoffMultiplier > 5.0 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("backoff_multiplier", p.BackoffMultiplier, "1.0 to 5.0"))
	}
	if p.InitialDelay < 100*time.Millisecond || p.InitialDelay > 10*time.Second {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("initial_delay", p.InitialDelay.String(), "100ms to 10s"))
	}
	if p.MaxDelay > 5*time.Minute {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("max_delay", p.MaxDelay.String(), "at most 5m"))
	}
	switch p.Strategy {
	case BackoffExponential, BackoffFixed:
	default:
		mErr.Errors = append(mErr.Errors,
			NewConfigError("backoff_strategy", string(p.Strategy), "exponential or fixed"))
	}
	return mErr.ErrorOrNil()
}

// SchedulerAlgorithm names one of the selection strategies.
type SchedulerAlgorithm string

const (
	SchedulerAlgorithmPriorityFirst    SchedulerAlgorithm = "priority_first"
	SchedulerAlgorithmEarliestDeadline SchedulerAlgorithm = "earliest_deadline"
	SchedulerAlgorithmCriticalPath     SchedulerAlgorithm = "critical_path"
	SchedulerAlgorithmResourceBalanced SchedulerAlgorithm = "resource_balanced"
	SchedulerAlgorithmShortestJob      SchedulerAlgorithm = "shortest_job"
	SchedulerAlgorithmHybridOptimal    SchedulerAlgorithm = "hybrid_optimal"
)

func (a SchedulerAlgorithm) Valid() bool {
	switch a {
	case SchedulerAlgorithmPriorityFirst, SchedulerAlgorithmEarliestDeadline,
		SchedulerAlgorithmCriticalPath, SchedulerAlgorithmResourceBalanced,
		SchedulerAlgorithmShortestJob, SchedulerAlgorithmHybridOptimal:
		return true
	default:
		return false
	}
}

// HybridWeights feed the hybrid_optimal score
// w1*priority + w2*criticalPath + w3*(1/size) + w4*waitAge.
type HybridWeights struct {
	Priority     float64 `json:"priority"`
	CriticalPath float64 `json:"criticalPath"`
	InverseSize  float64 `json:"inverseSize"`
	WaitAge      float64 `json:"waitAge"`
}

func DefaultHybridWeights() HybridWeights {
	return HybridWeights{
		Priority:     0.4,
		CriticalPath: 0.3,
		InverseSize:  0.2,
		WaitAge:      0.1,
	}
}

// SchedulerPolicy selects the algorithm and its tuning.
type SchedulerPolicy struct {
	Algorithm SchedulerAlgorithm `json:"algorithm"`
	Weights   HybridWeights      `json:"weights"`
}

func DefaultSchedulerPolicy() SchedulerPolicy {
	return SchedulerPolicy{
		Algorithm: SchedulerAlgorithmPriorityFirst,
		Weights:   DefaultHybridWeights(),
	}
}

func (p SchedulerPolicy) Validate() error {
	if !p.Algorithm.Valid() {
		return NewConfigError("scheduler_algorithm", string(p.Algorithm),
			fmt.Sprintf("one of %s, %s, %s, %s, %s, %s",
				SchedulerAlgorithmPriorityFirst, SchedulerAlgorithmEarliestDeadline,
				SchedulerAlgorithmCriticalPath, SchedulerAlgorithmResourceBalanced,
				SchedulerAlgorithmShortestJob, SchedulerAlgorithmHybridOptimal))
	}
	return nil
}

// Limits bound decomposition and dispatch.
type Limits struct {
	MaxConcurrentTasks int     `json:"maxConcurrentTasks"`
	MaxDepth           int     `json:"maxDepth"`
	MaxTasks           int     `json:"maxTasks"`
	MinConfidence      float64 `json:"minConfidence"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentTasks: 4,
		MaxDepth:           3,
		MaxTasks:           100,
		MinConfidence:      0.3,
	}
}

func (l Limits) Validate() error {
	var mErr multierror.Error
	if l.MaxConcurrentTasks < 1 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("max_concurrent_tasks", l.MaxConcurrentTasks, "at least 1"))
	}
	if l.MaxDepth < 1 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("max_depth", l.MaxDepth, "at least 1"))
	}
	if l.MaxTasks < 1 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("max_tasks", l.MaxTasks, "at least 1"))
	}
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		mErr.Errors = append(mErr.Errors,
			NewConfigError("min_confidence", l.MinConfidence, "0.0 to 1.0"))
	}
	return mErr.ErrorOrNil()
}
