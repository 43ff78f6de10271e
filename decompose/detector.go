// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package decompose turns a submitted root task into the session of
// atomic tasks the scheduler plans over. The detector rules on whether a
// task is small enough for a single worker; the engine recursively
// splits the ones that are not.
package decompose

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure"

	"github.com/hashicorp/vibe/oracle"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/vibe/timeout"
)

const (
	// verdictCacheSize bounds the detector's verdict LRU.
	verdictCacheSize = 512

	// fallbackConfidence marks a verdict produced without the oracle.
	// It is the one non-atomic confidence that survives normalization,
	// so callers can tell "ruled non-atomic" from "oracle was down".
	fallbackConfidence = 0.4

	// ruleConfidence is assigned when primary_nlp_method is
	// deterministic and a task passes every bound, since no oracle is
	// consulted for a real score.
	ruleConfidence = 0.75
)

// Verdict is the atomicity ruling for one task. Confidence is 0 for any
// task ruled non-atomic, except the oracle-unavailable fallback which
// carries fallbackConfidence.
type Verdict struct {
	IsAtomic          bool     `json:"isAtomic"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	EstimatedMinutes  float64  `json:"estimatedMinutes,omitempty"`
	ComplexityFactors []string `json:"complexityFactors,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

// Detector rules on task atomicity. The cheap deterministic bounds
// always run first and can only rule non-atomic; tasks passing all of
// them go to the oracle unless primary_nlp_method is deterministic, in
// which case the rules alone decide. Verdicts are memoized by task
// content so re-submissions and engine re-runs skip repeat
// consultations.
type Detector struct {
	logger hclog.Logger
	reg    *config.Registry
	tm     *timeout.Manager
	oracle oracle.Oracle
	cache  *lru.Cache[uint64, *Verdict]
}

func NewDetector(reg *config.Registry, tm *timeout.Manager, o oracle.Oracle, logger hclog.Logger) *Detector {
	cache, _ := lru.New[uint64, *Verdict](verdictCacheSize)
	return &Detector{
		logger: logger.Named("detector"),
		reg:    reg,
		tm:     tm,
		oracle: o,
		cache:  cache,
	}
}

// Detect returns the atomicity verdict for the task. It never fails:
// when the oracle is unavailable or unparseable the fallback verdict is
// returned so decomposition can decide how to proceed.
func (d *Detector) Detect(ctx context.Context, t *structs.Task) *Verdict {
	defer metrics.MeasureSince([]string{"vibe", "detector", "detect"}, time.Now())

	key, keyed := verdictKey(t)
	if keyed {
		if v, ok := d.cache.Get(key); ok {
			metrics.IncrCounter([]string{"vibe", "detector", "cache_hit"}, 1)
			return v
		}
	}

	// The deterministic bounds are hard constraints: no oracle ruling
	// may admit a task that exceeds them, regardless of
	// primary_nlp_method.
	if v := ruleVerdict(t); v != nil {
		metrics.IncrCounter([]string{"vibe", "detector", "rule"}, 1)
		if keyed {
			d.cache.Add(key, v)
		}
		return v
	}
	if d.reg.PrimaryNLPMethod() == config.NLPMethodDeterministic {
		v := &Verdict{IsAtomic: true, Confidence: ruleConfidence, Reasoning: "within atomic bounds"}
		metrics.IncrCounter([]string{"vibe", "detector", "rule"}, 1)
		if keyed {
			d.cache.Add(key, v)
		}
		return v
	}

	v, consulted := d.consult(ctx, t)
	if consulted && keyed {
		// fallback verdicts are not cached so a transient outage does
		// not pin stale rulings
		d.cache.Add(key, v)
	}
	return v
}

// ruleVerdict applies the deterministic bounds. A nil return means every
// bound passed and the oracle must rule.
func ruleVerdict(t *structs.Task) *Verdict {
	switch {
	case t.EstimatedMinutes > structs.AtomicMaxMinutes:
		return nonAtomic(fmt.Sprintf("estimate of %.0f minutes exceeds the %d minute atomic bound",
			t.EstimatedMinutes, structs.AtomicMaxMinutes))
	case len(t.FilePaths) > structs.AtomicMaxFilePaths:
		return nonAtomic("multi-file change")
	case len(t.AcceptanceCriteria) != 1:
		return nonAtomic("must have exactly one acceptance criterion")
	case structs.HasCoordinator(t.Title) || structs.HasCoordinator(t.Description):
		return nonAtomic("describes multiple actions")
	}
	return nil
}

func nonAtomic(reason string) *Verdict {
	return &Verdict{IsAtomic: false, Confidence: 0, Reasoning: reason}
}

// consult asks the oracle and normalizes its answer. The second return
// is false when the verdict is the fallback.
func (d *Detector) consult(ctx context.Context, t *structs.Task) (*Verdict, bool) {
	res := d.tm.Run(ctx, config.OpLLMRequest, func(ctx context.Context) (any, error) {
		return d.oracle.Ask(ctx, atomicityPrompt(t), oracle.KindAtomicity)
	})
	if !res.Ok {
		d.logger.Warn("oracle unavailable, using fallback verdict",
			"task", t.ID, "error", res.Err)
		metrics.IncrCounter([]string{"vibe", "detector", "fallback"}, 1)
		return fallbackVerdict(), false
	}

	var v Verdict
	if err := oracle.ExtractJSON(res.Value.(string), &v); err != nil {
		d.logger.Warn("unparseable oracle verdict, using fallback",
			"task", t.ID, "error", err)
		metrics.IncrCounter([]string{"vibe", "detector", "fallback"}, 1)
		return fallbackVerdict(), false
	}

	d.normalize(&v)
	metrics.IncrCounter([]string{"vibe", "detector", "oracle"}, 1)
	return &v, true
}

func fallbackVerdict() *Verdict {
	return &Verdict{
		IsAtomic:   false,
		Confidence: fallbackConfidence,
		Reasoning:  "oracle unavailable",
	}
}

// normalize clamps confidence to [0,1], demotes verdicts below the
// configured confidence floor, and zeroes confidence on every non-atomic
// ruling.
func (d *Detector) normalize(v *Verdict) {
	if v.Confidence < 0 {
		v.Confidence = 0
	} else if v.Confidence > 1 {
		v.Confidence = 1
	}
	if v.Confidence < d.reg.Snapshot().Limits().MinConfidence {
		v.IsAtomic = false
	}
	if !v.IsAtomic {
		v.Confidence = 0
	}
}

// verdictKey hashes the task fields the verdict depends on.
func verdictKey(t *structs.Task) (uint64, bool) {
	key, err := hashstructure.Hash(struct {
		Title              string
		Description        string
		Type               string
		EstimatedMinutes   float64
		FilePaths          []string
		AcceptanceCriteria []string
	}{
		Title:              t.Title,
		Description:        t.Description,
		Type:               t.Type,
		EstimatedMinutes:   t.EstimatedMinutes,
		FilePaths:          t.FilePaths,
		AcceptanceCriteria: t.AcceptanceCriteria,
	}, nil)
	return key, err == nil
}
