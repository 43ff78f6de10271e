// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config holds the process-wide policy registry: operation
// timeouts, the retry policy, scheduler policy, decomposition limits, and
// oracle settings. Values resolve in order explicit config, VIBE_*
// environment, compiled defaults, and are validated into an immutable
// Snapshot that readers obtain through an atomic pointer.
package config

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/hashicorp/vibe/vibe/structs"
)

// Op names one timeout-bearing operation kind.
type Op string

const (
	OpTaskExecution      Op = "taskExecution"
	OpTaskDecomposition  Op = "taskDecomposition"
	OpTaskRefinement     Op = "taskRefinement"
	OpAgentCommunication Op = "agentCommunication"
	OpLLMRequest         Op = "llmRequest"
	OpFileOperations     Op = "fileOperations"
	OpDatabaseOperations Op = "databaseOperations"
	OpNetworkOperations  Op = "networkOperations"
)

// Ops returns every operation kind in declaration order.
func Ops() []Op {
	return []Op{
		OpTaskExecution, OpTaskDecomposition, OpTaskRefinement,
		OpAgentCommunication, OpLLMRequest, OpFileOperations,
		OpDatabaseOperations, OpNetworkOperations,
	}
}

// NLP method selection for the atomicity detector.
const (
	NLPMethodHybrid        = "hybrid"
	NLPMethodDeterministic = "deterministic"
	NLPMethodOracle        = "oracle"
)

// OracleConfig selects and tunes the language-model provider.
type OracleConfig struct {
	// Provider is openai, scripted, or none.
	Provider string `json:"provider"`

	// Model is the default model; Models maps a consultation kind
	// (atomicity, split) to a specific model and wins when set.
	Model  string            `json:"model"`
	Models map[string]string `json:"models"`

	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey  string `json:"-"`
	BaseURL string `json:"baseUrl"`

	// Client-side pacing toward the provider.
	RequestsPerMinute int `json:"requestsPerMinute"`
	Burst             int `json:"burst"`
}

// Copy returns a deep copy.
func (o *OracleConfig) Copy() *OracleConfig {
	if o == nil {
		return nil
	}
	no := *o
	no.Models = maps.Clone(o.Models)
	return &no
}

// ModelFor returns the model mapped to the consultation kind, falling
// back to the default model.
func (o *OracleConfig) ModelFor(kind string) string {
	if m, ok := o.Models[kind]; ok && m != "" {
		return m
	}
	return o.Model
}

// Config is the raw, mergeable policy input. Nil pointer fields mean
// "unset, inherit from the next layer down". The agent builds one from
// its HCL file; tests build them directly.
type Config struct {
	Timeouts map[Op]time.Duration

	MaxConcurrentTasks *int
	MaxDepth           *int
	MaxTasks           *int
	MinConfidence      *float64

	MaxRetries        *int
	BackoffMultiplier *float64
	InitialDelay      *time.Duration
	MaxDelay          *time.Duration
	BackoffStrategy   *string

	SchedulerAlgorithm *string
	HybridWeights      *structs.HybridWeights

	PrimaryNLPMethod *string

	Oracle *OracleConfig
}

// DefaultConfig returns the compiled-in defaults with every field set.
func DefaultConfig() *Config {
	retry := structs.DefaultRetryPolicy()
	limits := structs.DefaultLimits()
	sched := structs.DefaultSchedulerPolicy()

	return &Config{
		Timeouts: map[Op]time.Duration{
			OpTaskExecution:      5 * time.Minute,
			OpTaskDecomposition:  10 * time.Minute,
			OpTaskRefinement:     2 * time.Minute,
			OpAgentCommunication: 30 * time.Second,
			OpLLMRequest:         60 * time.Second,
			OpFileOperations:     30 * time.Second,
			OpDatabaseOperations: 10 * time.Second,
			OpNetworkOperations:  30 * time.Second,
		},
		MaxConcurrentTasks: pointer.Of(limits.MaxConcurrentTasks),
		MaxDepth:           pointer.Of(limits.MaxDepth),
		MaxTasks:           pointer.Of(limits.MaxTasks),
		MinConfidence:      pointer.Of(limits.MinConfidence),
		MaxRetries:         pointer.Of(retry.MaxRetries),
		BackoffMultiplier:  pointer.Of(retry.BackoffMultiplier),
		InitialDelay:       pointer.Of(retry.InitialDelay),
		MaxDelay:           pointer.Of(retry.MaxDelay),
		BackoffStrategy:    pointer.Of(string(retry.Strategy)),
		SchedulerAlgorithm: pointer.Of(string(sched.Algorithm)),
		HybridWeights:      pointer.Of(sched.Weights),
		PrimaryNLPMethod:   pointer.Of(NLPMethodHybrid),
		Oracle: &OracleConfig{
			Provider:          "none",
			Model:             "gpt-4o-mini",
			RequestsPerMinute: 60,
			Burst:             5,
		},
	}
}

// Merge layers b over c and returns the result. Set fields in b win;
// neither receiver nor argument is mutated.
func (c *Config) Merge(b *Config) *Config {
	if c == nil {
		c = &Config{}
	}
	result := c.Copy()
	if b == nil {
		return result
	}

	for op, d := range b.Timeouts {
		if result.Timeouts == nil {
			result.Timeouts = make(map[Op]time.Duration)
		}
		result.Timeouts[op] = d
	}
	if b.MaxConcurrentTasks != nil {
		result.MaxConcurrentTasks = pointer.Copy(b.MaxConcurrentTasks)
	}
	if b.MaxDepth != nil {
		result.MaxDepth = pointer.Copy(b.MaxDepth)
	}
	if b.MaxTasks != nil {
		result.MaxTasks = pointer.Copy(b.MaxTasks)
	}
	if b.MinConfidence != nil {
		result.MinConfidence = pointer.Copy(b.MinConfidence)
	}
	if b.MaxRetries != nil {
		result.MaxRetries = pointer.Copy(b.MaxRetries)
	}
	if b.BackoffMultiplier != nil {
		result.BackoffMultiplier = pointer.Copy(b.BackoffMultiplier)
	}
	if b.InitialDelay != nil {
		result.InitialDelay = pointer.Copy(b.InitialDelay)
	}
	if b.MaxDelay != nil {
		result.MaxDelay = pointer.Copy(b.MaxDelay)
	}
	if b.BackoffStrategy != nil {
		result.BackoffStrategy = pointer.Copy(b.BackoffStrategy)
	}
	if b.SchedulerAlgorithm != nil {
		result.SchedulerAlgorithm = pointer.Copy(b.SchedulerAlgorithm)
	}
	if b.HybridWeights != nil {
		result.HybridWeights = pointer.Copy(b.HybridWeights)
	}
	if b.PrimaryNLPMethod != nil {
		result.PrimaryNLPMethod = pointer.Copy(b.PrimaryNLPMethod)
	}
	if b.Oracle != nil {
		if result.Oracle == nil {
			result.Oracle = b.Oracle.Copy()
		} else {
			result.Oracle = result.Oracle.merge(b.Oracle)
		}
	}
	return result
}

func (o *OracleConfig) merge(b *OracleConfig) *OracleConfig {
	result := o.Copy()
	if b.Provider != "" {
		result.Provider = b.Provider
	}
	if b.Model != "" {
		result.Model = b.Model
	}
	for k, v := range b.Models {
		if result.Models == nil {
			result.Models = make(map[string]string)
		}
		result.Models[k] = v
	}
	if b.APIKey != "" {
		result.APIKey = b.APIKey
	}
	if b.BaseURL != "" {
		result.BaseURL = b.BaseURL
	}
	if b.RequestsPerMinute != 0 {
		result.RequestsPerMinute = b.RequestsPerMinute
	}
	if b.Burst != 0 {
		result.Burst = b.Burst
	}
	return result
}

// Copy returns a deep copy of the config.
func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Timeouts = maps.Clone(c.Timeouts)
	nc.MaxConcurrentTasks = pointer.Copy(c.MaxConcurrentTasks)
	nc.MaxDepth = pointer.Copy(c.MaxDepth)
	nc.MaxTasks = pointer.Copy(c.MaxTasks)
	nc.MinConfidence = pointer.Copy(c.MinConfidence)
	nc.MaxRetries = pointer.Copy(c.MaxRetries)
	nc.BackoffMultiplier = pointer.Copy(c.BackoffMultiplier)
	nc.InitialDelay = pointer.Copy(c.InitialDelay)
	nc.MaxDelay = pointer.Copy(c.MaxDelay)
	nc.BackoffStrategy = pointer.Copy(c.BackoffStrategy)
	nc.SchedulerAlgorithm = pointer.Copy(c.SchedulerAlgorithm)
	nc.HybridWeights = pointer.Copy(c.HybridWeights)
	nc.PrimaryNLPMethod = pointer.Copy(c.PrimaryNLPMethod)
	nc.Oracle = c.Oracle.Copy()
	return &nc
}

// Environment variable names recognized by ParseEnv.
const (
	EnvMaxConcurrentTasks       = "VIBE_MAX_CONCURRENT_TASKS"
	EnvTaskExecutionTimeout     = "VIBE_TASK_EXECUTION_TIMEOUT"
	EnvTaskDecompositionTimeout = "VIBE_TASK_DECOMPOSITION_TIMEOUT"
	EnvLLMRequestTimeout        = "VIBE_LLM_REQUEST_TIMEOUT"
	EnvMaxRetries               = "VIBE_MAX_RETRIES"
	EnvBackoffMultiplier        = "VIBE_BACKOFF_MULTIPLIER"
	EnvInitialDelayMS           = "VIBE_INITIAL_DELAY_MS"
	EnvMaxDelayMS               = "VIBE_MAX_DELAY_MS"
	EnvMinConfidence            = "VIBE_MIN_CONFIDENCE"
	EnvPrimaryNLPMethod         = "VIBE_PRIMARY_NLP_METHOD"
)

// FromEnv builds the environment overlay from the process environment.
func FromEnv() (*Config, error) {
	return ParseEnv(os.LookupEnv)
}

// ParseEnv builds a Config overlay from the VIBE_* variables visible
// through lookup. Timeout variables accept Go duration strings; the
// *_MS variables accept whole milliseconds. Malformed values produce a
// ConfigError naming the variable.
func ParseEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	var mErr multierror.Error

	parseDuration := func(key string, apply func(time.Duration)) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			mErr.Errors = append(mErr.Errors,
				structs.NewConfigError(key, raw, "a duration such as 30s or 5m"))
			return
		}
		apply(d)
	}
	parseInt := func(key string, apply func(int)) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			mErr.Errors = append(mErr.Errors,
				structs.NewConfigError(key, raw, "an integer"))
			return
		}
		apply(n)
	}
	parseFloat := func(key string, apply func(float64)) {
		raw, ok := lookup(key)
		if !ok || raw == "" {
			return
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			mErr.Errors = append(mErr.Errors,
				structs.NewConfigError(key, raw, "a number"))
			return
		}
		apply(f)
	}

	parseInt(EnvMaxConcurrentTasks, func(n int) { cfg.MaxConcurrentTasks = pointer.Of(n) })
	parseDuration(EnvTaskExecutionTimeout, func(d time.Duration) { cfg.setTimeout(OpTaskExecution, d) })
	parseDuration(EnvTaskDecompositionTimeout, func(d time.Duration) { cfg.setTimeout(OpTaskDecomposition, d) })
	parseDuration(EnvLLMRequestTimeout, func(d time.Duration) { cfg.setTimeout(OpLLMRequest, d) })
	parseInt(EnvMaxRetries, func(n int) { cfg.MaxRetries = pointer.Of(n) })
	parseFloat(EnvBackoffMultiplier, func(f float64) { cfg.BackoffMultiplier = pointer.Of(f) })
	parseInt(EnvInitialDelayMS, func(n int) { cfg.InitialDelay = pointer.Of(time.Duration(n) * time.Millisecond) })
	parseInt(EnvMaxDelayMS, func(n int) { cfg.MaxDelay = pointer.Of(time.Duration(n) * time.Millisecond) })
	parseFloat(EnvMinConfidence, func(f float64) { cfg.MinConfidence = pointer.Of(f) })
	if raw, ok := lookup(EnvPrimaryNLPMethod); ok && raw != "" {
		cfg.PrimaryNLPMethod = pointer.Of(raw)
	}

	return cfg, mErr.ErrorOrNil()
}

func (c *Config) setTimeout(op Op, d time.Duration) {
	if c.Timeouts == nil {
		c.Timeouts = make(map[Op]time.Duration)
	}
	c.Timeouts[op] = d
}

// Snapshot is one consistent, immutable view of resolved policy. Readers
// hold it for the duration of an operation so mid-flight reloads cannot
// tear values.
type Snapshot struct {
	timeouts   map[Op]time.Duration
	retry      structs.RetryPolicy
	scheduler  structs.SchedulerPolicy
	limits     structs.Limits
	oracle     OracleConfig
	primaryNLP string
}

// TimeoutFor returns the budget for the operation kind. Unknown kinds
// fall back to the network default so a missing mapping never yields a
// zero (immediate) timeout.
func (s *Snapshot) TimeoutFor(op Op) time.Duration {
	if d, ok := s.timeouts[op]; ok {
		return d
	}
	return s.timeouts[OpNetworkOperations]
}

func (s *Snapshot) RetryPolicy() structs.RetryPolicy         { return s.retry }
func (s *Snapshot) SchedulerPolicy() structs.SchedulerPolicy { return s.scheduler }
func (s *Snapshot) Limits() structs.Limits                   { return s.limits }
func (s *Snapshot) Oracle() OracleConfig                     { return s.oracle }
func (s *Snapshot) PrimaryNLPMethod() string                 { return s.primaryNLP }

// Resolve layers explicit over environment over defaults, validates the
// result, and freezes it into a Snapshot.
func Resolve(explicit *Config) (*Snapshot, error) {
	env, err := FromEnv()
	if err != nil {
		return nil, err
	}
	merged := DefaultConfig().Merge(env).Merge(explicit)
	return newSnapshot(merged)
}

// newSnapshot validates a fully-merged config. Violations aggregate into
// one error so operators see every bad key at once.
func newSnapshot(c *Config) (*Snapshot, error) {
	var mErr multierror.Error

	if d := c.Timeouts[OpTaskExecution]; d < 10*time.Second || d > time.Hour {
		mErr.Errors = append(mErr.Errors,
			structs.NewConfigError("task_execution_timeout", d.String(), "10s to 1h"))
	}
	for _, op := range Ops() {
		if d := c.Timeouts[op]; d <= 0 {
			mErr.Errors = append(mErr.Errors,
				structs.NewConfigError(string(op)+"_timeout", d.String(), "a positive duration"))
		}
	}

	retry := structs.RetryPolicy{
		MaxRetries:        pointer.Deref(c.MaxRetries),
		BackoffMultiplier: pointer.Deref(c.BackoffMultiplier),
		InitialDelay:      pointer.Deref(c.InitialDelay),
		MaxDelay:          pointer.Deref(c.MaxDelay),
		Strategy:          structs.BackoffStrategy(pointer.Deref(c.BackoffStrategy)),
	}
	if err := retry.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}

	limits := structs.Limits{
		MaxConcurrentTasks: pointer.Deref(c.MaxConcurrentTasks),
		MaxDepth:           pointer.Deref(c.MaxDepth),
		MaxTasks:           pointer.Deref(c.MaxTasks),
		MinConfidence:      pointer.Deref(c.MinConfidence),
	}
	if err := limits.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}

	scheduler := structs.SchedulerPolicy{
		Algorithm: structs.SchedulerAlgorithm(pointer.Deref(c.SchedulerAlgorithm)),
		Weights:   pointer.Deref(c.HybridWeights),
	}
	if err := scheduler.Validate(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}

	nlp := pointer.Deref(c.PrimaryNLPMethod)
	switch nlp {
	case NLPMethodHybrid, NLPMethodDeterministic, NLPMethodOracle:
	default:
		mErr.Errors = append(mErr.Errors,
			structs.NewConfigError("primary_nlp_method", nlp,
				fmt.Sprintf("one of %s, %s, %s",
					NLPMethodHybrid, NLPMethodDeterministic, NLPMethodOracle)))
	}

	oracle := OracleConfig{}
	if c.Oracle != nil {
		oracle = *c.Oracle.Copy()
	}
	switch oracle.Provider {
	case "openai", "scripted", "none", "":
	default:
		mErr.Errors = append(mErr.Errors,
			structs.NewConfigError("oracle.provider", oracle.Provider, "openai, scripted, or none"))
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}

	return &Snapshot{
		timeouts:   maps.Clone(c.Timeouts),
		retry:      retry,
		scheduler:  scheduler,
		limits:     limits,
		oracle:     oracle,
		primaryNLP: nlp,
	}, nil
}
