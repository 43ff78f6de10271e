// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/hashicorp/vibe/vibe"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/version"
)

// Config is the configuration for the Vibe agent.
type Config struct {
	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// LogFile enables logging to a file
	LogFile string `hcl:"log_file"`

	// LogRotateMaxFiles is the maximum number of rotated log files to keep
	LogRotateMaxFiles int `hcl:"log_rotate_max_files"`

	// DataDir is the directory to store session state in. Empty keeps
	// sessions in memory only.
	DataDir string `hcl:"data_dir"`

	// BindAddr is the address on which all transports listen
	BindAddr string `hcl:"bind_addr"`

	// EnableDebug is used to enable debugging HTTP endpoints
	EnableDebug bool `hcl:"enable_debug"`

	// Ports is used to control the network ports we bind to.
	Ports *Ports `hcl:"ports"`

	// Transports toggles the ingress surfaces the agent serves.
	Transports *Transports `hcl:"transports"`

	// Limits holds the per-family rate limit overrides.
	Limits *Limits `hcl:"limits"`

	// Runtime holds the orchestration policy knobs that feed the config
	// registry.
	Runtime *RuntimeConfig `hcl:"runtime"`

	// Scheduler configures planning and the dispatch pool.
	Scheduler *SchedulerConfig `hcl:"scheduler"`

	// Oracle configures the LLM consultation provider.
	Oracle *OracleConfig `hcl:"oracle"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// DevMode is set by the -dev CLI flag.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo `hcl:"-"`

	// List of config files that have been loaded (in order)
	Files []string `hcl:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Ports encapsulates the various ports we bind to for network services.
type Ports struct {
	// HTTP is the preferred port for the HTTP transport.
	HTTP int `hcl:"http"`

	// PortRange is how many consecutive ports, starting at HTTP, the
	// agent probes before declaring the HTTP transport unavailable.
	PortRange int `hcl:"port_range"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Transports controls which ingress surfaces the agent starts. A surface
// that fails to come up degrades to disabled instead of aborting startup.
type Transports struct {
	HTTP  *bool `hcl:"http"`
	Stdio *bool `hcl:"stdio"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// httpEnabled treats a missing transports block as the default topology:
// HTTP on, stdio off.
func (t *Transports) httpEnabled() bool {
	if t == nil || t.HTTP == nil {
		return true
	}
	return *t.HTTP
}

func (t *Transports) stdioEnabled() bool {
	if t == nil || t.Stdio == nil {
		return false
	}
	return *t.Stdio
}

// Limits overrides the built-in request rate limit families. A family
// left nil keeps its default budget.
type Limits struct {
	General   *RateLimit `hcl:"general"`
	API       *RateLimit `hcl:"api"`
	Upload    *RateLimit `hcl:"upload"`
	TaskStart *RateLimit `hcl:"task_start"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// RateLimit is one family's request budget per window.
type RateLimit struct {
	MaxRequests int `hcl:"max_requests"`

	Window    time.Duration `hcl:"-"`
	WindowHCL string        `hcl:"window" json:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// RuntimeConfig holds the orchestration policy knobs. Every field is
// optional; unset fields inherit the compiled-in defaults, and the whole
// block can be replaced at runtime through SIGHUP or file watching.
type RuntimeConfig struct {
	MaxConcurrentTasks *int     `hcl:"max_concurrent_tasks"`
	MaxDepth           *int     `hcl:"max_depth"`
	MaxTasks           *int     `hcl:"max_tasks"`
	MinConfidence      *float64 `hcl:"min_confidence"`

	MaxRetries        *int     `hcl:"max_retries"`
	BackoffMultiplier *float64 `hcl:"backoff_multiplier"`
	BackoffStrategy   *string  `hcl:"backoff_strategy"`

	InitialDelay    time.Duration `hcl:"-"`
	InitialDelayHCL string        `hcl:"initial_delay" json:"-"`
	MaxDelay        time.Duration `hcl:"-"`
	MaxDelayHCL     string        `hcl:"max_delay" json:"-"`

	PrimaryNLPMethod *string `hcl:"primary_nlp_method"`

	Timeouts *TimeoutsConfig `hcl:"timeouts"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// TimeoutsConfig maps operation classes to their deadlines.
type TimeoutsConfig struct {
	TaskExecution    time.Duration `hcl:"-"`
	TaskExecutionHCL string        `hcl:"task_execution" json:"-"`

	TaskDecomposition    time.Duration `hcl:"-"`
	TaskDecompositionHCL string        `hcl:"task_decomposition" json:"-"`

	TaskRefinement    time.Duration `hcl:"-"`
	TaskRefinementHCL string        `hcl:"task_refinement" json:"-"`

	AgentCommunication    time.Duration `hcl:"-"`
	AgentCommunicationHCL string        `hcl:"agent_communication" json:"-"`

	LLMRequest    time.Duration `hcl:"-"`
	LLMRequestHCL string        `hcl:"llm_request" json:"-"`

	FileOperations    time.Duration `hcl:"-"`
	FileOperationsHCL string        `hcl:"file_operations" json:"-"`

	DatabaseOperations    time.Duration `hcl:"-"`
	DatabaseOperationsHCL string        `hcl:"database_operations" json:"-"`

	NetworkOperations    time.Duration `hcl:"-"`
	NetworkOperationsHCL string        `hcl:"network_operations" json:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// SchedulerConfig configures planning and the dispatch pool.
type SchedulerConfig struct {
	// Algorithm selects the planning strategy.
	Algorithm string `hcl:"algorithm"`

	// HybridWeights tunes the hybrid_optimal score terms.
	HybridWeights *HybridWeightsConfig `hcl:"hybrid_weights"`

	// Workers sizes the simulated execution pool.
	Workers int `hcl:"workers"`

	HeartbeatTTL    time.Duration `hcl:"-"`
	HeartbeatTTLHCL string        `hcl:"heartbeat_ttl" json:"-"`

	DispatchSlack    time.Duration `hcl:"-"`
	DispatchSlackHCL string        `hcl:"dispatch_slack" json:"-"`

	GCInterval    time.Duration `hcl:"-"`
	GCIntervalHCL string        `hcl:"gc_interval" json:"-"`

	GCThreshold    time.Duration `hcl:"-"`
	GCThresholdHCL string        `hcl:"gc_threshold" json:"-"`

	// EventBufferSize is the per-subscriber progress buffer.
	EventBufferSize int `hcl:"event_buffer_size"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// HybridWeightsConfig is the HCL form of the hybrid score weights.
type HybridWeightsConfig struct {
	Priority     *float64 `hcl:"priority"`
	CriticalPath *float64 `hcl:"critical_path"`
	InverseSize  *float64 `hcl:"inverse_size"`
	WaitAge      *float64 `hcl:"wait_age"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// OracleConfig configures the LLM consultation provider.
type OracleConfig struct {
	// Provider is openai, scripted, or none.
	Provider string `hcl:"provider"`

	// Model is the default model; Models maps a consultation kind to a
	// specific model and wins when set.
	Model  string            `hcl:"model"`
	Models map[string]string `hcl:"models"`

	// APIKey falls back to the OPENAI_API_KEY environment variable. It
	// is never serialized back out.
	APIKey  string `hcl:"api_key" json:"-"`
	BaseURL string `hcl:"base_url"`

	RequestsPerMinute int `hcl:"requests_per_minute"`
	Burst             int `hcl:"burst"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Telemetry is the telemetry configuration for the server
type Telemetry struct {
	DisableHostname bool `hcl:"disable_hostname"`

	CollectionInterval string        `hcl:"collection_interval"`
	collectionInterval time.Duration `hcl:"-"`

	RetentionPeriod    string        `hcl:"retention_period"`
	retentionPeriod    time.Duration `hcl:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// DevConfig is a Config that is used for dev mode of Vibe.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1"
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.EnableDebug = true
	conf.Transports.Stdio = pointer.Of(true)
	conf.Oracle.Provider = "none"
	conf.Scheduler.GCInterval = 10 * time.Minute
	return conf
}

// DefaultConfig is the baseline configuration for Vibe.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		BindAddr: "0.0.0.0",
		Ports: &Ports{
			HTTP:      4656,
			PortRange: 10,
		},
		Transports: &Transports{
			HTTP:  pointer.Of(true),
			Stdio: pointer.Of(false),
		},
		Limits:    &Limits{},
		Runtime:   &RuntimeConfig{Timeouts: &TimeoutsConfig{}},
		Scheduler: &SchedulerConfig{},
		Oracle:    &OracleConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// Listener can be used to get a new listener using a custom bind address.
// If the bind provided address is empty, the BindAddr is used instead.
func (c *Config) Listener(proto, addr string, port int) (net.Listener, error) {
	if addr == "" {
		addr = c.BindAddr
	}
	if 0 > port || port > 65535 {
		return nil, &net.OpError{
			Op:  "listen",
			Net: proto,
			Err: &net.AddrError{Err: "invalid port", Addr: fmt.Sprint(port)},
		}
	}
	return net.Listen(proto, net.JoinHostPort(addr, strconv.Itoa(port)))
}

// SessionDir returns the directory session state persists under, or
// empty when the agent runs purely in memory.
func (c *Config) SessionDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "sessions")
}

// normalize validates the config and fills derived fields after all
// merging is finished.
func (c *Config) normalize() error {
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR", "OFF":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.Ports.HTTP <= 0 || c.Ports.HTTP > 65535 {
		return fmt.Errorf("invalid http port %d", c.Ports.HTTP)
	}
	if c.Ports.PortRange < 1 {
		c.Ports.PortRange = 1
	}

	if c.Scheduler.Algorithm != "" {
		if !structs.SchedulerAlgorithm(c.Scheduler.Algorithm).Valid() {
			return fmt.Errorf("invalid scheduler algorithm %q", c.Scheduler.Algorithm)
		}
	}

	if c.Telemetry.CollectionInterval != "" {
		d, err := time.ParseDuration(c.Telemetry.CollectionInterval)
		if err != nil {
			return fmt.Errorf("error parsing telemetry collection interval: %w", err)
		}
		c.Telemetry.collectionInterval = d
	}
	if c.Telemetry.RetentionPeriod != "" {
		d, err := time.ParseDuration(c.Telemetry.RetentionPeriod)
		if err != nil {
			return fmt.Errorf("error parsing telemetry retention period: %w", err)
		}
		c.Telemetry.retentionPeriod = d
	}

	return nil
}

// RuntimeConfig builds the registry input from the agent configuration.
// Only fields the operator set are carried over; everything else stays
// nil so the registry falls back to defaults and environment overrides.
func (c *Config) RuntimeConfig() *config.Config {
	rc := &config.Config{}

	if r := c.Runtime; r != nil {
		rc.MaxConcurrentTasks = r.MaxConcurrentTasks
		rc.MaxDepth = r.MaxDepth
		rc.MaxTasks = r.MaxTasks
		rc.MinConfidence = r.MinConfidence
		rc.MaxRetries = r.MaxRetries
		rc.BackoffMultiplier = r.BackoffMultiplier
		rc.BackoffStrategy = r.BackoffStrategy
		rc.PrimaryNLPMethod = r.PrimaryNLPMethod
		if r.InitialDelay != 0 {
			rc.InitialDelay = pointer.Of(r.InitialDelay)
		}
		if r.MaxDelay != 0 {
			rc.MaxDelay = pointer.Of(r.MaxDelay)
		}
		if t := r.Timeouts; t != nil {
			rc.Timeouts = map[config.Op]time.Duration{}
			for op, d := range map[config.Op]time.Duration{
				config.OpTaskExecution:      t.TaskExecution,
				config.OpTaskDecomposition:  t.TaskDecomposition,
				config.OpTaskRefinement:     t.TaskRefinement,
				config.OpAgentCommunication: t.AgentCommunication,
				config.OpLLMRequest:         t.LLMRequest,
				config.OpFileOperations:     t.FileOperations,
				config.OpDatabaseOperations: t.DatabaseOperations,
				config.OpNetworkOperations:  t.NetworkOperations,
			} {
				if d != 0 {
					rc.Timeouts[op] = d
				}
			}
			if len(rc.Timeouts) == 0 {
				rc.Timeouts = nil
			}
		}
	}

	if s := c.Scheduler; s != nil {
		if s.Algorithm != "" {
			rc.SchedulerAlgorithm = pointer.Of(s.Algorithm)
		}
		if w := s.HybridWeights; w != nil {
			hw := structs.DefaultHybridWeights()
			if w.Priority != nil {
				hw.Priority = *w.Priority
			}
			if w.CriticalPath != nil {
				hw.CriticalPath = *w.CriticalPath
			}
			if w.InverseSize != nil {
				hw.InverseSize = *w.InverseSize
			}
			if w.WaitAge != nil {
				hw.WaitAge = *w.WaitAge
			}
			rc.HybridWeights = &hw
		}
	}

	if o := c.Oracle; o != nil && (o.Provider != "" || o.Model != "" || o.APIKey != "" ||
		o.BaseURL != "" || len(o.Models) > 0 || o.RequestsPerMinute != 0 || o.Burst != 0) {
		rc.Oracle = &config.OracleConfig{
			Provider:          o.Provider,
			Model:             o.Model,
			Models:            o.Models,
			APIKey:            o.APIKey,
			BaseURL:           o.BaseURL,
			RequestsPerMinute: o.RequestsPerMinute,
			Burst:             o.Burst,
		}
	}

	return rc
}

// RateLimits builds the limiter family table, applying any operator
// overrides on top of the built-in budgets.
func (c *Config) RateLimits() map[string]vibe.LimitConfig {
	limits := vibe.DefaultRateLimits()
	if c.Limits == nil {
		return limits
	}
	for family, rl := range map[string]*RateLimit{
		vibe.LimitFamilyGeneral:   c.Limits.General,
		vibe.LimitFamilyAPI:       c.Limits.API,
		vibe.LimitFamilyUpload:    c.Limits.Upload,
		vibe.LimitFamilyTaskStart: c.Limits.TaskStart,
	} {
		if rl == nil {
			continue
		}
		lc := limits[family]
		if rl.MaxRequests > 0 {
			lc.MaxRequests = uint64(rl.MaxRequests)
		}
		if rl.Window > 0 {
			lc.Window = rl.Window
		}
		limits[family] = lc
	}
	return limits
}

// Merge merges two configurations.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.LogFile != "" {
		result.LogFile = b.LogFile
	}
	if b.LogRotateMaxFiles != 0 {
		result.LogRotateMaxFiles = b.LogRotateMaxFiles
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.Version != nil {
		result.Version = b.Version
	}

	// Apply the ports config
	if result.Ports == nil && b.Ports != nil {
		ports := *b.Ports
		result.Ports = &ports
	} else if b.Ports != nil {
		result.Ports = result.Ports.Merge(b.Ports)
	}

	// Apply the transports config
	if result.Transports == nil && b.Transports != nil {
		transports := *b.Transports
		result.Transports = &transports
	} else if b.Transports != nil {
		result.Transports = result.Transports.Merge(b.Transports)
	}

	// Apply the limits config
	if result.Limits == nil && b.Limits != nil {
		limits := *b.Limits
		result.Limits = &limits
	} else if b.Limits != nil {
		result.Limits = result.Limits.Merge(b.Limits)
	}

	// Apply the runtime config
	if result.Runtime == nil && b.Runtime != nil {
		runtimeConfig := *b.Runtime
		result.Runtime = &runtimeConfig
	} else if b.Runtime != nil {
		result.Runtime = result.Runtime.Merge(b.Runtime)
	}

	// Apply the scheduler config
	if result.Scheduler == nil && b.Scheduler != nil {
		sched := *b.Scheduler
		result.Scheduler = &sched
	} else if b.Scheduler != nil {
		result.Scheduler = result.Scheduler.Merge(b.Scheduler)
	}

	// Apply the oracle config
	if result.Oracle == nil && b.Oracle != nil {
		oracleConfig := *b.Oracle
		result.Oracle = &oracleConfig
	} else if b.Oracle != nil {
		result.Oracle = result.Oracle.Merge(b.Oracle)
	}

	// Apply the telemetry config
	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	// Merge config files lists
	result.Files = append(result.Files, b.Files...)

	return &result
}

// Merge merges two port configurations.
func (a *Ports) Merge(b *Ports) *Ports {
	result := *a

	if b.HTTP != 0 {
		result.HTTP = b.HTTP
	}
	if b.PortRange != 0 {
		result.PortRange = b.PortRange
	}
	return &result
}

// Merge merges two transport configurations.
func (a *Transports) Merge(b *Transports) *Transports {
	result := *a

	if b.HTTP != nil {
		result.HTTP = b.HTTP
	}
	if b.Stdio != nil {
		result.Stdio = b.Stdio
	}
	return &result
}

// Merge merges two limits configurations.
func (a *Limits) Merge(b *Limits) *Limits {
	result := *a

	if b.General != nil {
		result.General = result.General.Merge(b.General)
	}
	if b.API != nil {
		result.API = result.API.Merge(b.API)
	}
	if b.Upload != nil {
		result.Upload = result.Upload.Merge(b.Upload)
	}
	if b.TaskStart != nil {
		result.TaskStart = result.TaskStart.Merge(b.TaskStart)
	}
	return &result
}

// Merge merges two rate limit configurations.
func (a *RateLimit) Merge(b *RateLimit) *RateLimit {
	if a == nil {
		result := *b
		return &result
	}
	result := *a

	if b.MaxRequests != 0 {
		result.MaxRequests = b.MaxRequests
	}
	if b.Window != 0 {
		result.Window = b.Window
		result.WindowHCL = b.WindowHCL
	}
	return &result
}

// Merge merges two runtime configurations.
func (a *RuntimeConfig) Merge(b *RuntimeConfig) *RuntimeConfig {
	result := *a

	if b.MaxConcurrentTasks != nil {
		result.MaxConcurrentTasks = b.MaxConcurrentTasks
	}
	if b.MaxDepth != nil {
		result.MaxDepth = b.MaxDepth
	}
	if b.MaxTasks != nil {
		result.MaxTasks = b.MaxTasks
	}
	if b.MinConfidence != nil {
		result.MinConfidence = b.MinConfidence
	}
	if b.MaxRetries != nil {
		result.MaxRetries = b.MaxRetries
	}
	if b.BackoffMultiplier != nil {
		result.BackoffMultiplier = b.BackoffMultiplier
	}
	if b.BackoffStrategy != nil {
		result.BackoffStrategy = b.BackoffStrategy
	}
	if b.InitialDelay != 0 {
		result.InitialDelay = b.InitialDelay
		result.InitialDelayHCL = b.InitialDelayHCL
	}
	if b.MaxDelay != 0 {
		result.MaxDelay = b.MaxDelay
		result.MaxDelayHCL = b.MaxDelayHCL
	}
	if b.PrimaryNLPMethod != nil {
		result.PrimaryNLPMethod = b.PrimaryNLPMethod
	}

	if result.Timeouts == nil && b.Timeouts != nil {
		timeouts := *b.Timeouts
		result.Timeouts = &timeouts
	} else if b.Timeouts != nil {
		result.Timeouts = result.Timeouts.Merge(b.Timeouts)
	}

	return &result
}

// Merge merges two timeout tables.
func (a *TimeoutsConfig) Merge(b *TimeoutsConfig) *TimeoutsConfig {
	result := *a

	if b.TaskExecution != 0 {
		result.TaskExecution = b.TaskExecution
		result.TaskExecutionHCL = b.TaskExecutionHCL
	}
	if b.TaskDecomposition != 0 {
		result.TaskDecomposition = b.TaskDecomposition
		result.TaskDecompositionHCL = b.TaskDecompositionHCL
	}
	if b.TaskRefinement != 0 {
		result.TaskRefinement = b.TaskRefinement
		result.TaskRefinementHCL = b.TaskRefinementHCL
	}
	if b.AgentCommunication != 0 {
		result.AgentCommunication = b.AgentCommunication
		result.AgentCommunicationHCL = b.AgentCommunicationHCL
	}
	if b.LLMRequest != 0 {
		result.LLMRequest = b.LLMRequest
		result.LLMRequestHCL = b.LLMRequestHCL
	}
	if b.FileOperations != 0 {
		result.FileOperations = b.FileOperations
		result.FileOperationsHCL = b.FileOperationsHCL
	}
	if b.DatabaseOperations != 0 {
		result.DatabaseOperations = b.DatabaseOperations
		result.DatabaseOperationsHCL = b.DatabaseOperationsHCL
	}
	if b.NetworkOperations != 0 {
		result.NetworkOperations = b.NetworkOperations
		result.NetworkOperationsHCL = b.NetworkOperationsHCL
	}
	return &result
}

// Merge merges two scheduler configurations.
func (a *SchedulerConfig) Merge(b *SchedulerConfig) *SchedulerConfig {
	result := *a

	if b.Algorithm != "" {
		result.Algorithm = b.Algorithm
	}
	if b.HybridWeights != nil {
		result.HybridWeights = b.HybridWeights
	}
	if b.Workers != 0 {
		result.Workers = b.Workers
	}
	if b.HeartbeatTTL != 0 {
		result.HeartbeatTTL = b.HeartbeatTTL
		result.HeartbeatTTLHCL = b.HeartbeatTTLHCL
	}
	if b.DispatchSlack != 0 {
		result.DispatchSlack = b.DispatchSlack
		result.DispatchSlackHCL = b.DispatchSlackHCL
	}
	if b.GCInterval != 0 {
		result.GCInterval = b.GCInterval
		result.GCIntervalHCL = b.GCIntervalHCL
	}
	if b.GCThreshold != 0 {
		result.GCThreshold = b.GCThreshold
		result.GCThresholdHCL = b.GCThresholdHCL
	}
	if b.EventBufferSize != 0 {
		result.EventBufferSize = b.EventBufferSize
	}
	return &result
}

// Merge merges two oracle configurations.
func (a *OracleConfig) Merge(b *OracleConfig) *OracleConfig {
	result := *a

	if b.Provider != "" {
		result.Provider = b.Provider
	}
	if b.Model != "" {
		result.Model = b.Model
	}
	if len(b.Models) > 0 {
		if result.Models == nil {
			result.Models = map[string]string{}
		}
		for k, v := range b.Models {
			result.Models[k] = v
		}
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
	return &result
}

// Merge merges two telemetry configurations.
func (a *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *a

	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
		result.collectionInterval = b.collectionInterval
	}
	if b.RetentionPeriod != "" {
		result.RetentionPeriod = b.RetentionPeriod
		result.retentionPeriod = b.retentionPeriod
	}
	return &result
}

// LoadConfig loads the configuration at the given path, regardless of
// its extension. A directory is loaded as every .hcl and .json file it
// directly contains, in lexical order.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory
// in alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("configuration path must be a directory: %s", dir)
	}

	var files []string
	entries, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		// Ignoring anything but .hcl and .json files
		skip := true
		if strings.HasSuffix(name, ".hcl") {
			skip = false
		} else if strings.HasSuffix(name, ".json") {
			skip = false
		}
		if skip || isTemporaryFile(name) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	if result == nil {
		result = &Config{}
	}
	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
