// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/shoenig/test/must"
)

// basicConfig is the expected result of parsing testdata/basic.hcl and
// its JSON twin testdata/basic.json.
var basicConfig = &Config{
	LogLevel:          "ERROR",
	LogJson:           true,
	LogFile:           "/var/log/vibe.log",
	LogRotateMaxFiles: 3,
	DataDir:           "/tmp/vibe",
	BindAddr:          "192.168.0.1",
	EnableDebug:       true,
	Ports: &Ports{
		HTTP:      4700,
		PortRange: 5,
	},
	Transports: &Transports{
		HTTP:  pointer.Of(true),
		Stdio: pointer.Of(true),
	},
	Limits: &Limits{
		General: &RateLimit{
			MaxRequests: 500,
			Window:      30 * time.Second,
			WindowHCL:   "30s",
		},
		API: &RateLimit{
			MaxRequests: 120,
			Window:      time.Minute,
			WindowHCL:   "1m",
		},
		Upload: &RateLimit{
			MaxRequests: 10,
			Window:      time.Minute,
			WindowHCL:   "1m",
		},
		TaskStart: &RateLimit{
			MaxRequests: 60,
			Window:      30 * time.Second,
			WindowHCL:   "30s",
		},
	},
	Runtime: &RuntimeConfig{
		MaxConcurrentTasks: pointer.Of(7),
		MaxDepth:           pointer.Of(4),
		MaxTasks:           pointer.Of(60),
		MinConfidence:      pointer.Of(0.8),
		MaxRetries:         pointer.Of(2),
		BackoffMultiplier:  pointer.Of(1.5),
		BackoffStrategy:    pointer.Of("exponential"),
		InitialDelay:       2 * time.Second,
		InitialDelayHCL:    "2s",
		MaxDelay:           45 * time.Second,
		MaxDelayHCL:        "45s",
		PrimaryNLPMethod:   pointer.Of("hybrid"),
		Timeouts: &TimeoutsConfig{
			TaskExecution:         10 * time.Minute,
			TaskExecutionHCL:      "10m",
			TaskDecomposition:     15 * time.Minute,
			TaskDecompositionHCL:  "15m",
			TaskRefinement:        3 * time.Minute,
			TaskRefinementHCL:     "3m",
			AgentCommunication:    45 * time.Second,
			AgentCommunicationHCL: "45s",
			LLMRequest:            90 * time.Second,
			LLMRequestHCL:         "90s",
			FileOperations:        20 * time.Second,
			FileOperationsHCL:     "20s",
			DatabaseOperations:    5 * time.Second,
			DatabaseOperationsHCL: "5s",
			NetworkOperations:     25 * time.Second,
			NetworkOperationsHCL:  "25s",
		},
	},
	Scheduler: &SchedulerConfig{
		Algorithm: "hybrid_optimal",
		HybridWeights: &HybridWeightsConfig{
			Priority:     pointer.Of(0.5),
			CriticalPath: pointer.Of(0.2),
			InverseSize:  pointer.Of(0.2),
			WaitAge:      pointer.Of(0.1),
		},
		Workers:          6,
		HeartbeatTTL:     20 * time.Second,
		HeartbeatTTLHCL:  "20s",
		DispatchSlack:    45 * time.Second,
		DispatchSlackHCL: "45s",
		GCInterval:       10 * time.Minute,
		GCIntervalHCL:    "10m",
		GCThreshold:      2 * time.Hour,
		GCThresholdHCL:   "2h",
		EventBufferSize:  256,
	},
	Oracle: &OracleConfig{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Models: map[string]string{
			"atomicity":     "gpt-4o-mini",
			"decomposition": "gpt-4o",
		},
		APIKey:            "sk-test",
		BaseURL:           "https://openai.example.com/v1",
		RequestsPerMinute: 30,
		Burst:             3,
	},
	Telemetry: &Telemetry{
		DisableHostname:    true,
		CollectionInterval: "5s",
		collectionInterval: 5 * time.Second,
		RetentionPeriod:    "2m",
		retentionPeriod:    2 * time.Minute,
	},
}

func TestConfig_Parse(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		File   string
		Result *Config
		Err    bool
	}{
		{
			"basic.hcl",
			basicConfig,
			false,
		},
		{
			"basic.json",
			basicConfig,
			false,
		},
		{
			"extra-keys.hcl",
			nil,
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.File, func(t *testing.T) {
			path, err := filepath.Abs(filepath.Join("testdata", tc.File))
			must.NoError(t, err)

			actual, err := ParseConfigFile(path)
			if tc.Err {
				must.Error(t, err)
				return
			}
			must.NoError(t, err)
			must.Eq(t, tc.Result, actual, must.Cmp(cmp.AllowUnexported(Telemetry{})))
		})
	}
}

func TestConfig_Parse_UnusedKeys(t *testing.T) {
	ci.Parallel(t)

	_, err := ParseConfigFile(filepath.Join("testdata", "extra-keys.hcl"))
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unexpected keys")
	must.StrContains(t, err.Error(), "datacenter")
}

// TestConfig_ParseMerge checks that a parsed file survives being merged
// on top of the compiled-in defaults without losing or mangling values.
func TestConfig_ParseMerge(t *testing.T) {
	ci.Parallel(t)

	path, err := filepath.Abs(filepath.Join("testdata", "basic.hcl"))
	must.NoError(t, err)

	parsed, err := ParseConfigFile(path)
	must.NoError(t, err)

	merged := DefaultConfig().Merge(parsed)
	must.Eq(t, basicConfig.Limits, merged.Limits)
	must.Eq(t, basicConfig.Runtime, merged.Runtime)
	must.Eq(t, basicConfig.Scheduler, merged.Scheduler)
	must.Eq(t, basicConfig.Oracle, merged.Oracle)
	must.Eq(t, basicConfig.Telemetry, merged.Telemetry,
		must.Cmp(cmp.AllowUnexported(Telemetry{})))
	must.Eq(t, basicConfig.Ports, merged.Ports)
}

func TestConfig_Parse_Durations(t *testing.T) {
	ci.Parallel(t)

	path, err := filepath.Abs(filepath.Join("testdata", "basic.hcl"))
	must.NoError(t, err)

	parsed, err := ParseConfigFile(path)
	must.NoError(t, err)

	// every *_HCL string must have been converted to a duration
	must.Eq(t, 30*time.Second, parsed.Limits.General.Window)
	must.Eq(t, 2*time.Second, parsed.Runtime.InitialDelay)
	must.Eq(t, 45*time.Second, parsed.Runtime.MaxDelay)
	must.Eq(t, 10*time.Minute, parsed.Runtime.Timeouts.TaskExecution)
	must.Eq(t, 20*time.Second, parsed.Scheduler.HeartbeatTTL)
	must.Eq(t, 2*time.Hour, parsed.Scheduler.GCThreshold)
}
