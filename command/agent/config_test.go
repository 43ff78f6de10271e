// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/hashicorp/vibe/vibe"
	vconfig "github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/shoenig/test/must"
)

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	c0 := &Config{}

	c1 := &Config{
		LogLevel: "INFO",
		DataDir:  "/tmp/first",
		BindAddr: "127.0.0.1",
		Ports:    &Ports{HTTP: 4646},
		Transports: &Transports{
			HTTP: pointer.Of(true),
		},
		Limits: &Limits{
			General: &RateLimit{MaxRequests: 10, Window: time.Second, WindowHCL: "1s"},
		},
		Runtime: &RuntimeConfig{
			MaxConcurrentTasks: pointer.Of(2),
			MaxRetries:         pointer.Of(1),
			Timeouts: &TimeoutsConfig{
				TaskExecution:    time.Minute,
				TaskExecutionHCL: "1m",
			},
		},
		Scheduler: &SchedulerConfig{Algorithm: "priority_first", Workers: 2},
		Oracle: &OracleConfig{
			Provider: "none",
			Models:   map[string]string{"atomicity": "gpt-4o-mini"},
		},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: time.Second,
		},
	}

	c2 := &Config{
		LogLevel:          "DEBUG",
		LogJson:           true,
		LogFile:           "/var/log/vibe.log",
		LogRotateMaxFiles: 5,
		DataDir:           "/tmp/second",
		BindAddr:          "0.0.0.0",
		EnableDebug:       true,
		DevMode:           true,
		Ports:             &Ports{HTTP: 4700, PortRange: 3},
		Transports: &Transports{
			Stdio: pointer.Of(true),
		},
		Limits: &Limits{
			General: &RateLimit{MaxRequests: 20},
			API:     &RateLimit{MaxRequests: 5, Window: time.Minute, WindowHCL: "1m"},
		},
		Runtime: &RuntimeConfig{
			MaxConcurrentTasks: pointer.Of(8),
			MinConfidence:      pointer.Of(0.5),
			InitialDelay:       2 * time.Second,
			InitialDelayHCL:    "2s",
			Timeouts: &TimeoutsConfig{
				LLMRequest:    30 * time.Second,
				LLMRequestHCL: "30s",
			},
		},
		Scheduler: &SchedulerConfig{
			Algorithm:       "hybrid_optimal",
			HybridWeights:   &HybridWeightsConfig{Priority: pointer.Of(0.7)},
			HeartbeatTTL:    20 * time.Second,
			HeartbeatTTLHCL: "20s",
		},
		Oracle: &OracleConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Models:   map[string]string{"decomposition": "gpt-4o"},
			Burst:    2,
		},
		Telemetry: &Telemetry{
			DisableHostname: true,
			RetentionPeriod: "2m",
			retentionPeriod: 2 * time.Minute,
		},
	}

	exp := &Config{
		LogLevel:          "DEBUG",
		LogJson:           true,
		LogFile:           "/var/log/vibe.log",
		LogRotateMaxFiles: 5,
		DataDir:           "/tmp/second",
		BindAddr:          "0.0.0.0",
		EnableDebug:       true,
		DevMode:           true,
		Ports:             &Ports{HTTP: 4700, PortRange: 3},
		Transports: &Transports{
			HTTP:  pointer.Of(true),
			Stdio: pointer.Of(true),
		},
		Limits: &Limits{
			General: &RateLimit{MaxRequests: 20, Window: time.Second, WindowHCL: "1s"},
			API:     &RateLimit{MaxRequests: 5, Window: time.Minute, WindowHCL: "1m"},
		},
		Runtime: &RuntimeConfig{
			MaxConcurrentTasks: pointer.Of(8),
			MaxRetries:         pointer.Of(1),
			MinConfidence:      pointer.Of(0.5),
			InitialDelay:       2 * time.Second,
			InitialDelayHCL:    "2s",
			Timeouts: &TimeoutsConfig{
				TaskExecution:    time.Minute,
				TaskExecutionHCL: "1m",
				LLMRequest:       30 * time.Second,
				LLMRequestHCL:    "30s",
			},
		},
		Scheduler: &SchedulerConfig{
			Algorithm:       "hybrid_optimal",
			HybridWeights:   &HybridWeightsConfig{Priority: pointer.Of(0.7)},
			Workers:         2,
			HeartbeatTTL:    20 * time.Second,
			HeartbeatTTLHCL: "20s",
		},
		Oracle: &OracleConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Models: map[string]string{
				"atomicity":     "gpt-4o-mini",
				"decomposition": "gpt-4o",
			},
			Burst: 2,
		},
		Telemetry: &Telemetry{
			DisableHostname:    true,
			CollectionInterval: "1s",
			collectionInterval: time.Second,
			RetentionPeriod:    "2m",
			retentionPeriod:    2 * time.Minute,
		},
	}

	result := c0.Merge(c1)
	result = result.Merge(c2)
	must.Eq(t, exp, result, must.Cmp(cmp.AllowUnexported(Telemetry{})))
}

func TestConfig_ParseConfigFile(t *testing.T) {
	ci.Parallel(t)

	// Fails if the target doesn't exist
	if _, err := ParseConfigFile("/unicorns/leprechauns"); err == nil {
		t.Fatalf("expected error, got nothing")
	}

	fh, err := os.CreateTemp("", "vibe")
	must.NoError(t, err)
	defer os.Remove(fh.Name())

	// Invalid content returns error
	if _, err := fh.WriteString("nope;!!!"); err != nil {
		t.Fatalf("err: %s", err)
	}
	if _, err := ParseConfigFile(fh.Name()); err == nil {
		t.Fatalf("expected load error, got nothing")
	}
}

func TestConfig_LoadConfig(t *testing.T) {
	ci.Parallel(t)

	// Fails if the target doesn't exist
	if _, err := LoadConfig("/unicorns/leprechauns"); err == nil {
		t.Fatalf("expected error, got nothing")
	}

	fh, err := os.CreateTemp("", "vibe")
	must.NoError(t, err)
	defer os.Remove(fh.Name())

	_, err = fh.WriteString(`{"data_dir":"/tmp/west"}`)
	must.NoError(t, err)

	// Works on a config file
	config, err := LoadConfig(fh.Name())
	must.NoError(t, err)
	must.Eq(t, "/tmp/west", config.DataDir)
	must.Eq(t, []string{fh.Name()}, config.Files)

	dir := t.TempDir()

	file1 := filepath.Join(dir, "config1.hcl")
	err = os.WriteFile(file1, []byte(`bind_addr = "127.0.0.2"`), 0600)
	must.NoError(t, err)

	// Works on a config dir
	config, err = LoadConfig(dir)
	must.NoError(t, err)
	must.Eq(t, "127.0.0.2", config.BindAddr)
	must.Eq(t, []string{file1}, config.Files)
}

func TestConfig_LoadConfigDir(t *testing.T) {
	ci.Parallel(t)

	// Fails if the dir doesn't exist.
	if _, err := LoadConfigDir("/unicorns/leprechauns"); err == nil {
		t.Fatalf("expected error, got nothing")
	}

	// Fails if the target is not a directory.
	fh, err := os.CreateTemp("", "vibe")
	must.NoError(t, err)
	defer os.Remove(fh.Name())
	_, err = LoadConfigDir(fh.Name())
	must.ErrorContains(t, err, "must be a directory")

	dir := t.TempDir()

	// Returns empty config on empty dir
	config, err := LoadConfig(dir)
	must.NoError(t, err)
	must.NotNil(t, config)

	file1 := filepath.Join(dir, "conf1.hcl")
	err = os.WriteFile(file1, []byte(`{"data_dir":"/tmp/one"}`), 0600)
	must.NoError(t, err)

	file2 := filepath.Join(dir, "conf2.hcl")
	err = os.WriteFile(file2, []byte(`{"bind_addr":"127.0.0.3"}`), 0600)
	must.NoError(t, err)

	file3 := filepath.Join(dir, "conf3.hcl")
	err = os.WriteFile(file3, []byte(`nope;!!!`), 0600)
	must.NoError(t, err)

	// Fails if we have a bad config file
	if _, err := LoadConfigDir(dir); err == nil {
		t.Fatalf("expected load error, got nothing")
	}

	must.NoError(t, os.Remove(file3))

	// Editor droppings are skipped
	file4 := filepath.Join(dir, ".#conf1.hcl")
	err = os.WriteFile(file4, []byte(`nope;!!!`), 0600)
	must.NoError(t, err)

	// Works if configs are valid
	config, err = LoadConfigDir(dir)
	must.NoError(t, err)
	must.Eq(t, "/tmp/one", config.DataDir)
	must.Eq(t, "127.0.0.3", config.BindAddr)
}

func TestConfig_LoadConfigsFileOrder(t *testing.T) {
	ci.Parallel(t)

	config, err := LoadConfig(filepath.Join("testdata", "sample-dir"))
	must.NoError(t, err)

	expected := []string{
		filepath.FromSlash("testdata/sample-dir/10-base.hcl"),
		filepath.FromSlash("testdata/sample-dir/20-override.json"),
	}
	must.Eq(t, expected, config.Files)

	// later files win
	must.Eq(t, "WARN", config.LogLevel)
	must.Eq(t, "127.0.0.1", config.BindAddr)
	must.Eq(t, "/tmp/vibe-sample", config.DataDir)
	must.Eq(t, 4700, config.Ports.HTTP)
	must.Eq(t, "shortest_job", config.Scheduler.Algorithm)
	must.Eq(t, 2, config.Scheduler.Workers)
}

func TestConfig_Listener(t *testing.T) {
	ci.Parallel(t)

	config := DefaultConfig()

	// Fails on invalid input
	if ln, err := config.Listener("tcp", "nope", 8080); err == nil {
		ln.Close()
		t.Fatalf("expected addr error")
	}
	if ln, err := config.Listener("nope", "127.0.0.1", 8080); err == nil {
		ln.Close()
		t.Fatalf("expected protocol err")
	}
	if ln, err := config.Listener("tcp", "127.0.0.1", -1); err == nil {
		ln.Close()
		t.Fatalf("expected port error")
	}

	// Works with valid inputs
	ports := ci.PortAllocator.Grab(2)

	ln, err := config.Listener("tcp", "127.0.0.1", ports[0])
	must.NoError(t, err)
	ln.Close()

	must.Eq(t, "tcp", ln.Addr().Network())
	must.Eq(t, fmt.Sprintf("127.0.0.1:%d", ports[0]), ln.Addr().String())

	// Falls back to the bind address if none provided
	config.BindAddr = "127.0.0.1"
	ln, err = config.Listener("tcp4", "", ports[1])
	must.NoError(t, err)
	ln.Close()

	must.Eq(t, fmt.Sprintf("127.0.0.1:%d", ports[1]), ln.Addr().String())
}

func TestConfig_Normalize(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"lowercase level ok", func(c *Config) { c.LogLevel = "debug" }, ""},
		{"valid algorithm ok", func(c *Config) { c.Scheduler.Algorithm = "earliest_deadline" }, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, `invalid log level "verbose"`},
		{"bad http port", func(c *Config) { c.Ports.HTTP = -1 }, "invalid http port -1"},
		{"http port too large", func(c *Config) { c.Ports.HTTP = 70000 }, "invalid http port 70000"},
		{"bad algorithm", func(c *Config) { c.Scheduler.Algorithm = "fifo" }, `invalid scheduler algorithm "fifo"`},
		{"bad collection interval", func(c *Config) { c.Telemetry.CollectionInterval = "5x" }, "telemetry collection interval"},
		{"bad retention period", func(c *Config) { c.Telemetry.RetentionPeriod = "never" }, "telemetry retention period"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			err := c.normalize()
			if tc.err == "" {
				must.NoError(t, err)
				return
			}
			must.Error(t, err)
			must.StrContains(t, err.Error(), tc.err)
		})
	}
}

func TestConfig_Normalize_PortRange(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.Ports.PortRange = 0
	must.NoError(t, c.normalize())
	must.Eq(t, 1, c.Ports.PortRange)
}

func TestConfig_RuntimeConfig(t *testing.T) {
	ci.Parallel(t)

	t.Run("empty", func(t *testing.T) {
		rc := (&Config{}).RuntimeConfig()
		must.Nil(t, rc.MaxConcurrentTasks)
		must.Nil(t, rc.Timeouts)
		must.Nil(t, rc.SchedulerAlgorithm)
		must.Nil(t, rc.HybridWeights)
		must.Nil(t, rc.Oracle)
	})

	t.Run("set fields carry", func(t *testing.T) {
		c := &Config{
			Runtime: &RuntimeConfig{
				MaxConcurrentTasks: pointer.Of(6),
				MinConfidence:      pointer.Of(0.7),
				BackoffStrategy:    pointer.Of("fixed"),
				InitialDelay:       2 * time.Second,
				Timeouts: &TimeoutsConfig{
					TaskExecution: 10 * time.Minute,
					LLMRequest:    time.Minute,
				},
			},
			Scheduler: &SchedulerConfig{
				Algorithm:     "critical_path",
				HybridWeights: &HybridWeightsConfig{Priority: pointer.Of(0.9)},
			},
			Oracle: &OracleConfig{Provider: "openai", Model: "gpt-4o"},
		}

		rc := c.RuntimeConfig()
		must.Eq(t, 6, *rc.MaxConcurrentTasks)
		must.Eq(t, 0.7, *rc.MinConfidence)
		must.Eq(t, "fixed", *rc.BackoffStrategy)
		must.Eq(t, 2*time.Second, *rc.InitialDelay)
		must.Nil(t, rc.MaxDelay)
		must.Nil(t, rc.MaxRetries)

		must.Eq(t, map[vconfig.Op]time.Duration{
			vconfig.OpTaskExecution: 10 * time.Minute,
			vconfig.OpLLMRequest:    time.Minute,
		}, rc.Timeouts)

		must.Eq(t, "critical_path", *rc.SchedulerAlgorithm)

		// unset weight terms keep their defaults
		must.Eq(t, &structs.HybridWeights{
			Priority:     0.9,
			CriticalPath: 0.3,
			InverseSize:  0.2,
			WaitAge:      0.1,
		}, rc.HybridWeights)

		must.Eq(t, "openai", rc.Oracle.Provider)
		must.Eq(t, "gpt-4o", rc.Oracle.Model)
	})

	t.Run("zero timeouts dropped", func(t *testing.T) {
		c := &Config{Runtime: &RuntimeConfig{Timeouts: &TimeoutsConfig{}}}
		must.Nil(t, c.RuntimeConfig().Timeouts)
	})
}

func TestConfig_RateLimits(t *testing.T) {
	ci.Parallel(t)

	// nil limits keeps the defaults
	c := &Config{}
	must.Eq(t, vibe.DefaultRateLimits(), c.RateLimits())

	// overrides apply per family, unset fields keep the default
	c.Limits = &Limits{
		API:    &RateLimit{MaxRequests: 5, Window: 10 * time.Second},
		Upload: &RateLimit{MaxRequests: 2},
	}
	limits := c.RateLimits()
	must.Eq(t, uint64(5), limits[vibe.LimitFamilyAPI].MaxRequests)
	must.Eq(t, 10*time.Second, limits[vibe.LimitFamilyAPI].Window)
	must.Eq(t, uint64(2), limits[vibe.LimitFamilyUpload].MaxRequests)
	must.Eq(t, time.Minute, limits[vibe.LimitFamilyUpload].Window)
	must.Eq(t, uint64(100), limits[vibe.LimitFamilyGeneral].MaxRequests)
	must.Eq(t, uint64(30), limits[vibe.LimitFamilyTaskStart].MaxRequests)
}

func TestConfig_Transports(t *testing.T) {
	ci.Parallel(t)

	var tr *Transports
	must.True(t, tr.httpEnabled())
	must.False(t, tr.stdioEnabled())

	tr = &Transports{}
	must.True(t, tr.httpEnabled())
	must.False(t, tr.stdioEnabled())

	tr = &Transports{HTTP: pointer.Of(false), Stdio: pointer.Of(true)}
	must.False(t, tr.httpEnabled())
	must.True(t, tr.stdioEnabled())
}

func TestConfig_SessionDir(t *testing.T) {
	ci.Parallel(t)

	c := &Config{}
	must.Eq(t, "", c.SessionDir())

	c.DataDir = "/var/lib/vibe"
	must.Eq(t, filepath.Join("/var/lib/vibe", "sessions"), c.SessionDir())
}

func TestConfig_DevConfig(t *testing.T) {
	ci.Parallel(t)

	conf := DevConfig()
	must.True(t, conf.DevMode)
	must.True(t, conf.EnableDebug)
	must.Eq(t, "127.0.0.1", conf.BindAddr)
	must.Eq(t, "DEBUG", conf.LogLevel)
	must.True(t, conf.Transports.httpEnabled())
	must.True(t, conf.Transports.stdioEnabled())
	must.Eq(t, "none", conf.Oracle.Provider)
	must.NoError(t, conf.normalize())
}

func TestConfig_DefaultConfig(t *testing.T) {
	ci.Parallel(t)

	conf := DefaultConfig()
	must.Eq(t, "INFO", conf.LogLevel)
	must.Eq(t, "0.0.0.0", conf.BindAddr)
	must.Eq(t, 4656, conf.Ports.HTTP)
	must.Eq(t, 10, conf.Ports.PortRange)
	must.True(t, conf.Transports.httpEnabled())
	must.False(t, conf.Transports.stdioEnabled())
	must.NotNil(t, conf.Version)
	must.NoError(t, conf.normalize())
}

func TestIsTemporaryFile(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name string
		want bool
	}{
		{"vibe.hcl", false},
		{"vibe.json", false},
		{"vibe.hcl~", true},
		{".#vibe.hcl", true},
		{"#vibe.hcl#", true},
	}
	for _, tc := range cases {
		must.Eq(t, tc.want, isTemporaryFile(tc.name), must.Sprintf("file %q", tc.name))
	}
}
