// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	golog "log"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/vibe"
	vconfig "github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
)

// Agent is a long running daemon that hosts the orchestration server and
// its ingress transports.
type Agent struct {
	config     *Config
	configLock sync.Mutex

	logger     hclog.InterceptLogger
	httpLogger hclog.Logger
	logOutput  io.Writer

	// InmemSink is the in-memory metrics the self and metrics endpoints
	// read from.
	InmemSink *metrics.InmemSink

	reg    *vconfig.Registry
	server *vibe.Server

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	// stopCh is closed when a remote stop was requested through the
	// agent API; the process supervisor watches it.
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAgent is used to create a new agent with the given configuration.
func NewAgent(config *Config, logger hclog.InterceptLogger, logOutput io.Writer, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logOutput:  logOutput,
		shutdownCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
		InmemSink:  inmem,
	}

	// Create the loggers
	a.logger = logger
	a.httpLogger = a.logger.ResetNamed("http")

	// Global logger should match internal logger as much as possible
	golog.SetFlags(golog.LstdFlags | golog.Lmicroseconds)

	if err := a.setupServer(); err != nil {
		return nil, err
	}
	return a, nil
}

// serverConfig translates the agent configuration into the orchestration
// server's wiring.
func (a *Agent) serverConfig() (*vibe.Config, error) {
	conf := &vibe.Config{
		Logger:     a.logger,
		Registry:   a.reg,
		SessionDir: a.config.SessionDir(),
		Limits:     a.config.RateLimits(),
	}

	if s := a.config.Scheduler; s != nil {
		conf.HeartbeatTTL = s.HeartbeatTTL
		conf.DispatchSlack = s.DispatchSlack
		conf.GCInterval = s.GCInterval
		conf.GCThreshold = s.GCThreshold
		conf.EventBufferSize = s.EventBufferSize
		for i := 1; i <= s.Workers; i++ {
			conf.Workers = append(conf.Workers, &structs.Worker{
				ID: fmt.Sprintf("worker-%02d", i),
			})
		}
	}

	return conf, nil
}

// setupServer is used to initialize the orchestration server.
func (a *Agent) setupServer() error {
	reg, err := vconfig.Init(a.config.RuntimeConfig(), a.logger.Named("config"))
	if err != nil {
		return fmt.Errorf("config registry setup failed: %w", err)
	}
	a.reg = reg

	conf, err := a.serverConfig()
	if err != nil {
		return fmt.Errorf("server config setup failed: %w", err)
	}

	server, err := vibe.NewServer(conf)
	if err != nil {
		vconfig.Teardown()
		return fmt.Errorf("server setup failed: %w", err)
	}
	a.server = server
	return nil
}

// Server returns the embedded orchestration server.
func (a *Agent) Server() *vibe.Server {
	return a.server
}

// Registry returns the runtime config registry.
func (a *Agent) Registry() *vconfig.Registry {
	return a.reg
}

// GetConfig returns the current agent configuration. Callers must not
// mutate the result without holding the config lock.
func (a *Agent) GetConfig() *Config {
	a.configLock.Lock()
	defer a.configLock.Unlock()
	return a.config
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}
	vconfig.Teardown()

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// ShutdownCh is closed once the agent finished shutting down.
func (a *Agent) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}

// RequestStop asks the process supervisor for a graceful shutdown.
func (a *Agent) RequestStop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// StopCh is closed once a remote stop has been requested.
func (a *Agent) StopCh() <-chan struct{} {
	return a.stopCh
}

// Reload applies a new configuration to the running agent. Only the log
// level and the runtime policy block take effect without a restart;
// transport topology keeps its boot-time shape.
func (a *Agent) Reload(newConfig *Config) error {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if newConfig == nil {
		return fmt.Errorf("cannot reload agent with nil configuration")
	}

	if newConfig.LogLevel != "" && newConfig.LogLevel != a.config.LogLevel {
		a.logger.SetLevel(hclog.LevelFromString(newConfig.LogLevel))
		a.config.LogLevel = newConfig.LogLevel
		a.logger.Info("log level updated", "log_level", newConfig.LogLevel)
	}

	current := a.config.Merge(newConfig)
	if err := a.reg.Reload(current.RuntimeConfig()); err != nil {
		return fmt.Errorf("reloading runtime config failed: %w", err)
	}
	a.config = current
	return nil
}

// Stats is used to return statistics for debugging and insight
// for various sub-systems
func (a *Agent) Stats() map[string]map[string]string {
	stats := make(map[string]map[string]string)
	if a.server != nil {
		sub := make(map[string]string)
		for k, v := range a.server.Stats() {
			switch tv := v.(type) {
			case string:
				sub[k] = tv
			case int:
				sub[k] = strconv.Itoa(tv)
			default:
				sub[k] = fmt.Sprintf("%v", tv)
			}
		}
		stats["vibe"] = sub
	}

	limits := a.reg.Limits()
	stats["runtime"] = map[string]string{
		"max_concurrent_tasks": strconv.Itoa(limits.MaxConcurrentTasks),
		"max_depth":            strconv.Itoa(limits.MaxDepth),
		"max_tasks":            strconv.Itoa(limits.MaxTasks),
		"scheduler_algorithm":  string(a.reg.SchedulerPolicy().Algorithm),
	}
	return stats
}
