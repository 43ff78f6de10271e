// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/api"
	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/hashicorp/vibe/helper/testlog"
	vconfig "github.com/hashicorp/vibe/vibe/config"
)

// TestAgent encapsulates an Agent with a default configuration and startup
// procedure suitable for testing. It runs the orchestration server fully in
// memory with deterministic atomicity rules and the simulated driver, and
// serves the HTTP transport on a free localhost port.
type TestAgent struct {
	// T is the testing object
	T testing.TB

	// Name is an optional name of the agent.
	Name string

	// ConfigCallback allows modification of the configuration before the
	// agent is started.
	ConfigCallback func(*Config)

	// Config is the agent configuration. If nil, a default test
	// configuration is built during Start.
	Config *Config

	// Agent is the running agent. Valid after Start.
	Agent *Agent

	// Server is the started HTTP transport. Valid after Start.
	Server *HTTPServer

	shutdown bool
}

// NewTestAgent returns a started test agent. The caller must call Shutdown
// when done, typically by defer.
func NewTestAgent(t testing.TB, name string, configCallback func(*Config)) *TestAgent {
	a := &TestAgent{
		T:              t,
		Name:           name,
		ConfigCallback: configCallback,
	}
	a.Start()
	return a
}

// Start starts a test agent, retrying with a fresh port when the HTTP
// transport loses the race for its listen address.
func (a *TestAgent) Start() *TestAgent {
	if a.Agent != nil {
		a.T.Fatalf("TestAgent already started")
	}
	if a.Config == nil {
		a.Config = a.config()
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.NewGlobal(metrics.DefaultConfig("vibe-test"), inm)

	logger := testlog.HCLogger(a.T)

	for i := 10; ; i-- {
		a.Config.Ports.HTTP = ci.PortAllocator.One()
		if err := a.Config.normalize(); err != nil {
			a.T.Fatalf("Error normalizing test agent config: %v", err)
		}

		agent, err := NewAgent(a.Config, logger, testlog.NewWriter(a.T), inm)
		if err != nil {
			a.T.Fatalf("Error starting test agent: %v", err)
		}

		http, err := NewHTTPServer(agent, a.Config)
		if err == nil {
			a.Agent = agent
			a.Server = http
			return a
		}
		agent.Shutdown()

		if i == 0 {
			a.T.Fatalf("Error starting test agent HTTP transport: %v", err)
		}
		a.T.Logf("failed to start test agent HTTP transport: %v, retrying", err)
		time.Sleep(25 * time.Millisecond)
	}
}

// config returns the default configuration for a test agent: dev mode on
// localhost, rule-based atomicity so no test depends on a live oracle, and
// retry delays short enough to exercise failure paths quickly.
func (a *TestAgent) config() *Config {
	conf := DevConfig()

	conf.Runtime.PrimaryNLPMethod = pointer.Of(vconfig.NLPMethodDeterministic)
	conf.Runtime.MaxRetries = pointer.Of(1)
	conf.Runtime.BackoffStrategy = pointer.Of("fixed")
	conf.Runtime.InitialDelay = 100 * time.Millisecond
	conf.Runtime.MaxDelay = 100 * time.Millisecond

	if a.ConfigCallback != nil {
		a.ConfigCallback(conf)
	}
	return conf
}

// Shutdown stops the agent and its HTTP transport. Safe to call more than
// once.
func (a *TestAgent) Shutdown() error {
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		if a.Agent != nil {
			a.Agent.Shutdown()
		}
		if a.Server != nil {
			a.Server.Shutdown()
		}
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timed out while shutting down test agent")
	}
}

// HTTPAddr is the full address of the started HTTP transport.
func (a *TestAgent) HTTPAddr() string {
	if a.Server == nil {
		return ""
	}
	return "http://" + a.Server.Addr
}

// Client builds an API client pointed at the started agent.
func (a *TestAgent) Client() *api.Client {
	conf := api.DefaultConfig()
	conf.Address = a.HTTPAddr()
	c, err := api.NewClient(conf)
	if err != nil {
		a.T.Fatalf("Error creating Vibe API client: %s", err)
	}
	return c
}
