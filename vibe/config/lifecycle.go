// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vibe/vibe/structs"
)

// Registry serves resolved policy snapshots. One registry is installed
// process-wide through Init; components that cannot thread a reference
// reach it through Instance.
type Registry struct {
	logger hclog.Logger
	snap   atomic.Pointer[Snapshot]

	// stub marks the side-effect-free fallback served while the real
	// registry is still under construction.
	stub bool
}

// NewRegistry builds a standalone registry around a resolved snapshot.
// Tests and embedded callers use this directly; process-wide callers go
// through Init.
func NewRegistry(snap *Snapshot, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.L()
	}
	r := &Registry{logger: logger.Named("config")}
	r.snap.Store(snap)
	return r
}

// Snapshot returns the current consistent view. Callers should hold one
// snapshot per operation rather than re-reading per field.
func (r *Registry) Snapshot() *Snapshot {
	if r.stub {
		r.logger.Warn("config registry accessed before initialization, serving compiled defaults")
	}
	return r.snap.Load()
}

func (r *Registry) TimeoutFor(op Op) time.Duration {
	return r.Snapshot().TimeoutFor(op)
}

func (r *Registry) RetryPolicy() structs.RetryPolicy {
	return r.Snapshot().RetryPolicy()
}

func (r *Registry) SchedulerPolicy() structs.SchedulerPolicy {
	return r.Snapshot().SchedulerPolicy()
}

func (r *Registry) Limits() structs.Limits {
	return r.Snapshot().Limits()
}

func (r *Registry) Oracle() OracleConfig {
	return r.Snapshot().Oracle()
}

func (r *Registry) PrimaryNLPMethod() string {
	return r.Snapshot().PrimaryNLPMethod()
}

// Reload resolves cfg and swaps the snapshot atomically. Readers holding
// the previous snapshot finish against it; a failed resolve leaves the
// current snapshot in place.
func (r *Registry) Reload(cfg *Config) error {
	if r.stub {
		r.logger.Warn("reload ignored on uninitialized config registry")
		return nil
	}
	snap, err := Resolve(cfg)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	r.logger.Info("configuration reloaded")
	return nil
}

var (
	instanceLock sync.Mutex
	instance     atomic.Pointer[Registry]
	initializing atomic.Bool

	fallbackOnce sync.Once
	fallback     *Registry
)

// Init resolves cfg and installs the process-wide registry. Components
// constructed during Init that call Instance receive the fallback stub
// instead of deadlocking on the half-built registry.
func Init(cfg *Config, logger hclog.Logger) (*Registry, error) {
	instanceLock.Lock()
	defer instanceLock.Unlock()

	initializing.Store(true)
	defer initializing.Store(false)

	snap, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(snap, logger)
	instance.Store(r)
	return r, nil
}

// Instance returns the installed registry. During Init, or before any
// Init, it returns a stub that logs and serves compiled defaults so
// circular construction cannot observe torn state.
func Instance() *Registry {
	if initializing.Load() {
		return fallbackRegistry()
	}
	if r := instance.Load(); r != nil {
		return r
	}
	return fallbackRegistry()
}

// Teardown uninstalls the process-wide registry. Safe to call twice.
func Teardown() {
	instanceLock.Lock()
	defer instanceLock.Unlock()
	instance.Store(nil)
}

// TestReset restores pristine package state between test scenarios.
func TestReset() {
	instanceLock.Lock()
	defer instanceLock.Unlock()
	instance.Store(nil)
	initializing.Store(false)
}

func fallbackRegistry() *Registry {
	fallbackOnce.Do(func() {
		snap, err := newSnapshot(DefaultConfig())
		if err != nil {
			panic("compiled default config failed validation: " + err.Error())
		}
		fallback = NewRegistry(snap, hclog.L())
		fallback.stub = true
	})
	return fallback
}
