// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// workerHeartbeater tracks one liveness timer per worker. A worker that
// misses its window is reported through onExpire, which marks it offline
// and hands its in-flight task back for reassignment. Timers fire on
// their own goroutines, so onExpire must be safe to call concurrently.
type workerHeartbeater struct {
	logger   hclog.Logger
	ttl      time.Duration
	onExpire func(workerID string)

	lock    sync.Mutex
	timers  map[string]*time.Timer
	enabled bool
}

func newWorkerHeartbeater(logger hclog.Logger, ttl time.Duration, onExpire func(string)) *workerHeartbeater {
	return &workerHeartbeater{
		logger:   logger.Named("heartbeat"),
		ttl:      ttl,
		onExpire: onExpire,
		timers:   make(map[string]*time.Timer),
		enabled:  true,
	}
}

// resetTimer starts or extends the worker's liveness window.
func (h *workerHeartbeater) resetTimer(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.enabled {
		return
	}
	if timer, ok := h.timers[id]; ok {
		timer.Reset(h.ttl)
		return
	}
	h.timers[id] = time.AfterFunc(h.ttl, func() {
		h.invalidate(id)
	})
}

func (h *workerHeartbeater) invalidate(id string) {
	h.lock.Lock()
	delete(h.timers, id)
	enabled := h.enabled
	h.lock.Unlock()

	if !enabled {
		return
	}
	h.logger.Warn("worker missed heartbeat window", "worker_id", id, "ttl", h.ttl)
	metrics.IncrCounter([]string{"vibe", "heartbeat", "expired"}, 1)
	h.onExpire(id)
}

// clearTimer stops tracking one worker, typically after deregistration.
func (h *workerHeartbeater) clearTimer(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if timer, ok := h.timers[id]; ok {
		timer.Stop()
		delete(h.timers, id)
	}
}

// clearAll stops every timer and disables the heartbeater for shutdown.
func (h *workerHeartbeater) clearAll() {
	h.lock.Lock()
	defer h.lock.Unlock()

	for id, timer := range h.timers {
		timer.Stop()
		delete(h.timers, id)
	}
	h.enabled = false
}
