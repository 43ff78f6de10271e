// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

// WorkerStatus is the liveness state of a worker agent.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is an execution agent owned by the dispatcher. Capabilities are
// task-type tags; a worker may only run tasks whose type it carries. A
// worker offline longer than the liveness timeout is removed.
type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []string     `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"currentTaskId,omitempty"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`

	CreateIndex uint64 `json:"createIndex"`
	ModifyIndex uint64 `json:"modifyIndex"`
}

func (w *Worker) Copy() *Worker {
	if w == nil {
		return nil
	}
	nw := new(Worker)
	*nw = *w
	nw.Capabilities = make([]string, len(w.Capabilities))
	copy(nw.Capabilities, w.Capabilities)
	return nw
}

// CapabilitySet materializes the capability tags for set operations.
func (w *Worker) CapabilitySet() *set.Set[string] {
	return set.From(w.Capabilities)
}

// CanRun reports whether the worker is capable of running the task. An
// untyped task may run anywhere; a worker with no declared capabilities
// accepts any type.
func (w *Worker) CanRun(t *Task) bool {
	if t.Type == "" || len(w.Capabilities) == 0 {
		return true
	}
	return w.CapabilitySet().Contains(t.Type)
}
