// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"fmt"
	"net/url"
	"time"
)

const (
	WorkerStatusReady = "ready"
	WorkerStatusBusy  = "busy"
	WorkerStatusDown  = "down"
)

// Workers is used to access the worker pool endpoints.
type Workers struct {
	client *Client
}

// Workers returns a handle on the worker endpoints.
func (c *Client) Workers() *Workers {
	return &Workers{client: c}
}

// Worker is one execution slot in the agent's pool.
type Worker struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	CreateIndex uint64 `json:"createIndex"`
	ModifyIndex uint64 `json:"modifyIndex"`
}

// List queries the current worker pool.
func (w *Workers) List(q *QueryOptions) ([]*Worker, *QueryMeta, error) {
	var resp []*Worker
	qm, err := w.client.query("/v1/workers", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}

// Register adds a worker to the pool. The scheduler is re-invoked so
// queued tasks can land on it immediately.
func (w *Workers) Register(worker *Worker, wo *WriteOptions) (*Worker, *WriteMeta, error) {
	if worker == nil || worker.ID == "" {
		return nil, nil, fmt.Errorf("missing worker ID")
	}
	var out Worker
	wm, err := w.client.post("/v1/workers", worker, &out, wo)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// Deregister removes a worker from the pool. Its running task, if any,
// is requeued.
func (w *Workers) Deregister(workerID string, wo *WriteOptions) (*WriteMeta, error) {
	var out map[string]bool
	wm, err := w.client.delete("/v1/worker/"+url.PathEscape(workerID), &out, wo)
	if err != nil {
		return nil, err
	}
	return wm, nil
}

// Heartbeat refreshes a worker's liveness window.
func (w *Workers) Heartbeat(workerID string, wo *WriteOptions) (*WriteMeta, error) {
	var out map[string]bool
	wm, err := w.client.put("/v1/worker/"+url.PathEscape(workerID)+"/heartbeat", nil, &out, wo)
	if err != nil {
		return nil, err
	}
	return wm, nil
}
