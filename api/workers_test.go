// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestWorkers_List(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Vibe-Index", "5")
		json.NewEncoder(w).Encode([]*Worker{
			{ID: "w1", Status: WorkerStatusReady, Capabilities: []string{"general"}, LastHeartbeat: now},
			{ID: "w2", Status: WorkerStatusBusy, CurrentTaskID: "t7", LastHeartbeat: now},
		})
	}))

	workers, qm, err := c.Workers().List(nil)
	must.NoError(t, err)
	must.Eq(t, 5, qm.LastIndex)
	must.Len(t, 2, workers)
	must.Eq(t, "w1", workers[0].ID)
	must.Eq(t, WorkerStatusBusy, workers[1].Status)
	must.Eq(t, "t7", workers[1].CurrentTaskID)
}

func TestWorkers_Register(t *testing.T) {
	t.Parallel()

	var (
		gotMethod string
		gotPath   string
		gotWorker Worker
	)
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotWorker); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotWorker.Status = WorkerStatusReady
		gotWorker.CreateIndex = 8
		gotWorker.ModifyIndex = 8
		json.NewEncoder(w).Encode(&gotWorker)
	}))

	out, _, err := c.Workers().Register(&Worker{ID: "w9", Capabilities: []string{"code", "research"}}, nil)
	must.NoError(t, err)
	must.Eq(t, http.MethodPost, gotMethod)
	must.Eq(t, "/v1/workers", gotPath)
	must.Eq(t, "w9", out.ID)
	must.Eq(t, WorkerStatusReady, out.Status)
	must.Eq(t, []string{"code", "research"}, out.Capabilities)
	must.Eq(t, 8, out.CreateIndex)
}

func TestWorkers_Register_missingID(t *testing.T) {
	t.Parallel()

	c, err := NewClient(DefaultConfig())
	must.NoError(t, err)

	_, _, err = c.Workers().Register(&Worker{}, nil)
	must.EqError(t, err, "missing worker ID")

	_, _, err = c.Workers().Register(nil, nil)
	must.EqError(t, err, "missing worker ID")
}

func TestWorkers_Heartbeat(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))

	_, err := c.Workers().Heartbeat("w1", nil)
	must.NoError(t, err)
	must.Eq(t, http.MethodPut, gotMethod)
	must.Eq(t, "/v1/worker/w1/heartbeat", gotPath)
}

func TestWorkers_Deregister(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))

	_, err := c.Workers().Deregister("w1", nil)
	must.NoError(t, err)
	must.Eq(t, http.MethodDelete, gotMethod)
	must.Eq(t, "/v1/worker/w1", gotPath)
}
