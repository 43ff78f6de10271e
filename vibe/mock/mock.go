// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock holds prebuilt fixtures for tests.
package mock

import (
	"time"

	"github.com/hashicorp/vibe/vibe/structs"
)

func Task() *structs.Task {
	return &structs.Task{
		ID:                 structs.GenerateID(),
		Title:              "Add rate limiting to the login endpoint",
		Description:        "Guard the login endpoint with a token bucket keyed by client IP.",
		Priority:           structs.PriorityHigh,
		Type:               "backend",
		EstimatedMinutes:   15,
		AcceptanceCriteria: []string{"login endpoint returns 429 after burst exhaustion"},
		Tags:               []string{"auth", "security"},
		ProjectID:          "proj-auth",
		FilePaths:          []string{"internal/auth/login.go"},
	}
}

func AtomicTask() *structs.AtomicTask {
	return &structs.AtomicTask{
		Task:                *Task(),
		AtomicityConfidence: 0.9,
	}
}

func Job() *structs.Job {
	job := &structs.Job{
		ID:        structs.GenerateID(),
		Status:    structs.JobStatusPending,
		ProjectID: "proj-auth",
		Policy:    structs.DefaultRetryPolicy(),
	}
	job.Canonicalize()
	return job
}

func Worker() *structs.Worker {
	return &structs.Worker{
		ID:            structs.GenerateID(),
		Capabilities:  []string{"backend", "frontend"},
		Status:        structs.WorkerStatusIdle,
		LastHeartbeat: time.Now().UTC(),
	}
}

func Session() *structs.Session {
	root := Task()
	root.Title = "Build the auth service"
	root.EstimatedMinutes = 90

	first := AtomicTask()
	first.ID = root.ID + "-001"
	second := AtomicTask()
	second.ID = root.ID + "-002"
	second.Title = "Write integration coverage for login throttling"
	second.FilePaths = []string{"internal/auth/login_test.go"}

	return &structs.Session{
		ID:         structs.GenerateID(),
		Root:       root,
		Atomics:    []*structs.AtomicTask{first, second},
		GraphNodes: []string{first.ID, second.ID},
		GraphEdges: []structs.GraphEdge{{From: first.ID, To: second.ID}},
		CreateTime: time.Now().UTC(),
	}
}
