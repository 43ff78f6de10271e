// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// GenerateID returns a new opaque unique ID for jobs, sessions and
// subscribers.
func GenerateID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// the only failure mode is a broken entropy source
		panic(fmt.Errorf("failed to generate uuid: %w", err))
	}
	return id
}

// CreateJobRequest submits a task for decomposition and execution.
type CreateJobRequest struct {
	Task *Task `json:"taskSpec"`

	// AncestorID links a sub-job to the job that spawned it.
	AncestorID string `json:"ancestorId,omitempty"`
}

// CreateJobResponse acknowledges admission with the new job ID.
type CreateJobResponse struct {
	JobID string `json:"jobId"`
}

// JobSpecificRequest targets one job by ID.
type JobSpecificRequest struct {
	JobID string `json:"jobId"`
}

// GenericResponse acknowledges commands with no payload. Idempotent
// commands (cancel on a cancelled job) return OK and no error.
type GenericResponse struct {
	OK bool `json:"ok"`
}

// JobListRequest lists jobs, optionally filtered by status.
type JobListRequest struct {
	Status JobStatus `json:"status,omitempty"`
}

// JobListResponse carries abbreviated jobs.
type JobListResponse struct {
	Jobs []*JobListStub `json:"jobs"`
}

// EventFilter selects the events a subscriber receives. An empty filter
// matches everything.
type EventFilter struct {
	JobID     string `json:"jobId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

// Matches reports whether an event passes the filter. Project filtering
// relies on the FilterKeys stamped by the publisher.
func (f EventFilter) Matches(e *Event) bool {
	if f.JobID == "" && f.ProjectID == "" {
		return true
	}
	if f.JobID != "" && e.Key == f.JobID {
		return true
	}
	if f.ProjectID != "" {
		for _, fk := range e.FilterKeys {
			if fk == f.ProjectID {
				return true
			}
		}
	}
	return false
}
