// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"

	"github.com/hashicorp/vibe/vibe/structs"
)

// StreamCommand is one inbound frame on a bidirectional transport. The
// client correlates the response through ID.
type StreamCommand struct {
	ID  string `json:"id,omitempty"`
	Cmd string `json:"cmd"`

	// Task carries the spec for createJob.
	Task *structs.Task `json:"taskSpec,omitempty"`

	// JobID targets job-scoped commands.
	JobID string `json:"jobId,omitempty"`

	// Status filters listJobs.
	Status string `json:"status,omitempty"`
}

// StreamResponse answers one command frame.
type StreamResponse struct {
	ID     string      `json:"id,omitempty"`
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// runStreamCommand executes one command frame against the orchestration
// server. Errors come back inside the response so a bad frame never
// tears the transport down.
func runStreamCommand(a *Agent, cmd *StreamCommand) *StreamResponse {
	res := &StreamResponse{ID: cmd.ID}

	fail := func(err error) *StreamResponse {
		res.Error = err.Error()
		return res
	}

	switch cmd.Cmd {
	case "createJob":
		job, err := a.server.SubmitJob(&structs.CreateJobRequest{Task: cmd.Task})
		if err != nil {
			return fail(err)
		}
		res.Ok = true
		res.Result = &structs.CreateJobResponse{JobID: job.ID}

	case "job":
		job, err := a.server.Job(cmd.JobID)
		if err != nil {
			return fail(err)
		}
		res.Ok = true
		res.Result = job

	case "listJobs":
		jobs, err := a.server.Jobs(structs.JobStatus(cmd.Status))
		if err != nil {
			return fail(err)
		}
		res.Ok = true
		res.Result = jobs

	case "session":
		sess, err := a.server.Session(cmd.JobID)
		if err != nil {
			return fail(err)
		}
		res.Ok = true
		res.Result = sess

	case "cancelJob":
		if err := a.server.CancelJob(cmd.JobID); err != nil {
			return fail(err)
		}
		res.Ok = true

	case "pauseJob":
		if err := a.server.PauseJob(cmd.JobID); err != nil {
			return fail(err)
		}
		res.Ok = true

	case "resumeJob":
		if err := a.server.ResumeJob(cmd.JobID); err != nil {
			return fail(err)
		}
		res.Ok = true

	case "ping":
		res.Ok = true
		res.Result = "pong"

	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Cmd))
	}

	return res
}
