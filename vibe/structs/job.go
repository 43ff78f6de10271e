// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"cmp"
	"slices"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal statuses are immutable; no further transitions are legal.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// jobStatusGraph lists the legal moves of the job status machine.
var jobStatusGraph = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPaused:  {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job in status s may move to status to.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobStatusGraph[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one entry in a job's append-only status log.
type Transition struct {
	From     JobStatus `json:"from"`
	To       JobStatus `json:"to"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Ts       time.Time `json:"ts"`
}

// JobResult summarizes a completed job.
type JobResult struct {
	SessionID      string                 `json:"sessionId"`
	TotalTasks     int                    `json:"totalTasks"`
	CompletedTasks int                    `json:"completedTasks"`
	TaskResults    map[string]*TaskResult `json:"taskResults,omitempty"`
	Elapsed        time.Duration          `json:"elapsed,omitempty"`
}

func (r *JobResult) Copy() *JobResult {
	if r == nil {
		return nil
	}
	nr := new(JobResult)
	*nr = *r
	if r.TaskResults != nil {
		nr.TaskResults = make(map[string]*TaskResult, len(r.TaskResults))
		for id, tr := range r.TaskResults {
			nr.TaskResults[id] = tr.Copy()
		}
	}
	return nr
}

// Job tracks one submitted task from decomposition through completion.
// Progress is 100 exactly when the status is completed. ModifyTime is
// monotone; mutation of a terminal job is rejected by the store.
type Job struct {
	ID         string     `json:"id"`
	Status     JobStatus  `json:"status"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Warning    string     `json:"warning,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  ErrKind    `json:"errorKind,omitempty"`
	AncestorID string     `json:"ancestorId,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	ProjectID  string     `json:"projectId,omitempty"`
	RetryCount int        `json:"retryCount"`

	// Policy snapshots the retry policy in force at creation.
	Policy RetryPolicy `json:"policy"`

	CreateTime   time.Time `json:"createTime"`
	StartTime    time.Time `json:"startTime,omitempty"`
	CompleteTime time.Time `json:"completeTime,omitempty"`
	ModifyTime   time.Time `json:"modifyTime"`

	// TransitionLog is the append-only record of status changes.
	TransitionLog []*Transition `json:"transitionLog,omitempty"`

	CreateIndex uint64 `json:"createIndex"`
	ModifyIndex uint64 `json:"modifyIndex"`
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := new(Job)
	*nj = *j
	nj.Result = j.Result.Copy()
	nj.TransitionLog = make([]*Transition, len(j.TransitionLog))
	for i, tr := range j.TransitionLog {
		tc := *tr
		nj.TransitionLog[i] = &tc
	}
	return nj
}

func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Canonicalize fills defaults on a freshly built job.
func (j *Job) Canonicalize() {
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.CreateTime.IsZero() {
		j.CreateTime = time.Now().UTC()
	}
	if j.ModifyTime.Before(j.CreateTime) {
		j.ModifyTime = j.CreateTime
	}
}

// Stub trims a job down to the fields list endpoints return.
func (j *Job) Stub() *JobListStub {
	return &JobListStub{
		ID:         j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		Message:    j.Message,
		SessionID:  j.SessionID,
		ProjectID:  j.ProjectID,
		CreateTime: j.CreateTime,
		ModifyTime: j.ModifyTime,
	}
}

// JobListStub is the abbreviated form used by list endpoints and the CLI.
type JobListStub struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	ProjectID  string    `json:"projectId,omitempty"`
	CreateTime time.Time `json:"createTime"`
	ModifyTime time.Time `json:"modifyTime"`
}

// ProgressUpdate is the payload of job.progress events; progress is
// monotone per job except on explicit retry reset.
type ProgressUpdate struct {
	JobID    string     `json:"jobId"`
	Status   JobStatus  `json:"status"`
	Progress float64    `json:"progress"`
	Message  string     `json:"message,omitempty"`
	Warning  string     `json:"warning,omitempty"`
	Result   *JobResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Kind     ErrKind    `json:"kind,omitempty"`
	Ts       time.Time  `json:"ts"`
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	JobID    string     `json:"jobId"`
	TaskID   string     `json:"taskId"`
	WorkerID string     `json:"workerId,omitempty"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	Ts       time.Time  `json:"ts"`
}

// CopyJobs deep-copies a job slice, used by list queries.
func CopyJobs(jobs []*Job) []*Job {
	if jobs == nil {
		return nil
	}
	out := make([]*Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Copy()
	}
	return out
}

// SortJobs orders jobs by create index ascending for stable listings.
func SortJobs(jobs []*Job) {
	slices.SortFunc(jobs, func(a, b *Job) int {
		return cmp.Compare(a.CreateIndex, b.CreateIndex)
	})
}
