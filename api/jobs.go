// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"fmt"
	"net/url"
	"time"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Jobs is used to access the job endpoints.
type Jobs struct {
	client *Client
}

// Jobs returns a handle on the job endpoints.
func (c *Client) Jobs() *Jobs {
	return &Jobs{client: c}
}

// ProjectContext carries hints about the surrounding codebase that the
// decomposition engine feeds to its atomicity rules.
type ProjectContext struct {
	Languages     []string `json:"languages,omitempty"`
	Frameworks    []string `json:"frameworks,omitempty"`
	CodebaseSize  string   `json:"codebaseSize,omitempty"`
	ExistingTasks []string `json:"existingTasks,omitempty"`
}

// Task is the unit of work submitted for decomposition and execution.
type Task struct {
	ID                 string          `json:"id,omitempty"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Priority           string          `json:"priority,omitempty"`
	Type               string          `json:"type,omitempty"`
	EstimatedMinutes   float64         `json:"estimatedMinutes,omitempty"`
	DependsOn          []string        `json:"dependsOn,omitempty"`
	AcceptanceCriteria []string        `json:"acceptanceCriteria,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	ProjectID          string          `json:"projectId,omitempty"`
	EpicID             string          `json:"epicId,omitempty"`
	FilePaths          []string        `json:"filePaths,omitempty"`
	Deadline           *time.Time      `json:"deadline,omitempty"`
	Context            *ProjectContext `json:"context,omitempty"`
}

// TaskResult is the per-task outcome recorded in a job result.
type TaskResult struct {
	TaskID     string    `json:"taskId"`
	WorkerID   string    `json:"workerId,omitempty"`
	Status     string    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// JobResult aggregates the outcome of a completed job.
type JobResult struct {
	SessionID      string                 `json:"sessionId"`
	TotalTasks     int                    `json:"totalTasks"`
	CompletedTasks int                    `json:"completedTasks"`
	TaskResults    map[string]*TaskResult `json:"taskResults,omitempty"`
	Elapsed        time.Duration          `json:"elapsed,omitempty"`
}

// Transition is one entry of a job's status history.
type Transition struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Ts       time.Time `json:"ts"`
}

// RetryPolicy snapshots the retry policy a job was admitted under.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	InitialDelay      time.Duration `json:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
	Strategy          string        `json:"strategy"`
}

// Job tracks a submitted task from decomposition through completion.
type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Warning    string     `json:"warning,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"errorKind,omitempty"`
	AncestorID string     `json:"ancestorId,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	ProjectID  string     `json:"projectId,omitempty"`
	RetryCount int        `json:"retryCount"`

	Policy RetryPolicy `json:"policy"`

	CreateTime   time.Time `json:"createTime"`
	StartTime    time.Time `json:"startTime,omitempty"`
	CompleteTime time.Time `json:"completeTime,omitempty"`
	ModifyTime   time.Time `json:"modifyTime"`

	TransitionLog []*Transition `json:"transitionLog,omitempty"`

	CreateIndex uint64 `json:"createIndex"`
	ModifyIndex uint64 `json:"modifyIndex"`
}

// JobListStub is the abbreviated job returned by the list endpoint.
type JobListStub struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	ProjectID  string    `json:"projectId,omitempty"`
	CreateTime time.Time `json:"createTime"`
	ModifyTime time.Time `json:"modifyTime"`
}

// GraphEdge is one dependency edge of a session's task graph.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AtomicTask is a leaf task produced by decomposition, with the
// atomicity verdict that stopped further splitting. The task fields
// inline into the same object on the wire.
type AtomicTask struct {
	Task

	AtomicityConfidence float64  `json:"atomicityConfidence"`
	Warnings            []string `json:"warnings,omitempty"`
}

// SessionResults carries the summary block of a persisted session.
type SessionResults struct {
	SuccessfullyPersisted int      `json:"successfullyPersisted"`
	TotalGenerated        int      `json:"totalGenerated"`
	Warnings              []string `json:"warnings,omitempty"`
}

// Session is the persisted record of one decomposition run.
type Session struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId,omitempty"`
	Root       *Task           `json:"root"`
	Atomics    []*AtomicTask   `json:"atomics"`
	GraphNodes []string        `json:"graphNodes"`
	GraphEdges []GraphEdge     `json:"graphEdges"`
	Rich       *SessionResults `json:"richResults,omitempty"`
	CreateTime time.Time       `json:"createTime"`

	CreateIndex uint64 `json:"createIndex"`
	ModifyIndex uint64 `json:"modifyIndex"`
}

// JobCreateRequest is the payload for submitting a task.
type JobCreateRequest struct {
	TaskSpec *Task `json:"taskSpec"`

	// AncestorID links a sub-job to the job that spawned it.
	AncestorID string `json:"ancestorId,omitempty"`
}

// JobCreateResponse acknowledges admission with the new job ID.
type JobCreateResponse struct {
	JobID string `json:"jobId"`
}

// GenericResponse acknowledges lifecycle commands with no payload.
type GenericResponse struct {
	OK bool `json:"ok"`
}

// Create submits a task for decomposition and execution and returns the
// new job ID.
func (j *Jobs) Create(task *Task, w *WriteOptions) (string, *WriteMeta, error) {
	if task == nil {
		return "", nil, fmt.Errorf("missing task")
	}
	req := &JobCreateRequest{TaskSpec: task}
	var resp JobCreateResponse
	wm, err := j.client.post("/v1/jobs", req, &resp, w)
	if err != nil {
		return "", nil, err
	}
	return resp.JobID, wm, nil
}

// List queries all known jobs, optionally filtered to one status.
func (j *Jobs) List(status string, q *QueryOptions) ([]*JobListStub, *QueryMeta, error) {
	if status != "" {
		q = q.WithContext(q.Context())
		if q.Params == nil {
			q.Params = map[string]string{}
		}
		q.Params["status"] = status
	}
	var resp struct {
		Jobs []*JobListStub `json:"jobs"`
	}
	qm, err := j.client.query("/v1/jobs", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp.Jobs, qm, nil
}

// Info queries a single job by ID.
func (j *Jobs) Info(jobID string, q *QueryOptions) (*Job, *QueryMeta, error) {
	var job Job
	qm, err := j.client.query("/v1/job/"+url.PathEscape(jobID), &job, q)
	if err != nil {
		return nil, nil, err
	}
	return &job, qm, nil
}

// Session queries the decomposition session attached to a job.
func (j *Jobs) Session(jobID string, q *QueryOptions) (*Session, *QueryMeta, error) {
	var session Session
	qm, err := j.client.query("/v1/job/"+url.PathEscape(jobID)+"/session", &session, q)
	if err != nil {
		return nil, nil, err
	}
	return &session, qm, nil
}

// Cancel aborts a job. Cancelling a terminal job is a no-op that still
// reports OK.
func (j *Jobs) Cancel(jobID string, w *WriteOptions) (*WriteMeta, error) {
	var resp GenericResponse
	wm, err := j.client.put("/v1/job/"+url.PathEscape(jobID)+"/cancel", nil, &resp, w)
	if err != nil {
		return nil, err
	}
	return wm, nil
}

// Pause holds back dispatch of a job's ready tasks; running tasks keep
// going.
func (j *Jobs) Pause(jobID string, w *WriteOptions) (*WriteMeta, error) {
	var resp GenericResponse
	wm, err := j.client.put("/v1/job/"+url.PathEscape(jobID)+"/pause", nil, &resp, w)
	if err != nil {
		return nil, err
	}
	return wm, nil
}

// Resume lifts a pause and lets dispatch continue.
func (j *Jobs) Resume(jobID string, w *WriteOptions) (*WriteMeta, error) {
	var resp GenericResponse
	wm, err := j.client.put("/v1/job/"+url.PathEscape(jobID)+"/resume", nil, &resp, w)
	if err != nil {
		return nil, err
	}
	return wm, nil
}
