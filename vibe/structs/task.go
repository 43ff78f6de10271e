// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/vibe/helper"
	"github.com/hashicorp/vibe/helper/pointer"
)

const (
	// AtomicMaxMinutes is the largest effort estimate an atomic task may
	// carry.
	AtomicMaxMinutes = 20

	// AtomicMaxFilePaths bounds the file surface of an atomic task.
	AtomicMaxFilePaths = 2
)

// Priority ranks a task for scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to a comparable integer, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

// Task is a unit of work submitted for decomposition. IDs are opaque
// ULID-like strings assigned by the caller or generated at submission.
type Task struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Priority           Priority        `json:"priority"`
	Type               string          `json:"type,omitempty"`
	EstimatedMinutes   float64         `json:"estimatedMinutes"`
	DependsOn          []string        `json:"dependsOn,omitempty"`
	AcceptanceCriteria []string        `json:"acceptanceCriteria,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	ProjectID          string          `json:"projectId,omitempty"`
	EpicID             string          `json:"epicId,omitempty"`
	FilePaths          []string        `json:"filePaths,omitempty"`
	Deadline           *time.Time      `json:"deadline,omitempty"`
	Context            *ProjectContext `json:"context,omitempty"`
}

func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := new(Task)
	*nt = *t
	nt.DependsOn = helper.CopySlice(t.DependsOn)
	nt.AcceptanceCriteria = helper.CopySlice(t.AcceptanceCriteria)
	nt.Tags = helper.CopySlice(t.Tags)
	nt.FilePaths = helper.CopySlice(t.FilePaths)
	nt.Deadline = pointer.Copy(t.Deadline)
	nt.Context = t.Context.Copy()
	return nt
}

// Canonicalize fills in defaults for optional fields.
func (t *Task) Canonicalize() {
	t.Title = strings.TrimSpace(t.Title)
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
}

func (t *Task) Validate() error {
	var mErr multierror.Error
	if t.Title == "" {
		mErr.Errors = append(mErr.Errors, NewValidationError("title", "missing task title"))
	}
	if !t.Priority.Valid() {
		mErr.Errors = append(mErr.Errors, NewValidationError("priority",
			fmt.Sprintf("invalid priority %q", t.Priority)))
	}
	if t.EstimatedMinutes < 0 {
		mErr.Errors = append(mErr.Errors, NewValidationError("estimatedMinutes",
			"estimated effort must not be negative"))
	}
	return mErr.ErrorOrNil()
}

// HasCoordinator reports whether s contains a standalone "and" or "or"
// between other words, which signals a task describing multiple actions.
func HasCoordinator(s string) bool {
	fields := strings.Fields(strings.ToLower(s))
	for i, w := range fields {
		if w != "and" && w != "or" {
			continue
		}
		if i > 0 && i < len(fields)-1 {
			return true
		}
	}
	return false
}

// AtomicTask is a task small enough to hand to a single worker. A task
// failing any atomicity bound cannot occupy an AtomicTask slot.
type AtomicTask struct {
	Task

	AtomicityConfidence float64  `json:"atomicityConfidence"`
	Warnings            []string `json:"warnings,omitempty"`
}

// NewAtomicTask wraps a task after verifying the atomicity bounds.
func NewAtomicTask(t *Task, confidence float64) (*AtomicTask, error) {
	at := &AtomicTask{
		Task:                *t.Copy(),
		AtomicityConfidence: confidence,
	}
	if err := at.Conforms(); err != nil {
		return nil, err
	}
	return at, nil
}

// Conforms verifies the atomicity bounds on an already-built AtomicTask.
func (a *AtomicTask) Conforms() error {
	var mErr multierror.Error
	if a.EstimatedMinutes > AtomicMaxMinutes {
		mErr.Errors = append(mErr.Errors, NewValidationError("estimatedMinutes",
			fmt.Sprintf("estimate %.0f exceeds atomic bound of %d minutes", a.EstimatedMinutes, AtomicMaxMinutes)))
	}
	if len(a.FilePaths) > AtomicMaxFilePaths {
		mErr.Errors = append(mErr.Errors, NewValidationError("filePaths",
			fmt.Sprintf("%d file paths exceed atomic bound of %d", len(a.FilePaths), AtomicMaxFilePaths)))
	}
	if len(a.AcceptanceCriteria) != 1 {
		mErr.Errors = append(mErr.Errors, NewValidationError("acceptanceCriteria",
			"atomic task must have exactly one acceptance criterion"))
	}
	if HasCoordinator(a.Title) {
		mErr.Errors = append(mErr.Errors, NewValidationError("title",
			"title describes multiple actions"))
	}
	return mErr.ErrorOrNil()
}

func (a *AtomicTask) Copy() *AtomicTask {
	if a == nil {
		return nil
	}
	na := new(AtomicTask)
	na.Task = *a.Task.Copy()
	na.AtomicityConfidence = a.AtomicityConfidence
	na.Warnings = helper.CopySlice(a.Warnings)
	return na
}

// ProjectContext describes the codebase a task belongs to. It rides along
// with submissions and feeds atomicity prompts.
type ProjectContext struct {
	Languages     []string `json:"languages,omitempty"`
	Frameworks    []string `json:"frameworks,omitempty"`
	CodebaseSize  string   `json:"codebaseSize,omitempty"`
	ExistingTasks []string `json:"existingTasks,omitempty"`
}

func (c *ProjectContext) Copy() *ProjectContext {
	if c == nil {
		return nil
	}
	nc := new(ProjectContext)
	nc.Languages = helper.CopySlice(c.Languages)
	nc.Frameworks = helper.CopySlice(c.Frameworks)
	nc.CodebaseSize = c.CodebaseSize
	nc.ExistingTasks = helper.CopySlice(c.ExistingTasks)
	return nc
}

// TaskStatus tracks an atomic task through dispatch.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusBlocked marks a ready task no live worker has the
	// capability to run. Blocked tasks are not failed; they become
	// eligible again when a capable worker appears.
	TaskStatusBlocked TaskStatus = "blocked-no-capability"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskResult records the outcome of one atomic task execution.
type TaskResult struct {
	TaskID     string     `json:"taskId"`
	WorkerID   string     `json:"workerId,omitempty"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Retries    int        `json:"retries,omitempty"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

func (r *TaskResult) Copy() *TaskResult {
	if r == nil {
		return nil
	}
	nr := new(TaskResult)
	*nr = *r
	return nr
}
