// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"

	"github.com/hashicorp/vibe/ci"
	"github.com/shoenig/test/must"
)

func TestPriority_Rank(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, 3, PriorityCritical.Rank())
	must.Eq(t, 2, PriorityHigh.Rank())
	must.Eq(t, 1, PriorityMedium.Rank())
	must.Eq(t, 0, PriorityLow.Rank())
	must.Eq(t, -1, Priority("bogus").Rank())
	must.False(t, Priority("bogus").Valid())
}

func TestTask_Validate(t *testing.T) {
	ci.Parallel(t)

	testCases := []struct {
		name        string
		task        *Task
		expectedErr string
	}{
		{
			name: "valid task",
			task: &Task{
				Title:            "Add email input field",
				Priority:         PriorityMedium,
				EstimatedMinutes: 6,
			},
		},
		{
			name:        "missing title",
			task:        &Task{Priority: PriorityLow},
			expectedErr: "missing task title",
		},
		{
			name: "invalid priority",
			task: &Task{
				Title:    "ok",
				Priority: "urgent",
			},
			expectedErr: "invalid priority",
		},
		{
			name: "negative estimate",
			task: &Task{
				Title:            "ok",
				Priority:         PriorityLow,
				EstimatedMinutes: -1,
			},
			expectedErr: "must not be negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			if tc.expectedErr == "" {
				must.NoError(t, err)
			} else {
				must.ErrorContains(t, err, tc.expectedErr)
			}
		})
	}
}

func TestTask_Copy(t *testing.T) {
	ci.Parallel(t)

	task := &Task{
		ID:                 "t1",
		Title:              "original",
		Priority:           PriorityHigh,
		FilePaths:          []string{"a.go"},
		AcceptanceCriteria: []string{"builds"},
		Context:            &ProjectContext{Languages: []string{"go"}},
	}
	taskCopy := task.Copy()
	taskCopy.Title = "copy"
	taskCopy.FilePaths[0] = "b.go"
	taskCopy.Context.Languages[0] = "rust"

	must.Eq(t, "original", task.Title)
	must.Eq(t, "a.go", task.FilePaths[0])
	must.Eq(t, "go", task.Context.Languages[0])
}

func TestHasCoordinator(t *testing.T) {
	ci.Parallel(t)

	must.True(t, HasCoordinator("Create and validate user input"))
	must.True(t, HasCoordinator("render or redirect"))
	must.False(t, HasCoordinator("Add email input field"))
	must.False(t, HasCoordinator("and then some"))
	must.False(t, HasCoordinator("operand"))
	must.False(t, HasCoordinator(""))
}

func TestAtomicTask_Conforms(t *testing.T) {
	ci.Parallel(t)

	base := func() *Task {
		return &Task{
			ID:                 "t1",
			Title:              "Add email input field",
			Priority:           PriorityMedium,
			EstimatedMinutes:   6,
			FilePaths:          []string{"src/LoginForm.tsx"},
			AcceptanceCriteria: []string{"field renders with type=email"},
		}
	}

	t.Run("conforming task", func(t *testing.T) {
		at, err := NewAtomicTask(base(), 0.85)
		must.NoError(t, err)
		must.Eq(t, 0.85, at.AtomicityConfidence)
	})

	t.Run("over duration bound", func(t *testing.T) {
		task := base()
		task.EstimatedMinutes = 21
		_, err := NewAtomicTask(task, 0.9)
		must.ErrorContains(t, err, "exceeds atomic bound")
	})

	t.Run("too many file paths", func(t *testing.T) {
		task := base()
		task.FilePaths = []string{"a.go", "b.go", "c.go"}
		_, err := NewAtomicTask(task, 0.9)
		must.ErrorContains(t, err, "file paths exceed")
	})

	t.Run("acceptance criteria count", func(t *testing.T) {
		task := base()
		task.AcceptanceCriteria = []string{"one", "two"}
		_, err := NewAtomicTask(task, 0.9)
		must.ErrorContains(t, err, "exactly one acceptance criterion")

		task.AcceptanceCriteria = nil
		_, err = NewAtomicTask(task, 0.9)
		must.ErrorContains(t, err, "exactly one acceptance criterion")
	})

	t.Run("coordinator in title", func(t *testing.T) {
		task := base()
		task.Title = "Create and validate user input"
		_, err := NewAtomicTask(task, 0.9)
		must.ErrorContains(t, err, "multiple actions")
	})
}

func TestTaskStatus_Terminal(t *testing.T) {
	ci.Parallel(t)

	must.True(t, TaskStatusDone.Terminal())
	must.True(t, TaskStatusFailed.Terminal())
	must.True(t, TaskStatusCancelled.Terminal())
	must.False(t, TaskStatusQueued.Terminal())
	must.False(t, TaskStatusAssigned.Terminal())
	must.False(t, TaskStatusRunning.Terminal())
	must.False(t, TaskStatusBlocked.Terminal())
}
