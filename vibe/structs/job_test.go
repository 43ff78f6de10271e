// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/hashicorp/vibe/ci"
	"github.com/shoenig/test/must"
)

func TestJobStatus_CanTransition(t *testing.T) {
	ci.Parallel(t)

	testCases := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusPaused, false},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusPaused, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusPending, false},
		{JobStatusPaused, JobStatusRunning, true},
		{JobStatusPaused, JobStatusCancelled, true},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusCancelled, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			must.Eq(t, tc.allowed, tc.from.CanTransition(tc.to))
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	ci.Parallel(t)

	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		must.True(t, s.Terminal())
	}
	live := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused}
	for _, s := range live {
		must.False(t, s.Terminal())
	}
}

func TestJob_Canonicalize(t *testing.T) {
	ci.Parallel(t)

	j := &Job{ID: "j1"}
	j.Canonicalize()

	must.Eq(t, JobStatusPending, j.Status)
	must.False(t, j.CreateTime.IsZero())
	must.False(t, j.ModifyTime.Before(j.CreateTime))
}

func TestJob_Copy(t *testing.T) {
	ci.Parallel(t)

	j := &Job{
		ID:     "j1",
		Status: JobStatusRunning,
		Result: &JobResult{SessionID: "s1", TotalTasks: 3},
		TransitionLog: []*Transition{
			{From: JobStatusPending, To: JobStatusRunning, Ts: time.Now()},
		},
	}
	jc := j.Copy()
	jc.Result.TotalTasks = 99
	jc.TransitionLog[0].To = JobStatusFailed

	must.Eq(t, 3, j.Result.TotalTasks)
	must.Eq(t, JobStatusRunning, j.TransitionLog[0].To)
}

func TestSortJobs(t *testing.T) {
	ci.Parallel(t)

	jobs := []*Job{
		{ID: "c", CreateIndex: 3},
		{ID: "a", CreateIndex: 1},
		{ID: "b", CreateIndex: 2},
	}
	SortJobs(jobs)
	must.Eq(t, "a", jobs[0].ID)
	must.Eq(t, "b", jobs[1].ID)
	must.Eq(t, "c", jobs[2].ID)
}

func TestEventFilter_Matches(t *testing.T) {
	ci.Parallel(t)

	ev := &Event{Topic: TopicJob, Type: TypeJobProgress, Key: "job-1", FilterKeys: []string{"proj-9"}}

	must.True(t, EventFilter{}.Matches(ev))
	must.True(t, EventFilter{JobID: "job-1"}.Matches(ev))
	must.False(t, EventFilter{JobID: "job-2"}.Matches(ev))
	must.True(t, EventFilter{ProjectID: "proj-9"}.Matches(ev))
	must.False(t, EventFilter{ProjectID: "proj-1"}.Matches(ev))
	must.True(t, EventFilter{JobID: "job-2", ProjectID: "proj-9"}.Matches(ev))
}
