// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/helper/testlog"
	"github.com/hashicorp/vibe/oracle"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/stream"
	"github.com/hashicorp/vibe/vibe/structs"
)

type serverHarness struct {
	cfg    *config.Config
	oracle oracle.Oracle
	driver TaskDriver

	gcInterval  time.Duration
	gcThreshold time.Duration
}

func testServer(t *testing.T, h serverHarness) *Server {
	t.Helper()

	snap, err := config.Resolve(h.cfg)
	must.NoError(t, err)
	logger := testlog.HCLogger(t)
	reg := config.NewRegistry(snap, logger)

	s, err := NewServer(&Config{
		Logger:      logger,
		Registry:    reg,
		Oracle:      h.oracle,
		Driver:      h.driver,
		GCInterval:  h.gcInterval,
		GCThreshold: h.gcThreshold,
	})
	must.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// requireEventOrder asserts want appears as an ordered subsequence of
// got; unrelated events may interleave.
func requireEventOrder(t *testing.T, got, want []string) {
	t.Helper()
	i := 0
	for _, typ := range got {
		if i < len(want) && typ == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("event stream missing %q in order; saw %v", want[i], got)
	}
}

func TestServer_RequiresRegistry(t *testing.T) {
	ci.Parallel(t)

	_, err := NewServer(nil)
	must.Error(t, err)

	_, err = NewServer(&Config{})
	must.Error(t, err)
}

func TestServer_SubmitJobLifecycle(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: newScriptDriver(),
	})

	sub, err := s.Subscribe(&stream.SubscribeRequest{
		Filter: structs.EventFilter{ProjectID: "proj-9"},
	})
	must.NoError(t, err)
	defer sub.Unsubscribe()

	task := atomicRoot("task-a")
	task.ProjectID = "proj-9"
	job, err := s.SubmitJob(&structs.CreateJobRequest{Task: task})
	must.NoError(t, err)
	must.NotEq(t, "", job.ID)
	must.Eq(t, "proj-9", job.ProjectID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []string
	var final *structs.ProgressUpdate
	for final == nil {
		events, err := sub.Next(ctx)
		must.NoError(t, err)
		for _, ev := range events.Events {
			types = append(types, ev.Type)
			if ev.Type == structs.TypeJobCompleted {
				final = ev.Payload.(*structs.ProgressUpdate)
			}
		}
	}

	requireEventOrder(t, types, []string{
		structs.TypeJobCreated,
		structs.TypeJobStarted,
		structs.TypeTaskAssigned,
		structs.TypeTaskCompleted,
		structs.TypeJobCompleted,
	})
	must.Eq(t, float64(100), final.Progress)
	must.NotNil(t, final.Result)
	must.Eq(t, 1, final.Result.CompletedTasks)

	got, err := s.Job(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCompleted, got.Status)

	sess, err := s.Session(job.ID)
	must.NoError(t, err)
	must.Eq(t, got.SessionID, sess.ID)
	must.Len(t, 1, sess.Atomics)
}

func TestServer_SubmitJobValidation(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(),
		driver: newScriptDriver(),
	})

	_, err := s.SubmitJob(nil)
	must.Eq(t, structs.ErrKindValidation, structs.KindOf(err))

	_, err = s.SubmitJob(&structs.CreateJobRequest{})
	must.Eq(t, structs.ErrKindValidation, structs.KindOf(err))

	_, err = s.SubmitJob(&structs.CreateJobRequest{
		Task: &structs.Task{EstimatedMinutes: 5},
	})
	must.Eq(t, structs.ErrKindValidation, structs.KindOf(err))

	// nothing was admitted
	stubs, err := s.Jobs("")
	must.NoError(t, err)
	must.Len(t, 0, stubs)
}

func TestServer_JobLookupErrors(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(),
		driver: newScriptDriver(),
	})

	_, err := s.Job("")
	must.Eq(t, structs.ErrKindValidation, structs.KindOf(err))

	_, err = s.Job("nope")
	must.ErrorIs(t, err, structs.ErrJobNotFound)

	_, err = s.Session("nope")
	must.ErrorIs(t, err, structs.ErrJobNotFound)

	_, err = s.Jobs("bogus")
	must.Eq(t, structs.ErrKindValidation, structs.KindOf(err))
}

func TestServer_JobsFilterByStatus(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg: fastRetries(1),
		oracle: oracle.NewScripted(
			oracle.Reply{Text: atomicVerdict},
			oracle.Reply{Text: atomicVerdict},
		),
		driver: newScriptDriver(),
	})

	first, err := s.SubmitJob(&structs.CreateJobRequest{Task: atomicRoot("task-a")})
	must.NoError(t, err)
	second, err := s.SubmitJob(&structs.CreateJobRequest{Task: atomicRoot("task-b")})
	must.NoError(t, err)

	waitForJob(t, s.State(), first.ID, structs.JobStatusCompleted)
	waitForJob(t, s.State(), second.ID, structs.JobStatusCompleted)

	stubs, err := s.Jobs(structs.JobStatusCompleted)
	must.NoError(t, err)
	must.Len(t, 2, stubs)

	stubs, err = s.Jobs(structs.JobStatusFailed)
	must.NoError(t, err)
	must.Len(t, 0, stubs)
}

func TestServer_CancelPauseResume(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	gate := make(chan struct{})
	driver.release["Add email input field"] = gate
	defer close(gate)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	job, err := s.SubmitJob(&structs.CreateJobRequest{Task: atomicRoot("task-a")})
	must.NoError(t, err)
	waitStarted(t, driver)

	must.NoError(t, s.PauseJob(job.ID))
	waitForJob(t, s.State(), job.ID, structs.JobStatusPaused)

	must.NoError(t, s.ResumeJob(job.ID))
	waitForJob(t, s.State(), job.ID, structs.JobStatusRunning)

	must.NoError(t, s.CancelJob(job.ID))
	got := waitForJob(t, s.State(), job.ID, structs.JobStatusCancelled)
	must.True(t, got.Terminal())

	// second cancel is a safe no-op
	must.NoError(t, s.CancelJob(job.ID))
}

func TestServer_Stats(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: newScriptDriver(),
	})

	job, err := s.SubmitJob(&structs.CreateJobRequest{Task: atomicRoot("task-a")})
	must.NoError(t, err)
	waitForJob(t, s.State(), job.ID, structs.JobStatusCompleted)

	stats := s.Stats()
	must.Eq(t, 1, stats["jobs"].(int))
	must.GreaterEq(t, 1, stats["workers"].(int))
	must.Eq(t, 0, stats["subscribers"].(int))
	must.NotEq(t, "", stats["uptime"].(string))
}

func TestServer_GCReapsTerminalJobs(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:         fastRetries(1),
		oracle:      oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver:      newScriptDriver(),
		gcInterval:  20 * time.Millisecond,
		gcThreshold: time.Millisecond,
	})

	job, err := s.SubmitJob(&structs.CreateJobRequest{Task: atomicRoot("task-a")})
	must.NoError(t, err)

	// only terminal jobs are reaped, so disappearance implies the job
	// completed first
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Job(job.ID); errors.Is(err, structs.ErrJobNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("terminal job was never reaped")
}

func TestServer_DefaultGCRetention(t *testing.T) {
	ci.Parallel(t)

	// a deployment that never sets job_gc_threshold keeps terminal jobs
	// for at least a day
	must.GreaterEq(t, 24*time.Hour, defaultGCThreshold)
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	ci.Parallel(t)

	s := testServer(t, serverHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(),
		driver: newScriptDriver(),
	})

	must.NoError(t, s.Shutdown())
	select {
	case <-s.ShutdownCh():
	default:
		t.Fatal("shutdown channel still open")
	}
	must.NoError(t, s.Shutdown())
}
