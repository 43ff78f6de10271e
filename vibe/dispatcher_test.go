// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
	"github.com/hashicorp/vibe/decompose"
	"github.com/hashicorp/vibe/helper/pointer"
	"github.com/hashicorp/vibe/helper/testlog"
	"github.com/hashicorp/vibe/oracle"
	"github.com/hashicorp/vibe/scheduler"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/state"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/vibe/timeout"
)

const atomicVerdict = `{"isAtomic": true, "confidence": 0.9, "reasoning": "single change"}`

type dispatcherHarness struct {
	cfg     *config.Config
	oracle  oracle.Oracle
	driver  TaskDriver
	workers []*structs.Worker
	ttl     time.Duration
	slack   time.Duration
}

func testDispatcher(t *testing.T, h dispatcherHarness) (*Dispatcher, *state.StateStore) {
	t.Helper()

	snap, err := config.Resolve(h.cfg)
	must.NoError(t, err)
	logger := testlog.HCLogger(t)
	reg := config.NewRegistry(snap, logger)

	store, err := state.NewStateStore(&state.StateStoreConfig{Logger: logger})
	must.NoError(t, err)

	tm := timeout.NewManager(reg, logger)
	det := decompose.NewDetector(reg, tm, h.oracle, logger)
	eng := decompose.NewEngine(reg, tm, det, h.oracle, logger)

	ttl := h.ttl
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	slack := h.slack
	if slack <= 0 {
		slack = 10 * time.Second
	}

	d, err := NewDispatcher(&DispatcherConfig{
		Logger:        logger,
		Registry:      reg,
		State:         store,
		Engine:        eng,
		Scheduler:     scheduler.New(logger),
		Timeouts:      tm,
		Driver:        h.driver,
		HeartbeatTTL:  ttl,
		DispatchSlack: slack,
		Workers:       h.workers,
	})
	must.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d, store
}

// fastRetries keeps retry delays short enough for tests.
func fastRetries(n int) *config.Config {
	return &config.Config{
		MaxRetries:      pointer.Of(n),
		InitialDelay:    pointer.Of(100 * time.Millisecond),
		MaxDelay:        pointer.Of(200 * time.Millisecond),
		BackoffStrategy: pointer.Of(string(structs.BackoffFixed)),
	}
}

func dispatchTask(t *testing.T, d *Dispatcher, store *state.StateStore, root *structs.Task) *structs.Job {
	t.Helper()
	job := &structs.Job{
		ID:        "job-" + root.ID,
		ProjectID: root.ProjectID,
		Policy:    d.reg.RetryPolicy(),
	}
	must.NoError(t, store.CreateJob(job))
	d.Dispatch(job, root)
	return job
}

func waitForJob(t *testing.T, store *state.StateStore, id string, status structs.JobStatus) *structs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *structs.Job
	for time.Now().Before(deadline) {
		job, err := store.JobByID(id)
		must.NoError(t, err)
		if job != nil && job.Status == status {
			return job
		}
		last = job
		time.Sleep(10 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("job %s never reached %s: stuck at %s (error: %q)", id, status, last.Status, last.Error)
	}
	t.Fatalf("job %s never appeared", id)
	return nil
}

func taskIDByTitle(t *testing.T, sess *structs.Session, title string) string {
	t.Helper()
	for _, at := range sess.Atomics {
		if at.Title == title {
			return at.ID
		}
	}
	t.Fatalf("session has no task titled %q", title)
	return ""
}

// scriptDriver is a controllable TaskDriver keyed by task title, since
// generated child task IDs are not known up front.
type scriptDriver struct {
	mu            sync.Mutex
	failAttempts  map[string]int           // title -> attempts that error
	blockAttempts map[string]int           // title -> attempts that hang until ctx fires
	release       map[string]chan struct{} // title -> completion gate
	attempts      map[string]int
	order         []string          // titles in completion order
	ranOn         map[string]string // title -> worker of successful attempt

	started chan string // receives the title at every attempt start
}

func newScriptDriver() *scriptDriver {
	return &scriptDriver{
		failAttempts:  make(map[string]int),
		blockAttempts: make(map[string]int),
		release:       make(map[string]chan struct{}),
		attempts:      make(map[string]int),
		ranOn:         make(map[string]string),
		started:       make(chan string, 16),
	}
}

func (d *scriptDriver) Run(ctx context.Context, at *structs.AtomicTask, w *structs.Worker) (string, error) {
	d.mu.Lock()
	d.attempts[at.Title]++
	fail := d.failAttempts[at.Title] > 0
	if fail {
		d.failAttempts[at.Title]--
	}
	block := !fail && d.blockAttempts[at.Title] > 0
	if block {
		d.blockAttempts[at.Title]--
	}
	gate := d.release[at.Title]
	d.mu.Unlock()

	select {
	case d.started <- at.Title:
	default:
	}

	if fail {
		return "", errors.New("scripted failure")
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	d.mu.Lock()
	d.order = append(d.order, at.Title)
	if w != nil {
		d.ranOn[at.Title] = w.ID
	}
	d.mu.Unlock()
	return "ok", nil
}

func (d *scriptDriver) attemptsFor(title string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[title]
}

func (d *scriptDriver) completionOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *scriptDriver) workerFor(title string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ranOn[title]
}

func waitStarted(t *testing.T, d *scriptDriver) string {
	t.Helper()
	select {
	case title := <-d.started:
		return title
	case <-time.After(5 * time.Second):
		t.Fatal("no task attempt started")
		return ""
	}
}

func atomicRoot(id string) *structs.Task {
	return &structs.Task{
		ID:                 id,
		Title:              "Add email input field",
		Type:               "frontend",
		Priority:           structs.PriorityMedium,
		EstimatedMinutes:   6,
		FilePaths:          []string{"src/form.tsx"},
		AcceptanceCriteria: []string{"field visible"},
	}
}

const orderedSplit = `{
  "subtasks": [
    {"title": "Create user input field", "estimatedMinutes": 4,
     "filePaths": ["form.tsx"], "acceptanceCriteria": ["field renders"]},
    {"title": "Validate user input", "estimatedMinutes": 3,
     "filePaths": ["form.tsx"], "acceptanceCriteria": ["rejects bad input"],
     "dependsOn": [0]}
  ]
}`

const twinSplit = `{
  "subtasks": [
    {"title": "Build header", "estimatedMinutes": 4,
     "filePaths": ["header.tsx"], "acceptanceCriteria": ["header renders"]},
    {"title": "Build footer", "estimatedMinutes": 4,
     "filePaths": ["footer.tsx"], "acceptanceCriteria": ["footer renders"]}
  ]
}`

func TestDispatcher_RunsAtomicJobToCompletion(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	root := atomicRoot("task-a")
	job := dispatchTask(t, d, store, root)

	got := waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, float64(100), got.Progress)
	must.NotNil(t, got.Result)
	must.Eq(t, 1, got.Result.TotalTasks)
	must.Eq(t, 1, got.Result.CompletedTasks)
	must.Eq(t, 0, got.RetryCount)

	// the atomic root keeps its submitted ID
	tr := got.Result.TaskResults["task-a"]
	must.NotNil(t, tr)
	must.Eq(t, structs.TaskStatusDone, tr.Status)
	must.Eq(t, "ok", tr.Output)
	must.NotEq(t, "", tr.WorkerID)

	sess, err := store.SessionForJob(job.ID)
	must.NoError(t, err)
	must.NotNil(t, sess)
	must.Eq(t, got.SessionID, sess.ID)
	must.Eq(t, 1, sess.Rich.SuccessfullyPersisted)
}

func TestDispatcher_RunsDependentsAfterPrerequisites(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	d, store := testDispatcher(t, dispatcherHarness{
		cfg: fastRetries(1),
		oracle: oracle.NewScripted(
			oracle.Reply{Text: orderedSplit},
			oracle.Reply{Text: atomicVerdict},
			oracle.Reply{Text: atomicVerdict},
		),
		driver: driver,
	})

	root := &structs.Task{
		ID:                 "root-1",
		Title:              "Create and validate user input",
		Type:               "frontend",
		EstimatedMinutes:   7,
		FilePaths:          []string{"form.tsx"},
		AcceptanceCriteria: []string{"works"},
	}
	job := dispatchTask(t, d, store, root)

	got := waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, 2, got.Result.TotalTasks)
	must.Eq(t, []string{"Create user input field", "Validate user input"},
		driver.completionOrder())
}

func TestDispatcher_RetriesFailedAttempt(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.failAttempts["Add email input field"] = 1

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(2),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	job := dispatchTask(t, d, store, atomicRoot("task-a"))

	got := waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, 1, got.RetryCount)
	must.Eq(t, 2, driver.attemptsFor("Add email input field"))
	must.Eq(t, 1, got.Result.TaskResults["task-a"].Retries)
}

func TestDispatcher_FailsJobWhenRetriesExhaust(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.failAttempts["Add email input field"] = 10

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	job := dispatchTask(t, d, store, atomicRoot("task-a"))

	got := waitForJob(t, store, job.ID, structs.JobStatusFailed)
	must.StrContains(t, got.Error, "failed after 2 attempts")
	must.Eq(t, 1, got.RetryCount)
	must.Eq(t, 2, driver.attemptsFor("Add email input field"))
	must.Eq(t, structs.TaskStatusFailed, got.Result.TaskResults["task-a"].Status)
}

func TestDispatcher_TaskTimeoutFailsAttempt(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.blockAttempts["Add email input field"] = 10

	root := atomicRoot("task-a")
	root.EstimatedMinutes = 0.001 // 60ms of budget

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(0),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
		slack:  50 * time.Millisecond,
	})

	job := dispatchTask(t, d, store, root)

	got := waitForJob(t, store, job.ID, structs.JobStatusFailed)
	must.Eq(t, structs.ErrKindTimeout, got.ErrorKind)
	must.StrContains(t, got.Error, "failed after 1 attempts")
}

func TestDispatcher_CancelAbortsRunningTask(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.blockAttempts["Add email input field"] = 10

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(3),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	job := dispatchTask(t, d, store, atomicRoot("task-a"))
	waitStarted(t, driver)

	must.NoError(t, d.CancelJob(job.ID))
	got := waitForJob(t, store, job.ID, structs.JobStatusCancelled)
	must.True(t, got.Terminal())

	// cancel is idempotent for client retries
	must.NoError(t, d.CancelJob(job.ID))

	// the planner goroutine unwinds
	deadline := time.Now().Add(3 * time.Second)
	for d.ActiveJobs() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	must.Eq(t, 0, d.ActiveJobs())

	// no retry was charged for the abort
	must.Eq(t, 0, got.RetryCount)
}

func TestDispatcher_PauseStopsNewDispatch(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	headerGate := make(chan struct{})
	footerGate := make(chan struct{})
	driver.release["Build header"] = headerGate
	driver.release["Build footer"] = footerGate

	d, store := testDispatcher(t, dispatcherHarness{
		cfg: fastRetries(1),
		oracle: oracle.NewScripted(
			oracle.Reply{Text: twinSplit},
			oracle.Reply{Text: atomicVerdict},
			oracle.Reply{Text: atomicVerdict},
		),
		driver:  driver,
		workers: []*structs.Worker{{ID: "w1"}},
	})

	root := &structs.Task{
		ID:                 "root-1",
		Title:              "Build header and footer",
		EstimatedMinutes:   8,
		FilePaths:          []string{"page.tsx"},
		AcceptanceCriteria: []string{"page renders"},
	}
	job := dispatchTask(t, d, store, root)

	// one worker, so exactly one task starts
	must.Eq(t, "Build header", waitStarted(t, driver))

	must.NoError(t, d.PauseJob(job.ID))
	close(headerGate)

	// the first task drains and progress records, but nothing new starts
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.JobByID(job.ID)
		must.NoError(t, err)
		if got.Progress >= 50 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	must.Eq(t, 0, driver.attemptsFor("Build footer"))

	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusPaused, got.Status)
	must.Eq(t, float64(50), got.Progress)

	must.NoError(t, d.ResumeJob(job.ID))
	close(footerGate)

	waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, []string{"Build header", "Build footer"}, driver.completionOrder())
}

func TestDispatcher_ReassignsTaskFromLostWorker(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.blockAttempts["Add email input field"] = 1 // first attempt hangs until the worker dies

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(2),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
		workers: []*structs.Worker{
			{ID: "w1"},
			{ID: "w2"},
		},
		ttl: 250 * time.Millisecond,
	})

	// keep both workers alive until the task lands on w1
	var loseW1 atomic.Bool
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !loseW1.Load() {
					_ = d.Heartbeat("w1")
				}
				_ = d.Heartbeat("w2")
			}
		}
	}()

	job := dispatchTask(t, d, store, atomicRoot("task-a"))

	waitStarted(t, driver)
	loseW1.Store(true)

	got := waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, 1, got.RetryCount)
	must.Eq(t, 2, driver.attemptsFor("Add email input field"))
	must.Eq(t, "w2", driver.workerFor("Add email input field"))
	must.Eq(t, 1, got.Result.TaskResults["task-a"].Retries)

	w1, err := store.WorkerByID("w1")
	must.NoError(t, err)
	must.Eq(t, structs.WorkerStatusOffline, w1.Status)
}

func TestDispatcher_BlockedTaskWaitsForCapableWorker(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(1),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
		workers: []*structs.Worker{
			{ID: "w1", Capabilities: []string{"backend"}},
		},
	})

	job := dispatchTask(t, d, store, atomicRoot("task-a")) // Type frontend

	// no capable worker: the job holds instead of failing
	time.Sleep(200 * time.Millisecond)
	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusRunning, got.Status)
	must.Eq(t, 0, driver.attemptsFor("Add email input field"))

	must.NoError(t, d.RegisterWorker(&structs.Worker{
		ID:           "w2",
		Capabilities: []string{"frontend"},
	}))

	waitForJob(t, store, job.ID, structs.JobStatusCompleted)
	must.Eq(t, "w2", driver.workerFor("Add email input field"))
}

func TestDispatcher_DecompositionFailureFailsJob(t *testing.T) {
	ci.Parallel(t)

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(0),
		oracle: oracle.NewScripted(oracle.Reply{Err: errors.New("llm down")}),
		driver: newScriptDriver(),
	})

	root := &structs.Task{
		ID:                 "root-1",
		Title:              "Create and validate user input",
		EstimatedMinutes:   7,
		FilePaths:          []string{"form.tsx"},
		AcceptanceCriteria: []string{"works"},
	}
	job := dispatchTask(t, d, store, root)

	got := waitForJob(t, store, job.ID, structs.JobStatusFailed)
	must.Eq(t, structs.ErrKindOracle, got.ErrorKind)
}

func TestDispatcher_ShutdownAbandonsRunningWork(t *testing.T) {
	ci.Parallel(t)

	driver := newScriptDriver()
	driver.blockAttempts["Add email input field"] = 10

	d, store := testDispatcher(t, dispatcherHarness{
		cfg:    fastRetries(3),
		oracle: oracle.NewScripted(oracle.Reply{Text: atomicVerdict}),
		driver: driver,
	})

	job := dispatchTask(t, d, store, atomicRoot("task-a"))
	waitStarted(t, driver)

	d.Shutdown()

	// the job record keeps its last persisted status
	got, err := store.JobByID(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusRunning, got.Status)
	must.Eq(t, 0, d.ActiveJobs())
}
