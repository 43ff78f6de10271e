// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vibe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/decompose"
	"github.com/hashicorp/vibe/lib/dag"
	"github.com/hashicorp/vibe/scheduler"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/state"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/vibe/timeout"
)

const (
	// defaultHeartbeatTTL is how long a worker may go silent before it
	// is marked offline and its task reassigned.
	defaultHeartbeatTTL = 30 * time.Second

	// defaultDispatchSlack pads every task's execution budget on top of
	// its own estimate.
	defaultDispatchSlack = 30 * time.Second

	// minPulseInterval floors the self-heartbeat cadence for the
	// in-process worker pool.
	minPulseInterval = 10 * time.Millisecond
)

// DispatcherConfig wires the dispatcher to its collaborators.
type DispatcherConfig struct {
	Logger    hclog.Logger
	Registry  *config.Registry
	State     *state.StateStore
	Engine    *decompose.Engine
	Scheduler *scheduler.Scheduler
	Timeouts  *timeout.Manager

	// Driver executes atomic tasks. Defaults to SimDriver.
	Driver TaskDriver

	// HeartbeatTTL is the worker liveness window.
	HeartbeatTTL time.Duration

	// DispatchSlack pads each task's execution timeout beyond its
	// estimate.
	DispatchSlack time.Duration

	// Workers seeds the pool explicitly. When empty the dispatcher
	// seeds one generic worker per concurrency slot and keeps those
	// alive itself; explicitly seeded workers must heartbeat through
	// the Heartbeat API like external ones.
	Workers []*structs.Worker
}

// Dispatcher drives admitted jobs through decomposition, scheduling, and
// execution. Each job gets one planner goroutine; task attempts run on
// their own goroutines bounded by a pool sized max_concurrent_tasks.
type Dispatcher struct {
	logger    hclog.Logger
	reg       *config.Registry
	state     *state.StateStore
	engine    *decompose.Engine
	sched     *scheduler.Scheduler
	tm        *timeout.Manager
	driver    TaskDriver
	heartbeat *workerHeartbeater
	slack     time.Duration

	// slots bounds concurrent task attempts across all jobs.
	slots chan struct{}

	// lock guards runs and workerBusy. Planner goroutines may take it
	// while holding their run's mu; the reverse order is never taken.
	lock       sync.Mutex
	runs       map[string]*jobRun
	workerBusy map[string]busyEntry

	// local names the self-seeded workers the pulse loop keeps alive.
	local []string

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownOnce   sync.Once
	wg             sync.WaitGroup
}

type busyEntry struct {
	run    *jobRun
	taskID string
}

// jobRun is the in-memory execution state of one admitted job.
type jobRun struct {
	jobID     string
	projectID string
	policy    structs.RetryPolicy
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// wake coalesces replan triggers; capacity one.
	wake chan struct{}

	mu       sync.Mutex
	session  *structs.Session
	graph    *dag.Graph
	tasks    map[string]*taskState
	paused   bool
	finished bool
}

type taskState struct {
	task     *structs.AtomicTask
	status   structs.TaskStatus
	workerID string
	retries  int
	result   *structs.TaskResult

	// notBefore delays redispatch after a failed attempt.
	notBefore time.Time

	// lostWorker marks the in-flight attempt as doomed by a heartbeat
	// miss so the failure path attributes it correctly.
	lostWorker    bool
	attemptCancel context.CancelFunc
	startedAt     time.Time
}

// NewDispatcher builds a dispatcher and seeds the worker pool.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg.State == nil || cfg.Registry == nil {
		return nil, errors.New("dispatcher requires a state store and config registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	slack := cfg.DispatchSlack
	if slack <= 0 {
		slack = defaultDispatchSlack
	}
	driver := cfg.Driver
	if driver == nil {
		driver = &SimDriver{}
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	poolSize := cfg.Registry.Limits().MaxConcurrentTasks

	d := &Dispatcher{
		logger:         logger.Named("dispatch"),
		reg:            cfg.Registry,
		state:          cfg.State,
		engine:         cfg.Engine,
		sched:          cfg.Scheduler,
		tm:             cfg.Timeouts,
		driver:         driver,
		slack:          slack,
		slots:          make(chan struct{}, poolSize),
		runs:           make(map[string]*jobRun),
		workerBusy:     make(map[string]busyEntry),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	d.heartbeat = newWorkerHeartbeater(d.logger, ttl, d.onWorkerExpire)

	workers := cfg.Workers
	if len(workers) == 0 {
		for i := 1; i <= poolSize; i++ {
			w := &structs.Worker{ID: fmt.Sprintf("worker-%02d", i)}
			workers = append(workers, w)
			d.local = append(d.local, w.ID)
		}
	}
	for _, w := range workers {
		if err := d.state.UpsertWorker(w); err != nil {
			shutdownCancel()
			return nil, err
		}
		d.heartbeat.resetTimer(w.ID)
	}
	if len(d.local) > 0 {
		d.wg.Add(1)
		go d.pulseLoop(ttl)
	}

	d.logger.Info("dispatcher started",
		"pool_size", poolSize, "workers", len(workers), "heartbeat_ttl", ttl)
	return d, nil
}

// Shutdown stops planning and waits for in-flight goroutines. Running
// attempts are aborted; job records keep their last persisted status.
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.shutdownCancel()
		d.heartbeat.clearAll()
	})
	d.wg.Wait()
}

// ActiveJobs reports how many jobs are currently in the pipeline.
func (d *Dispatcher) ActiveJobs() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.runs)
}

// Dispatch admits a created job into the pipeline and returns
// immediately; the job advances on its own planner goroutine.
func (d *Dispatcher) Dispatch(job *structs.Job, root *structs.Task) {
	d.wg.Add(1)
	go d.runJob(job, root)
}

// CancelJob moves the job to cancelled and aborts its in-flight tasks.
// Cancelling an already cancelled job stays a no-op so client retries are
// safe.
func (d *Dispatcher) CancelJob(id string) error {
	if err := d.state.CancelJob(id); err != nil {
		return err
	}
	if r := d.run(id); r != nil {
		r.mu.Lock()
		r.finished = true
		r.mu.Unlock()
		r.cancel()
	}
	return nil
}

// PauseJob stops new task dispatch; running attempts drain naturally.
func (d *Dispatcher) PauseJob(id string) error {
	if err := d.state.PauseJob(id); err != nil {
		return err
	}
	if r := d.run(id); r != nil {
		r.mu.Lock()
		r.paused = true
		r.mu.Unlock()
	}
	return nil
}

// ResumeJob reverses PauseJob and kicks the planner.
func (d *Dispatcher) ResumeJob(id string) error {
	if err := d.state.ResumeJob(id); err != nil {
		return err
	}
	if r := d.run(id); r != nil {
		r.mu.Lock()
		r.paused = false
		r.mu.Unlock()
		d.wake(r)
	}
	return nil
}

// RegisterWorker admits an external worker into the pool.
func (d *Dispatcher) RegisterWorker(w *structs.Worker) error {
	if err := d.state.UpsertWorker(w); err != nil {
		return err
	}
	d.heartbeat.resetTimer(w.ID)
	d.logger.Info("worker registered", "worker_id", w.ID, "capabilities", w.Capabilities)
	d.wakeAll()
	return nil
}

// DeregisterWorker removes a worker; its running task, if any, is
// requeued.
func (d *Dispatcher) DeregisterWorker(id string) error {
	d.heartbeat.clearTimer(id)
	d.reassignFrom(id, "worker deregistered")
	if err := d.state.DeleteWorker(id); err != nil {
		return err
	}
	d.wakeAll()
	return nil
}

// Heartbeat records liveness for a worker, reviving it if it was marked
// offline.
func (d *Dispatcher) Heartbeat(id string) error {
	w, err := d.state.WorkerByID(id)
	if err != nil {
		return err
	}
	if w == nil {
		return structs.ErrWorkerNotFound
	}
	if err := d.state.RecordHeartbeat(id, time.Now()); err != nil {
		return err
	}
	d.heartbeat.resetTimer(id)

	if w.Status == structs.WorkerStatusOffline {
		err := d.state.UpdateWorker(id, func(w *structs.Worker) {
			w.Status = structs.WorkerStatusIdle
			w.CurrentTaskID = ""
		})
		if err != nil {
			return err
		}
		d.logger.Info("worker back online", "worker_id", id)
		d.wakeAll()
	}
	return nil
}

func (d *Dispatcher) run(id string) *jobRun {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.runs[id]
}

func (d *Dispatcher) wake(r *jobRun) {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) wakeAll() {
	d.lock.Lock()
	runs := make([]*jobRun, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.lock.Unlock()

	for _, r := range runs {
		d.wake(r)
	}
}

// pulseLoop keeps the self-seeded workers alive. Explicitly registered
// workers heartbeat themselves.
func (d *Dispatcher) pulseLoop(ttl time.Duration) {
	defer d.wg.Done()

	interval := ttl / 3
	if interval < minPulseInterval {
		interval = minPulseInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCtx.Done():
			return
		case <-ticker.C:
			for _, id := range d.local {
				if err := d.state.RecordHeartbeat(id, time.Now()); err != nil {
					continue
				}
				d.heartbeat.resetTimer(id)
			}
		}
	}
}

// runJob is the per-job pipeline: decompose, persist the session, then
// plan and dispatch until every task reaches a terminal state.
func (d *Dispatcher) runJob(job *structs.Job, root *structs.Task) {
	defer d.wg.Done()
	logger := d.logger.With("job_id", job.ID)

	ctx, cancel := context.WithCancel(d.shutdownCtx)
	r := &jobRun{
		jobID:     job.ID,
		projectID: root.ProjectID,
		policy:    job.Policy,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		tasks:     make(map[string]*taskState),
	}
	d.lock.Lock()
	d.runs[job.ID] = r
	d.lock.Unlock()
	defer func() {
		cancel()
		d.lock.Lock()
		delete(d.runs, job.ID)
		d.lock.Unlock()
	}()

	if err := d.state.StartJob(job.ID); err != nil {
		// Cancelled between admission and pickup.
		logger.Debug("job did not start", "error", err)
		return
	}

	sess, graph, err := d.decompose(ctx, root)
	if err != nil {
		logger.Error("decomposition failed", "error", err)
		d.failJob(r, err)
		return
	}

	sess.JobID = job.ID
	if sess.Rich != nil {
		sess.Rich.SuccessfullyPersisted = len(sess.Atomics)
	}
	if err := d.state.UpsertSession(sess); err != nil {
		d.failJob(r, err)
		return
	}
	if err := d.state.BindSession(job.ID, sess.ID, root.ProjectID); err != nil {
		d.failJob(r, err)
		return
	}
	if sess.Rich != nil {
		for _, warning := range sess.Rich.Warnings {
			if err := d.state.AppendWarning(job.ID, warning); err != nil {
				break
			}
		}
	}

	r.mu.Lock()
	r.session = sess
	r.graph = graph
	for _, at := range sess.Atomics {
		r.tasks[at.ID] = &taskState{task: at, status: structs.TaskStatusQueued}
	}
	r.mu.Unlock()

	logger.Info("decomposition complete",
		"session_id", sess.ID, "atomic_tasks", len(sess.Atomics))

	d.planLoop(r)
}

// decompose runs the engine under the decomposition budget. The engine
// retries its own oracle calls, so the run as a whole gets one attempt.
func (d *Dispatcher) decompose(ctx context.Context, root *structs.Task) (*structs.Session, *dag.Graph, error) {
	var (
		sess  *structs.Session
		graph *dag.Graph
	)
	res := d.tm.Run(ctx, config.OpTaskDecomposition, func(ctx context.Context) (any, error) {
		s, g, err := d.engine.Run(ctx, structs.GenerateID(), root)
		if err != nil {
			return nil, err
		}
		sess, graph = s, g
		return nil, nil
	}, timeout.WithoutRetry())
	if !res.Ok {
		return nil, nil, res.Err
	}
	return sess, graph, nil
}

// planLoop replans whenever the run is woken and exits once the job is
// terminal or the run context fires.
func (d *Dispatcher) planLoop(r *jobRun) {
	for {
		if d.replan(r) {
			return
		}
		select {
		case <-r.ctx.Done():
			d.finalize(r)
			return
		case <-r.wake:
		}
	}
}

// replan schedules the remaining work and dispatches what can start now.
// It returns true once the job has reached a terminal state. Overlapping
// wake-ups coalesce: the planner drains its wake channel one plan at a
// time.
func (d *Dispatcher) replan(r *jobRun) bool {
	if r.ctx.Err() != nil {
		d.finalize(r)
		return true
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return true
	}

	var queued []*structs.AtomicTask
	done := 0
	for _, ts := range r.tasks {
		switch ts.status {
		case structs.TaskStatusDone:
			done++
		case structs.TaskStatusQueued, structs.TaskStatusBlocked:
			queued = append(queued, ts.task)
		}
	}
	total := len(r.tasks)

	if done == total {
		r.finished = true
		result := r.buildResultLocked()
		r.mu.Unlock()
		d.completeJob(r, result)
		return true
	}
	if r.paused || len(queued) == 0 {
		// Paused, or everything left is already in flight.
		r.mu.Unlock()
		return false
	}

	planGraph := r.graph.Copy()
	for id, ts := range r.tasks {
		switch ts.status {
		case structs.TaskStatusQueued, structs.TaskStatusBlocked:
		default:
			planGraph.Remove(id)
		}
	}
	r.mu.Unlock()

	workers, err := d.state.Workers("")
	if err != nil {
		d.failJob(r, err)
		return true
	}

	plan, err := d.sched.Schedule(queued, planGraph, workers, d.reg.SchedulerPolicy())
	if err != nil {
		d.failJob(r, err)
		return true
	}

	d.applyPlan(r, plan)
	return false
}

// applyPlan marks uncoverable tasks blocked and starts every assignment
// whose dependencies have truly completed, in plan order, while workers
// and pool slots hold out.
func (d *Dispatcher) applyPlan(r *jobRun, plan *scheduler.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished || r.paused || r.ctx.Err() != nil {
		return
	}

	for _, id := range plan.Blocked {
		if ts := r.tasks[id]; ts != nil && ts.status == structs.TaskStatusQueued {
			ts.status = structs.TaskStatusBlocked
			d.logger.Warn("task has no capable worker; holding",
				"job_id", r.jobID, "task_id", id)
		}
	}

	now := time.Now()
	for _, taskID := range plan.Ordered() {
		ts := r.tasks[taskID]
		if ts == nil {
			continue
		}
		if ts.status == structs.TaskStatusBlocked {
			// Pool changed since the last plan.
			ts.status = structs.TaskStatusQueued
		}
		if ts.status != structs.TaskStatusQueued || ts.notBefore.After(now) {
			continue
		}
		if !d.depsDoneLocked(r, taskID) {
			continue
		}

		workerID := plan.Assignments[taskID].WorkerID
		d.lock.Lock()
		if _, busy := d.workerBusy[workerID]; busy {
			d.lock.Unlock()
			continue
		}
		select {
		case d.slots <- struct{}{}:
		default:
			// Pool saturated; a completion will wake us.
			d.lock.Unlock()
			return
		}
		d.workerBusy[workerID] = busyEntry{run: r, taskID: taskID}
		d.lock.Unlock()

		attemptCtx, cancelAttempt := context.WithCancel(r.ctx)
		ts.status = structs.TaskStatusAssigned
		ts.workerID = workerID
		ts.attemptCancel = cancelAttempt
		ts.startedAt = time.Now().UTC()

		if err := d.state.UpdateWorker(workerID, func(w *structs.Worker) {
			w.Status = structs.WorkerStatusBusy
			w.CurrentTaskID = taskID
		}); err != nil {
			d.logger.Warn("failed to mark worker busy",
				"worker_id", workerID, "error", err)
		}
		d.state.PublishTaskEvent(structs.TypeTaskAssigned, &structs.TaskEvent{
			JobID:    r.jobID,
			TaskID:   taskID,
			WorkerID: workerID,
			Status:   structs.TaskStatusAssigned,
		}, r.projectID)
		metrics.IncrCounter([]string{"vibe", "dispatch", "assign"}, 1)

		d.wg.Add(1)
		go d.execute(attemptCtx, r, ts.task, workerID)
	}
}

// depsDoneLocked reports whether every dependency of the task has really
// completed. Plans order tasks so dependents come later, but a dependent
// may only start once its prerequisites finish.
func (d *Dispatcher) depsDoneLocked(r *jobRun, taskID string) bool {
	for _, dep := range r.graph.Dependencies(taskID) {
		ts := r.tasks[dep]
		if ts == nil || ts.status != structs.TaskStatusDone {
			return false
		}
	}
	return true
}

// execute runs one task attempt on one worker under its timeout budget.
func (d *Dispatcher) execute(ctx context.Context, r *jobRun, at *structs.AtomicTask, workerID string) {
	defer d.wg.Done()

	r.mu.Lock()
	if ts := r.tasks[at.ID]; ts != nil && ts.status == structs.TaskStatusAssigned {
		ts.status = structs.TaskStatusRunning
	}
	r.mu.Unlock()

	worker, _ := d.state.WorkerByID(workerID)
	budget := taskBudget(at, d.slack)

	res := d.tm.Run(ctx, config.OpTaskExecution, func(ctx context.Context) (any, error) {
		return d.driver.Run(ctx, at, worker)
	}, timeout.WithTimeout(budget), timeout.WithoutRetry())

	d.releaseWorker(workerID, at.ID)
	<-d.slots

	if res.Ok {
		output, _ := res.Value.(string)
		d.taskDone(r, at.ID, workerID, output)
	} else {
		d.taskFailed(r, at.ID, workerID, res.Err)
	}
	d.wake(r)
}

func (d *Dispatcher) releaseWorker(workerID, taskID string) {
	d.lock.Lock()
	if entry, ok := d.workerBusy[workerID]; ok && entry.taskID == taskID {
		delete(d.workerBusy, workerID)
	}
	d.lock.Unlock()

	// Leave offline workers offline; only busy flips back to idle.
	err := d.state.UpdateWorker(workerID, func(w *structs.Worker) {
		if w.Status == structs.WorkerStatusBusy {
			w.Status = structs.WorkerStatusIdle
		}
		if w.CurrentTaskID == taskID {
			w.CurrentTaskID = ""
		}
	})
	if err != nil && !errors.Is(err, structs.ErrWorkerNotFound) {
		d.logger.Warn("failed to release worker", "worker_id", workerID, "error", err)
	}
}

func (d *Dispatcher) taskDone(r *jobRun, taskID, workerID, output string) {
	r.mu.Lock()
	ts := r.tasks[taskID]
	if ts == nil || ts.status != structs.TaskStatusRunning || r.finished {
		// Stale attempt: the task was reassigned or the job torn down
		// while this attempt was finishing.
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	ts.status = structs.TaskStatusDone
	ts.attemptCancel = nil
	ts.result = &structs.TaskResult{
		TaskID:     taskID,
		WorkerID:   workerID,
		Status:     structs.TaskStatusDone,
		Output:     output,
		Retries:    ts.retries,
		StartedAt:  ts.startedAt,
		FinishedAt: now,
	}
	done, total := r.countLocked()
	r.mu.Unlock()

	metrics.IncrCounter([]string{"vibe", "dispatch", "task_complete"}, 1)
	d.state.PublishTaskEvent(structs.TypeTaskCompleted, &structs.TaskEvent{
		JobID:    r.jobID,
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   structs.TaskStatusDone,
	}, r.projectID)

	if done < total {
		pct := float64(done) / float64(total) * 100
		msg := fmt.Sprintf("%d/%d tasks complete", done, total)
		if err := d.state.UpdateProgress(r.jobID, pct, msg); err != nil {
			d.logger.Debug("progress update rejected", "job_id", r.jobID, "error", err)
		}
	}
}

func (d *Dispatcher) taskFailed(r *jobRun, taskID, workerID string, cause error) {
	if cause == nil {
		cause = errors.New("task attempt failed")
	}

	r.mu.Lock()
	ts := r.tasks[taskID]
	if ts == nil || r.finished ||
		(ts.status != structs.TaskStatusRunning && ts.status != structs.TaskStatusAssigned) {
		r.mu.Unlock()
		return
	}
	if r.ctx.Err() != nil {
		ts.status = structs.TaskStatusCancelled
		r.mu.Unlock()
		return
	}

	reason := cause.Error()
	if ts.lostWorker {
		ts.lostWorker = false
		reason = fmt.Sprintf("worker %s lost", workerID)
		cause = errors.New(reason)
	}

	ts.retries++
	attempt := ts.retries
	ts.attemptCancel = nil
	ts.workerID = ""

	if attempt > r.policy.MaxRetries {
		ts.status = structs.TaskStatusFailed
		ts.result = &structs.TaskResult{
			TaskID:     taskID,
			WorkerID:   workerID,
			Status:     structs.TaskStatusFailed,
			Error:      reason,
			Retries:    attempt,
			StartedAt:  ts.startedAt,
			FinishedAt: time.Now().UTC(),
		}
		r.finished = true
		r.mu.Unlock()

		metrics.IncrCounter([]string{"vibe", "dispatch", "task_failed"}, 1)
		d.state.PublishTaskEvent(structs.TypeTaskFailed, &structs.TaskEvent{
			JobID:    r.jobID,
			TaskID:   taskID,
			WorkerID: workerID,
			Status:   structs.TaskStatusFailed,
			Error:    reason,
		}, r.projectID)
		d.failJob(r, fmt.Errorf("task %s failed after %d attempts: %w", taskID, attempt, cause))
		return
	}

	delay := r.policy.Delay(attempt)
	ts.status = structs.TaskStatusQueued
	ts.notBefore = time.Now().Add(delay)
	r.mu.Unlock()

	d.logger.Warn("task attempt failed; requeueing",
		"job_id", r.jobID, "task_id", taskID, "attempt", attempt,
		"delay", delay, "error", reason)
	retryMsg := fmt.Sprintf("retrying task %s: %s", taskID, reason)
	if err := d.state.RecordJobRetry(r.jobID, retryMsg); err != nil {
		d.logger.Debug("retry bookkeeping rejected", "job_id", r.jobID, "error", err)
	}
	time.AfterFunc(delay, func() { d.wake(r) })
}

// reassignFrom hands the task running on a vanished worker back to its
// planner. The attempt's failure path does the retry accounting.
func (d *Dispatcher) reassignFrom(workerID, reason string) {
	d.lock.Lock()
	entry, ok := d.workerBusy[workerID]
	delete(d.workerBusy, workerID)
	d.lock.Unlock()
	if !ok {
		return
	}

	r := entry.run
	r.mu.Lock()
	ts := r.tasks[entry.taskID]
	if ts != nil && !r.finished &&
		(ts.status == structs.TaskStatusAssigned || ts.status == structs.TaskStatusRunning) {
		ts.lostWorker = true
		if ts.attemptCancel != nil {
			ts.attemptCancel()
		}
		d.logger.Warn("reassigning task from lost worker",
			"job_id", r.jobID, "task_id", entry.taskID,
			"worker_id", workerID, "reason", reason)
	}
	r.mu.Unlock()
}

// onWorkerExpire fires when a worker misses its heartbeat window.
func (d *Dispatcher) onWorkerExpire(id string) {
	err := d.state.UpdateWorker(id, func(w *structs.Worker) {
		w.Status = structs.WorkerStatusOffline
		w.CurrentTaskID = ""
	})
	if err != nil && !errors.Is(err, structs.ErrWorkerNotFound) {
		d.logger.Error("failed to mark worker offline", "worker_id", id, "error", err)
	}
	d.reassignFrom(id, "missed heartbeat")
	d.wakeAll()
}

func (d *Dispatcher) failJob(r *jobRun, cause error) {
	r.mu.Lock()
	r.finished = true
	for _, ts := range r.tasks {
		if !ts.status.Terminal() {
			ts.status = structs.TaskStatusCancelled
		}
	}
	r.mu.Unlock()
	r.cancel()

	if err := d.state.FailJob(r.jobID, cause); err != nil {
		d.logger.Debug("job failure not recorded", "job_id", r.jobID, "error", err)
	}
	metrics.IncrCounter([]string{"vibe", "dispatch", "job_failed"}, 1)
	d.wake(r)
}

func (d *Dispatcher) completeJob(r *jobRun, result *structs.JobResult) {
	if err := d.state.CompleteJob(r.jobID, result); err != nil {
		d.logger.Error("failed to record job completion", "job_id", r.jobID, "error", err)
		return
	}
	d.logger.Info("job complete",
		"job_id", r.jobID, "tasks", result.TotalTasks, "elapsed", result.Elapsed)
	metrics.IncrCounter([]string{"vibe", "dispatch", "job_complete"}, 1)
}

// finalize marks any leftover in-memory task state cancelled after the
// run context fires. Store status was already settled by whoever
// cancelled or failed the job.
func (d *Dispatcher) finalize(r *jobRun) {
	r.mu.Lock()
	r.finished = true
	for _, ts := range r.tasks {
		if !ts.status.Terminal() {
			ts.status = structs.TaskStatusCancelled
		}
	}
	r.mu.Unlock()
}

func (r *jobRun) countLocked() (done, total int) {
	for _, ts := range r.tasks {
		if ts.status == structs.TaskStatusDone {
			done++
		}
	}
	return done, len(r.tasks)
}

func (r *jobRun) buildResultLocked() *structs.JobResult {
	res := &structs.JobResult{
		TotalTasks:  len(r.tasks),
		TaskResults: make(map[string]*structs.TaskResult, len(r.tasks)),
		Elapsed:     time.Since(r.startedAt),
	}
	if r.session != nil {
		res.SessionID = r.session.ID
	}
	for id, ts := range r.tasks {
		if ts.result != nil {
			res.TaskResults[id] = ts.result
		}
		if ts.status == structs.TaskStatusDone {
			res.CompletedTasks++
		}
	}
	return res
}

// taskBudget is the wall clock an attempt gets: the task's own estimate
// plus dispatch slack.
func taskBudget(at *structs.AtomicTask, slack time.Duration) time.Duration {
	est := time.Duration(at.EstimatedMinutes * float64(time.Minute))
	if est <= 0 {
		est = time.Minute
	}
	return est + slack
}
