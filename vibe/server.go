// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package vibe implements the orchestration core. A Server owns the
// policy registry, event broker, state store, decomposition engine,
// scheduler, and dispatcher, and exposes the command surface the
// transports call: submit, query, cancel, pause, resume, subscribe.
package vibe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vibe/decompose"
	"github.com/hashicorp/vibe/oracle"
	"github.com/hashicorp/vibe/oracle/openai"
	"github.com/hashicorp/vibe/scheduler"
	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/state"
	"github.com/hashicorp/vibe/vibe/stream"
	"github.com/hashicorp/vibe/vibe/structs"
	"github.com/hashicorp/vibe/vibe/timeout"
)

const (
	// defaultGCInterval is how often terminal jobs are swept.
	defaultGCInterval = 5 * time.Minute

	// defaultGCThreshold is how long a terminal job is kept before the
	// sweeper may reap it. Terminal jobs are retained for a day unless
	// job_gc_threshold extends it.
	defaultGCThreshold = 24 * time.Hour
)

// Config parameterizes a Server. Registry is required; everything else
// has working defaults.
type Config struct {
	Logger   hclog.Logger
	Registry *config.Registry

	// SessionDir persists sessions and their event logs; empty keeps
	// everything in memory.
	SessionDir string

	// Limits overrides the built-in rate limit families.
	Limits map[string]LimitConfig

	// Oracle overrides provider selection. Nil builds the provider
	// named by the registry's oracle config.
	Oracle oracle.Oracle

	// Driver overrides task execution. Nil uses SimDriver.
	Driver TaskDriver

	// Workers seeds the pool explicitly; see DispatcherConfig.Workers.
	Workers []*structs.Worker

	HeartbeatTTL  time.Duration
	DispatchSlack time.Duration

	GCInterval  time.Duration
	GCThreshold time.Duration

	// EventBufferSize is the per-subscriber broker buffer.
	EventBufferSize int
}

// Server composes the orchestration core.
type Server struct {
	config *Config
	logger hclog.Logger

	reg        *config.Registry
	broker     *stream.EventBroker
	state      *state.StateStore
	tm         *timeout.Manager
	detector   *decompose.Detector
	engine     *decompose.Engine
	sched      *scheduler.Scheduler
	dispatcher *Dispatcher
	limiter    *RateLimiter

	startTime time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shutdownCh     chan struct{}
	shutdownLock   sync.Mutex
	shutdownDone   bool
}

// NewServer wires the core together and starts its background loops.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Registry == nil {
		return nil, errors.New("server requires a config registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("vibe")

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}
	gcThreshold := cfg.GCThreshold
	if gcThreshold <= 0 {
		gcThreshold = defaultGCThreshold
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	broker := stream.NewEventBroker(shutdownCtx, stream.EventBrokerCfg{
		EventBufferSize: cfg.EventBufferSize,
		Logger:          logger,
	})
	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:     logger,
		Broker:     broker,
		SessionDir: cfg.SessionDir,
	})
	if err != nil {
		shutdownCancel()
		return nil, err
	}

	orc := cfg.Oracle
	if orc == nil {
		orc, err = buildOracle(cfg.Registry.Oracle(), logger)
		if err != nil {
			shutdownCancel()
			return nil, err
		}
	}

	limiter, err := NewRateLimiter(shutdownCtx, logger, cfg.Limits)
	if err != nil {
		shutdownCancel()
		return nil, err
	}

	tm := timeout.NewManager(cfg.Registry, logger)
	det := decompose.NewDetector(cfg.Registry, tm, orc, logger)
	eng := decompose.NewEngine(cfg.Registry, tm, det, orc, logger)
	sched := scheduler.New(logger)

	dispatcher, err := NewDispatcher(&DispatcherConfig{
		Logger:        logger,
		Registry:      cfg.Registry,
		State:         store,
		Engine:        eng,
		Scheduler:     sched,
		Timeouts:      tm,
		Driver:        cfg.Driver,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		DispatchSlack: cfg.DispatchSlack,
		Workers:       cfg.Workers,
	})
	if err != nil {
		shutdownCancel()
		return nil, err
	}

	s := &Server{
		config:         cfg,
		logger:         logger,
		reg:            cfg.Registry,
		broker:         broker,
		state:          store,
		tm:             tm,
		detector:       det,
		engine:         eng,
		sched:          sched,
		dispatcher:     dispatcher,
		limiter:        limiter,
		startTime:      time.Now(),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
		shutdownCh:     make(chan struct{}),
	}

	go s.gcLoop(gcInterval, gcThreshold)

	logger.Info("server started",
		"oracle", cfg.Registry.Oracle().Provider,
		"scheduler", cfg.Registry.SchedulerPolicy().Algorithm,
		"max_concurrent_tasks", cfg.Registry.Limits().MaxConcurrentTasks)
	return s, nil
}

// buildOracle picks the provider named by config. Providers scripted and
// none yield an empty scripted oracle: rule-based detection still works
// and any consultation fails loudly instead of hanging.
func buildOracle(ocfg config.OracleConfig, logger hclog.Logger) (oracle.Oracle, error) {
	switch ocfg.Provider {
	case "openai":
		return openai.New(ocfg, logger)
	case "scripted", "none", "":
		return oracle.NewScripted(), nil
	default:
		return nil, structs.NewConfigError("oracle.provider", ocfg.Provider,
			"openai, scripted, or none")
	}
}

// Shutdown stops the dispatcher and background loops. Safe to call more
// than once.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdownDone {
		return nil
	}
	s.shutdownDone = true

	s.logger.Info("server shutting down")
	s.dispatcher.Shutdown()
	s.shutdownCancel()
	close(s.shutdownCh)
	return nil
}

// ShutdownCh closes when the server has begun shutting down.
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Limiter exposes the ingress rate limiter to the transports.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// State exposes the store for read paths that need it directly.
func (s *Server) State() *state.StateStore { return s.state }

// SubmitJob validates, admits, and dispatches a task for orchestration.
// The job advances asynchronously; callers watch progress through the
// event stream or by polling.
func (s *Server) SubmitJob(req *structs.CreateJobRequest) (*structs.Job, error) {
	if req == nil || req.Task == nil {
		return nil, structs.NewValidationError("taskSpec", "missing task")
	}

	task := req.Task.Copy()
	task.Canonicalize()
	if task.ID == "" {
		task.ID = structs.GenerateID()
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	job := &structs.Job{
		ID:         structs.GenerateID(),
		AncestorID: req.AncestorID,
		ProjectID:  task.ProjectID,
		Policy:     s.reg.RetryPolicy(),
	}
	if err := s.state.CreateJob(job); err != nil {
		return nil, err
	}

	s.logger.Info("job admitted", "job_id", job.ID, "title", task.Title)
	s.dispatcher.Dispatch(job, task)

	created, err := s.state.JobByID(job.ID)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Job returns one job by ID.
func (s *Server) Job(id string) (*structs.Job, error) {
	if id == "" {
		return nil, structs.NewValidationError("id", "missing job ID")
	}
	job, err := s.state.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.ErrJobNotFound
	}
	return job, nil
}

// Jobs lists jobs, optionally filtered by status, newest last.
func (s *Server) Jobs(status structs.JobStatus) ([]*structs.JobListStub, error) {
	if status != "" && !status.Valid() {
		return nil, structs.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	jobs, err := s.state.Jobs(status)
	if err != nil {
		return nil, err
	}
	structs.SortJobs(jobs)
	stubs := make([]*structs.JobListStub, len(jobs))
	for i, j := range jobs {
		stubs[i] = j.Stub()
	}
	return stubs, nil
}

// Session returns the decomposition session bound to a job.
func (s *Server) Session(jobID string) (*structs.Session, error) {
	if _, err := s.Job(jobID); err != nil {
		return nil, err
	}
	sess, err := s.state.SessionForJob(jobID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, structs.ErrSessionNotFound
	}
	return sess, nil
}

// CancelJob requests cancellation; the job is guaranteed terminal when
// this returns without error.
func (s *Server) CancelJob(id string) error {
	return s.dispatcher.CancelJob(id)
}

// PauseJob suspends new task dispatch for a running job.
func (s *Server) PauseJob(id string) error {
	return s.dispatcher.PauseJob(id)
}

// ResumeJob resumes a paused job.
func (s *Server) ResumeJob(id string) error {
	return s.dispatcher.ResumeJob(id)
}

// Workers lists the known worker records.
func (s *Server) Workers() ([]*structs.Worker, error) {
	return s.state.Workers("")
}

// RegisterWorker admits an external worker into the dispatch pool.
func (s *Server) RegisterWorker(w *structs.Worker) error {
	if w == nil || w.ID == "" {
		return structs.NewValidationError("worker", "missing worker ID")
	}
	return s.dispatcher.RegisterWorker(w)
}

// DeregisterWorker removes a worker; its running task is requeued.
func (s *Server) DeregisterWorker(id string) error {
	if id == "" {
		return structs.NewValidationError("worker", "missing worker ID")
	}
	return s.dispatcher.DeregisterWorker(id)
}

// WorkerHeartbeat records liveness for an external worker.
func (s *Server) WorkerHeartbeat(id string) error {
	if id == "" {
		return structs.NewValidationError("worker", "missing worker ID")
	}
	return s.dispatcher.Heartbeat(id)
}

// Subscribe opens an event feed; the caller must Unsubscribe when done.
func (s *Server) Subscribe(req *stream.SubscribeRequest) (*stream.Subscription, error) {
	return s.broker.Subscribe(req)
}

// Stats summarizes the server for the agent self endpoint.
func (s *Server) Stats() map[string]any {
	jobs, _ := s.state.Jobs("")
	workers, _ := s.state.Workers("")
	return map[string]any{
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"jobs":        len(jobs),
		"active_jobs": s.dispatcher.ActiveJobs(),
		"workers":     len(workers),
		"subscribers": s.broker.Len(),
	}
}

// gcLoop periodically reaps terminal jobs older than the threshold.
func (s *Server) gcLoop(interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			n, err := s.state.GCJobs(time.Now(), threshold)
			if err != nil {
				s.logger.Error("job garbage collection failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("reaped terminal jobs", "count", n)
			}
		}
	}
}
