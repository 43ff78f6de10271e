// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state is the runtime's source of truth for jobs, workers, and
// decomposition sessions. Objects stored are copy-on-write: mutations
// insert fresh copies under a write transaction, so values handed to
// readers are never modified in place. Every job mutation appends to the
// job's transition log and publishes the matching event to the progress
// bus after commit.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/vibe/stream"
	"github.com/hashicorp/vibe/vibe/structs"
)

// progressCeiling is the highest progress a running job may report.
// Progress 100 is reserved for completion.
const progressCeiling = 99.9

// StateStoreConfig is used to configure a new state store.
type StateStoreConfig struct {
	Logger hclog.Logger

	// Broker receives an event for every mutation. Optional.
	Broker *stream.EventBroker

	// SessionDir is the directory sessions are persisted under. Empty
	// disables disk persistence.
	SessionDir string
}

// StateStore holds all runtime state in memdb tables. Reads run
// concurrently against immutable radix snapshots; writes serialize on an
// internal lock.
type StateStore struct {
	logger  hclog.Logger
	db      *memdb.MemDB
	broker  *stream.EventBroker
	persist *sessionPersister

	// writeLock serializes write transactions and index assignment.
	writeLock sync.Mutex
	nextIdx   uint64
}

func NewStateStore(cfg *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
		broker: cfg.Broker,
	}
	if cfg.SessionDir != "" {
		p, err := newSessionPersister(cfg.SessionDir)
		if err != nil {
			return nil, err
		}
		s.persist = p
	}
	return s, nil
}

// nextIndex allocates a write index. Caller holds writeLock.
func (s *StateStore) nextIndex() uint64 {
	s.nextIdx++
	return s.nextIdx
}

// LatestIndex returns the highest write index applied to any table.
func (s *StateStore) LatestIndex() (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var max uint64
	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return 0, err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if entry := raw.(*IndexEntry); entry.Value > max {
			max = entry.Value
		}
	}
	return max, nil
}

func putIndex(txn *memdb.Txn, table string, index uint64) error {
	if err := txn.Insert(tableIndex, &IndexEntry{Key: table, Value: index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}

// CreateJob admits a new pending job. The job's retry policy must already
// be snapshotted by the caller.
func (s *StateStore) CreateJob(job *structs.Job) error {
	if job == nil || job.ID == "" {
		return structs.NewValidationError("id", "missing job ID")
	}
	if job.Status != "" && job.Status != structs.JobStatusPending {
		return structs.NewValidationError("status", "new jobs must be pending")
	}

	job = job.Copy()
	job.Canonicalize()
	job.TransitionLog = append(job.TransitionLog, &structs.Transition{
		To: structs.JobStatusPending,
		Ts: job.CreateTime,
	})

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableJobs, indexID, job.ID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if existing != nil {
		return structs.NewValidationError("id", fmt.Sprintf("job %q already exists", job.ID))
	}

	index := s.nextIndex()
	job.CreateIndex = index
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := putIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()

	metrics.IncrCounter([]string{"vibe", "state", "job_created"}, 1)
	s.publishJob(job, structs.TypeJobCreated)
	return nil
}

// StartJob moves a pending job to running.
func (s *StateStore) StartJob(id string) error {
	_, _, err := s.transition(id, structs.JobStatusRunning, "job started",
		func(j *structs.Job, now time.Time) {
			j.StartTime = now
		})
	return err
}

// PauseJob suspends dispatch for a running job. Already-running tasks
// continue.
func (s *StateStore) PauseJob(id string) error {
	_, _, err := s.transition(id, structs.JobStatusPaused, "job paused", nil)
	return err
}

// ResumeJob moves a paused job back to running.
func (s *StateStore) ResumeJob(id string) error {
	_, _, err := s.transition(id, structs.JobStatusRunning, "job resumed", nil)
	return err
}

// CompleteJob finishes a job successfully and pins progress to 100.
func (s *StateStore) CompleteJob(id string, result *structs.JobResult) error {
	_, _, err := s.transition(id, structs.JobStatusCompleted, "job completed",
		func(j *structs.Job, now time.Time) {
			j.Result = result.Copy()
			j.Progress = 100
			j.CompleteTime = now
		})
	return err
}

// FailJob finishes a job unsuccessfully, recording the error kind and a
// stable message.
func (s *StateStore) FailJob(id string, cause error) error {
	msg := "job failed"
	var kind structs.ErrKind
	if cause != nil {
		msg = cause.Error()
		kind = structs.KindOf(cause)
	}
	_, _, err := s.transition(id, structs.JobStatusFailed, msg,
		func(j *structs.Job, now time.Time) {
			j.Error = msg
			j.ErrorKind = kind
			j.CompleteTime = now
		})
	return err
}

// CancelJob cancels a job. Cancelling an already-cancelled job is a
// no-op success so clients may retry the command safely.
func (s *StateStore) CancelJob(id string) error {
	_, changed, err := s.transition(id, structs.JobStatusCancelled, "job cancelled",
		func(j *structs.Job, now time.Time) {
			j.CompleteTime = now
		})
	if err == nil && !changed {
		s.logger.Debug("cancel of already-cancelled job ignored", "job_id", id)
	}
	return err
}

// UpdateProgress records forward progress on a running or paused job.
// Progress is monotone: a report lower than the current value keeps the
// current value. Values at or above 100 are clamped just below it since
// only completion may set 100.
func (s *StateStore) UpdateProgress(id string, pct float64, msg string) error {
	if pct < 0 {
		return structs.NewValidationError("progress", "must not be negative")
	}
	if pct > progressCeiling {
		pct = progressCeiling
	}

	return s.updateJob(id, func(j *structs.Job, now time.Time) error {
		switch j.Status {
		case structs.JobStatusRunning, structs.JobStatusPaused:
		default:
			return structs.NewStateError(id, string(j.Status), string(j.Status))
		}
		if pct > j.Progress {
			j.Progress = pct
		}
		if msg != "" {
			j.Message = msg
		}
		return nil
	})
}

// AppendWarning attaches a non-fatal warning to a job; it rides the next
// progress event.
func (s *StateStore) AppendWarning(id, warning string) error {
	return s.updateJob(id, func(j *structs.Job, now time.Time) error {
		if j.Terminal() {
			return structs.NewStateError(id, string(j.Status), string(j.Status))
		}
		if j.Warning == "" {
			j.Warning = warning
		} else {
			j.Warning += "; " + warning
		}
		return nil
	})
}

// RecordJobRetry bumps the retry counter when a task is reassigned after
// a worker loss or failure.
func (s *StateStore) RecordJobRetry(id, reason string) error {
	return s.updateJob(id, func(j *structs.Job, now time.Time) error {
		if j.Terminal() {
			return structs.NewStateError(id, string(j.Status), string(j.Status))
		}
		j.RetryCount++
		if reason != "" {
			j.Message = reason
		}
		return nil
	})
}

// BindSession links a job to its decomposition session and project.
func (s *StateStore) BindSession(id, sessionID, projectID string) error {
	return s.updateJob(id, func(j *structs.Job, now time.Time) error {
		if j.Terminal() {
			return structs.NewStateError(id, string(j.Status), string(j.Status))
		}
		j.SessionID = sessionID
		if projectID != "" {
			j.ProjectID = projectID
		}
		return nil
	})
}

// transition moves a job through the status machine. The bool result is
// false when the move was an allowed no-op (cancel of a cancelled job).
func (s *StateStore) transition(id string, to structs.JobStatus, msg string,
	mutate func(*structs.Job, time.Time)) (*structs.Job, bool, error) {

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return nil, false, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, false, structs.ErrJobNotFound
	}

	job := raw.(*structs.Job).Copy()

	if job.Status == structs.JobStatusCancelled && to == structs.JobStatusCancelled {
		return job, false, nil
	}
	if !job.Status.CanTransition(to) {
		return nil, false, structs.NewStateError(id, string(job.Status), string(to))
	}

	now := time.Now().UTC()
	from := job.Status
	job.Status = to
	job.ModifyTime = now
	if mutate != nil {
		mutate(job, now)
	}
	job.Message = msg
	job.TransitionLog = append(job.TransitionLog, &structs.Transition{
		From:     from,
		To:       to,
		Progress: job.Progress,
		Message:  msg,
		Ts:       now,
	})

	index := s.nextIndex()
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return nil, false, fmt.Errorf("job insert failed: %v", err)
	}
	if err := putIndex(txn, TableJobs, index); err != nil {
		return nil, false, err
	}
	txn.Commit()

	typ := structs.JobTypeForStatus(to)
	if from == structs.JobStatusPaused && to == structs.JobStatusRunning {
		typ = structs.TypeJobResumed
	}
	metrics.IncrCounter([]string{"vibe", "state", "job_transition", string(to)}, 1)
	s.publishJob(job, typ)
	return job, true, nil
}

// updateJob applies a non-transition mutation and emits job.progress.
func (s *StateStore) updateJob(id string, mutate func(*structs.Job, time.Time) error) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return structs.ErrJobNotFound
	}

	job := raw.(*structs.Job).Copy()
	now := time.Now().UTC()
	if err := mutate(job, now); err != nil {
		return err
	}
	job.ModifyTime = now

	index := s.nextIndex()
	job.ModifyIndex = index

	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	if err := putIndex(txn, TableJobs, index); err != nil {
		return err
	}
	txn.Commit()

	s.publishJob(job, structs.TypeJobProgress)
	return nil
}

// publishJob emits a job event with a progress payload. Called after
// commit.
func (s *StateStore) publishJob(job *structs.Job, typ string) {
	ev := structs.Event{
		Topic: structs.TopicJob,
		Type:  typ,
		Key:   job.ID,
		Payload: &structs.ProgressUpdate{
			JobID:    job.ID,
			Status:   job.Status,
			Progress: job.Progress,
			Message:  job.Message,
			Warning:  job.Warning,
			Result:   job.Result,
			Error:    job.Error,
			Kind:     job.ErrorKind,
			Ts:       job.ModifyTime,
		},
	}
	if job.ProjectID != "" {
		ev.FilterKeys = []string{job.ProjectID}
	}

	if s.persist != nil && job.SessionID != "" {
		if err := s.persist.AppendEvent(job.SessionID, &ev); err != nil {
			s.logger.Warn("failed to append session event log",
				"session_id", job.SessionID, "error", err)
		}
	}
	if s.broker != nil {
		s.broker.Publish(&structs.Events{Events: []structs.Event{ev}})
	}
}

// PublishTaskEvent emits a task lifecycle event keyed to the owning job.
func (s *StateStore) PublishTaskEvent(typ string, te *structs.TaskEvent, projectID string) {
	if te.Ts.IsZero() {
		te.Ts = time.Now().UTC()
	}
	ev := structs.Event{
		Topic:   structs.TopicTask,
		Type:    typ,
		Key:     te.JobID,
		Payload: te,
	}
	if projectID != "" {
		ev.FilterKeys = []string{projectID}
	}

	if s.persist != nil {
		if job, _ := s.JobByID(te.JobID); job != nil && job.SessionID != "" {
			if err := s.persist.AppendEvent(job.SessionID, &ev); err != nil {
				s.logger.Warn("failed to append session event log",
					"session_id", job.SessionID, "error", err)
			}
		}
	}
	if s.broker != nil {
		s.broker.Publish(&structs.Events{Events: []structs.Event{ev}})
	}
}

// JobByID returns a copy of the job, or nil when absent.
func (s *StateStore) JobByID(id string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Job).Copy(), nil
}

// Jobs lists jobs, optionally filtered to one status, ordered by create
// index.
func (s *StateStore) Jobs(status structs.JobStatus) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var iter memdb.ResultIterator
	var err error
	if status != "" {
		iter, err = txn.Get(TableJobs, indexStatus, string(status))
	} else {
		iter, err = txn.Get(TableJobs, indexID)
	}
	if err != nil {
		return nil, fmt.Errorf("job listing failed: %v", err)
	}

	var jobs []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		jobs = append(jobs, raw.(*structs.Job).Copy())
	}
	structs.SortJobs(jobs)
	return jobs, nil
}

// GCJobs removes terminal jobs whose last modification is older than the
// threshold, along with their sessions. Disk artifacts are kept for
// offline inspection. Returns how many jobs were collected.
func (s *StateStore) GCJobs(now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return 0, fmt.Errorf("job listing failed: %v", err)
	}

	var victims []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		job := raw.(*structs.Job)
		if job.Terminal() && job.ModifyTime.Before(cutoff) {
			victims = append(victims, job)
		}
	}

	for _, job := range victims {
		if err := txn.Delete(TableJobs, job); err != nil {
			return 0, fmt.Errorf("job delete failed: %v", err)
		}
		if job.SessionID != "" {
			if raw, err := txn.First(TableSessions, indexID, job.SessionID); err == nil && raw != nil {
				if err := txn.Delete(TableSessions, raw); err != nil {
					return 0, fmt.Errorf("session delete failed: %v", err)
				}
			}
		}
	}

	if len(victims) > 0 {
		index := s.nextIndex()
		if err := putIndex(txn, TableJobs, index); err != nil {
			return 0, err
		}
	}
	txn.Commit()

	if n := len(victims); n > 0 {
		metrics.IncrCounter([]string{"vibe", "state", "jobs_gced"}, float32(len(victims)))
		s.logger.Debug("garbage collected terminal jobs", "count", n)
	}
	return len(victims), nil
}
