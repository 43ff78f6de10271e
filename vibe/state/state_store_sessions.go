// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/vibe/vibe/structs"
)

// UpsertSession stores a decomposition session and persists it to disk
// when a session directory is configured.
func (s *StateStore) UpsertSession(sess *structs.Session) error {
	if sess == nil || sess.ID == "" {
		return structs.NewValidationError("id", "missing session ID")
	}

	sess = sess.Copy()

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	raw, err := txn.First(TableSessions, indexID, sess.ID)
	if err != nil {
		return fmt.Errorf("session lookup failed: %v", err)
	}
	if raw != nil {
		sess.CreateIndex = raw.(*structs.Session).CreateIndex
	} else {
		sess.CreateIndex = index
	}
	sess.ModifyIndex = index

	if err := txn.Insert(TableSessions, sess); err != nil {
		return fmt.Errorf("session insert failed: %v", err)
	}
	if err := putIndex(txn, TableSessions, index); err != nil {
		return err
	}
	txn.Commit()

	if s.persist != nil {
		if err := s.persist.SaveSession(sess); err != nil {
			s.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

// SessionByID returns a copy of the session, or nil when absent.
func (s *StateStore) SessionByID(id string) (*structs.Session, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableSessions, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Session).Copy(), nil
}

// SessionForJob returns the session owned by the given job, or nil.
func (s *StateStore) SessionForJob(jobID string) (*structs.Session, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableSessions, indexJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Session).Copy(), nil
}

// UpsertWorker registers a worker or refreshes its record.
func (s *StateStore) UpsertWorker(w *structs.Worker) error {
	if w == nil || w.ID == "" {
		return structs.NewValidationError("id", "missing worker ID")
	}

	w = w.Copy()
	if w.Status == "" {
		w.Status = structs.WorkerStatusIdle
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now().UTC()
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.nextIndex()
	raw, err := txn.First(TableWorkers, indexID, w.ID)
	if err != nil {
		return fmt.Errorf("worker lookup failed: %v", err)
	}
	if raw != nil {
		w.CreateIndex = raw.(*structs.Worker).CreateIndex
	} else {
		w.CreateIndex = index
	}
	w.ModifyIndex = index

	if err := txn.Insert(TableWorkers, w); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	if err := putIndex(txn, TableWorkers, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateWorker applies a mutation to a worker under the write lock.
func (s *StateStore) UpdateWorker(id string, mutate func(*structs.Worker)) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableWorkers, indexID, id)
	if err != nil {
		return fmt.Errorf("worker lookup failed: %v", err)
	}
	if raw == nil {
		return structs.ErrWorkerNotFound
	}

	w := raw.(*structs.Worker).Copy()
	mutate(w)

	index := s.nextIndex()
	w.ModifyIndex = index

	if err := txn.Insert(TableWorkers, w); err != nil {
		return fmt.Errorf("worker insert failed: %v", err)
	}
	if err := putIndex(txn, TableWorkers, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// RecordHeartbeat stamps the worker's liveness clock.
func (s *StateStore) RecordHeartbeat(id string, ts time.Time) error {
	return s.UpdateWorker(id, func(w *structs.Worker) {
		w.LastHeartbeat = ts.UTC()
	})
}

// WorkerByID returns a copy of the worker, or nil when absent.
func (s *StateStore) WorkerByID(id string) (*structs.Worker, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableWorkers, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("worker lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Worker).Copy(), nil
}

// Workers lists all registered workers, optionally filtered by status.
func (s *StateStore) Workers(status structs.WorkerStatus) ([]*structs.Worker, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var iter memdb.ResultIterator
	var err error
	if status != "" {
		iter, err = txn.Get(TableWorkers, indexStatus, string(status))
	} else {
		iter, err = txn.Get(TableWorkers, indexID)
	}
	if err != nil {
		return nil, fmt.Errorf("worker listing failed: %v", err)
	}

	var workers []*structs.Worker
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		workers = append(workers, raw.(*structs.Worker).Copy())
	}
	return workers, nil
}

// DeleteWorker removes a worker record, typically after liveness loss.
func (s *StateStore) DeleteWorker(id string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableWorkers, indexID, id)
	if err != nil {
		return fmt.Errorf("worker lookup failed: %v", err)
	}
	if raw == nil {
		return structs.ErrWorkerNotFound
	}
	if err := txn.Delete(TableWorkers, raw); err != nil {
		return fmt.Errorf("worker delete failed: %v", err)
	}
	if err := putIndex(txn, TableWorkers, s.nextIndex()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}
