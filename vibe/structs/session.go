// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/hashicorp/vibe/helper"
)

// GraphEdge is one "from must finish before to" constraint exported with a
// session. Edges reference atomic task IDs only.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SessionResults summarizes a decomposition run alongside the produced
// tasks.
type SessionResults struct {
	SuccessfullyPersisted int      `json:"successfullyPersisted"`
	TotalGenerated        int      `json:"totalGenerated"`
	Warnings              []string `json:"warnings,omitempty"`
}

func (r *SessionResults) Copy() *SessionResults {
	if r == nil {
		return nil
	}
	nr := new(SessionResults)
	*nr = *r
	nr.Warnings = helper.CopySlice(r.Warnings)
	return nr
}

// Session is the output of one decomposition run for a root task. It is
// written to the store exactly once and is immutable after the owning job
// reaches a terminal status.
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

func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	ns := new(Session)
	*ns = *s
	ns.Root = s.Root.Copy()
	ns.Atomics = make([]*AtomicTask, len(s.Atomics))
	for i, a := range s.Atomics {
		ns.Atomics[i] = a.Copy()
	}
	ns.GraphNodes = helper.CopySlice(s.GraphNodes)
	ns.GraphEdges = helper.CopySlice(s.GraphEdges)
	ns.Rich = s.Rich.Copy()
	return ns
}

// AtomicByID returns the atomic task with the given ID, or nil.
func (s *Session) AtomicByID(id string) *AtomicTask {
	for _, a := range s.Atomics {
		if a.ID == id {
			return a
		}
	}
	return nil
}
