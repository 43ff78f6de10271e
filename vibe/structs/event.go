// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Topic groups events by the kind of object they describe.
type Topic string

const (
	TopicJob   Topic = "Job"
	TopicTask  Topic = "Task"
	TopicAgent Topic = "Agent"
	TopicAll   Topic = "*"
)

// Event types carried on the progress bus. These are stable wire values.
const (
	TypeJobCreated    = "job.created"
	TypeJobStarted    = "job.started"
	TypeJobProgress   = "job.progress"
	TypeJobPaused     = "job.paused"
	TypeJobResumed    = "job.resumed"
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypeJobCancelled  = "job.cancelled"
	TypeTaskAssigned  = "task.assigned"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeHeartbeat     = "heartbeat"
)

// Event is a single change notification. Key carries the job ID the event
// belongs to; Seq is assigned by the broker and is monotone per key.
type Event struct {
	Topic      Topic       `json:"event_topic,omitempty"`
	Type       string      `json:"event"`
	Key        string      `json:"key,omitempty"`
	FilterKeys []string    `json:"filterKeys,omitempty"`
	Seq        uint64      `json:"seq"`
	Ts         time.Time   `json:"ts"`
	Payload    interface{} `json:"data,omitempty"`
}

// Events is a batch published under one broker index. Events in a batch
// share causal order; the bus preserves that order per job.
type Events struct {
	Index  uint64
	Events []Event
}

// EventJSON is a pre-encoded event frame ready for a transport writer.
type EventJSON struct {
	Data []byte
}

func (j *EventJSON) Copy() *EventJSON {
	n := new(EventJSON)
	*n = *j
	n.Data = make([]byte, len(j.Data))
	copy(n.Data, j.Data)
	return n
}

// JobTypeForStatus maps a job status to the event type emitted for the
// transition into that status.
func JobTypeForStatus(s JobStatus) string {
	switch s {
	case JobStatusPending:
		return TypeJobCreated
	case JobStatusRunning:
		return TypeJobStarted
	case JobStatusPaused:
		return TypeJobPaused
	case JobStatusCompleted:
		return TypeJobCompleted
	case JobStatusFailed:
		return TypeJobFailed
	case JobStatusCancelled:
		return TypeJobCancelled
	default:
		return TypeJobProgress
	}
}
