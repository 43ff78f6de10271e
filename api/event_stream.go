// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

const (
	TopicJob   Topic = "Job"
	TopicTask  Topic = "Task"
	TopicAgent Topic = "Agent"
	TopicAll   Topic = "*"
)

// Topic is an event Topic.
type Topic string

// Event holds one change notification from the agent. The Payload is a
// raw object keyed by the Topic.
type Event struct {
	Topic      Topic                  `json:"event_topic,omitempty"`
	Type       string                 `json:"event"`
	Key        string                 `json:"key,omitempty"`
	FilterKeys []string               `json:"filterKeys,omitempty"`
	Seq        uint64                 `json:"seq"`
	Ts         time.Time              `json:"ts"`
	Payload    map[string]interface{} `json:"data,omitempty"`
	Err        error                  `json:"-"`
}

// IsHeartbeat specifies if the event is an empty heartbeat used to keep
// a connection alive.
func (e *Event) IsHeartbeat() bool {
	return e.Type == "heartbeat"
}

// ProgressUpdate is the payload of job topic events: the job's state
// after the transition that fired the event.
type ProgressUpdate struct {
	JobID    string     `json:"jobId"`
	Status   string     `json:"status"`
	Progress float64    `json:"progress"`
	Message  string     `json:"message,omitempty"`
	Warning  string     `json:"warning,omitempty"`
	Result   *JobResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Kind     string     `json:"kind,omitempty"`
	Ts       time.Time  `json:"ts"`
}

// TaskEvent is the payload of task topic events, keyed to the owning
// job.
type TaskEvent struct {
	JobID    string    `json:"jobId"`
	TaskID   string    `json:"taskId"`
	WorkerID string    `json:"workerId,omitempty"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Ts       time.Time `json:"ts"`
}

// Progress decodes the payload of a job topic event.
func (e *Event) Progress() (*ProgressUpdate, error) {
	var out ProgressUpdate
	if err := e.decodePayload(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task decodes the payload of a task topic event.
func (e *Event) Task() (*TaskEvent, error) {
	var out TaskEvent
	if err := e.decodePayload(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Event) decodePayload(out interface{}) error {
	cfg := &mapstructure.DecoderConfig{
		Result:     out,
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339),
	}

	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}

	return dec.Decode(e.Payload)
}

// EventStream is used to stream events from the agent.
type EventStream struct {
	client *Client
}

// EventStream returns a handle to the event stream endpoint.
func (c *Client) EventStream() *EventStream {
	return &EventStream{client: c}
}

// StreamFilter narrows a subscription to one job or project.
type StreamFilter struct {
	JobID     string
	ProjectID string
}

// Stream establishes a new subscription to the agent's event stream and
// streams results back to the returned channel. Heartbeat frames are
// consumed internally; decode failures surface as an event carrying Err
// and close the channel.
func (e *EventStream) Stream(ctx context.Context, topics map[Topic][]string, filter *StreamFilter, q *QueryOptions) (<-chan *Event, error) {
	r, err := e.client.newRequest("GET", "/v1/event/stream")
	if err != nil {
		return nil, err
	}
	q = q.WithContext(ctx)
	if q.Params == nil {
		q.Params = map[string]string{}
	}
	if filter != nil {
		if filter.JobID != "" {
			q.Params["job"] = filter.JobID
		}
		if filter.ProjectID != "" {
			q.Params["project"] = filter.ProjectID
		}
	}
	r.setQueryOptions(q)

	// Build topic query params
	for topic, keys := range topics {
		for _, k := range keys {
			r.params.Add("topic", fmt.Sprintf("%s:%s", topic, k))
		}
	}

	_, resp, err := requireOK(e.client.doRequest(r))
	if err != nil {
		return nil, err
	}

	eventsCh := make(chan *Event, 10)
	go func() {
		defer resp.Body.Close()
		defer close(eventsCh)

		dec := json.NewDecoder(resp.Body)

		for ctx.Err() == nil {
			// Decode the next newline delimited json event
			var event Event
			if err := dec.Decode(&event); err != nil {
				// set the error and fall through to deliver it
				event = Event{Err: err}
			}
			if event.Err == nil && event.IsHeartbeat() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case eventsCh <- &event:
			}

			if event.Err != nil {
				return
			}
		}
	}()

	return eventsCh, nil
}
