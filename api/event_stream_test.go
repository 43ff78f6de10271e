// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestEventStream_Stream(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		enc := json.NewEncoder(w)

		// heartbeats never surface to the consumer
		enc.Encode(&Event{Topic: TopicAgent, Type: "heartbeat"})
		fl.Flush()
		enc.Encode(&Event{Topic: TopicJob, Type: "job.created", Key: "job-1", Seq: 1})
		fl.Flush()

		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := map[Topic][]string{TopicJob: {"*"}}
	streamCh, err := c.EventStream().Stream(ctx, topics, nil, nil)
	must.NoError(t, err)

	select {
	case event := <-streamCh:
		must.NoError(t, event.Err)
		must.Eq(t, TopicJob, event.Topic)
		must.Eq(t, "job.created", event.Type)
		must.Eq(t, "job-1", event.Key)
		must.Eq(t, 1, event.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()

	// the channel closes after cancel, possibly with a trailing error
	// frame from the torn-down connection
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-streamCh:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestEventStream_queryParams(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(&Event{Topic: TopicJob, Type: "job.created", Key: "job-7"})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := map[Topic][]string{TopicJob: {"job-7"}}
	filter := &StreamFilter{JobID: "job-7", ProjectID: "proj-1"}
	streamCh, err := c.EventStream().Stream(ctx, topics, filter, nil)
	must.NoError(t, err)

	// receiving the frame orders the handler's capture before the reads
	// below
	ev := <-streamCh
	must.NoError(t, ev.Err)
	must.Eq(t, "job-7", ev.Key)

	must.Eq(t, []string{"Job:job-7"}, gotQuery["topic"])
	must.Eq(t, "job-7", gotQuery.Get("job"))
	must.Eq(t, "proj-1", gotQuery.Get("project"))
}

func TestEventStream_badRequest(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid topic query", http.StatusBadRequest)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.EventStream().Stream(ctx, nil, nil, nil)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "400")
	must.StrContains(t, err.Error(), "Invalid topic query")
}

func TestEvent_payloadHelpers(t *testing.T) {
	t.Parallel()

	t.Run("progress", func(t *testing.T) {
		raw := `{"event_topic":"Job","event":"job.progress","key":"job-1","seq":3,"ts":"2026-03-04T10:00:00Z","data":{"jobId":"job-1","status":"running","progress":0.4,"message":"2/5 tasks complete","ts":"2026-03-04T10:00:00Z"}}`

		var event Event
		must.NoError(t, json.Unmarshal([]byte(raw), &event))
		must.Eq(t, TopicJob, event.Topic)

		up, err := event.Progress()
		must.NoError(t, err)

		ts, err := time.Parse(time.RFC3339, "2026-03-04T10:00:00Z")
		must.NoError(t, err)
		must.Eq(t, &ProgressUpdate{
			JobID:    "job-1",
			Status:   "running",
			Progress: 0.4,
			Message:  "2/5 tasks complete",
			Ts:       ts,
		}, up)
	})

	t.Run("task", func(t *testing.T) {
		raw := `{"event_topic":"Task","event":"task.completed","key":"job-1","seq":4,"ts":"2026-03-04T10:01:00Z","data":{"jobId":"job-1","taskId":"t2","workerId":"w1","status":"completed","ts":"2026-03-04T10:01:00Z"}}`

		var event Event
		must.NoError(t, json.Unmarshal([]byte(raw), &event))
		must.Eq(t, TopicTask, event.Topic)

		te, err := event.Task()
		must.NoError(t, err)
		must.Eq(t, "job-1", te.JobID)
		must.Eq(t, "t2", te.TaskID)
		must.Eq(t, "w1", te.WorkerID)
		must.Eq(t, "completed", te.Status)
	})
}
