// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shoenig/test/must"
)

// echoAgent upgrades the connection, pushes one event, then answers
// command frames the way the agent's stream protocol does.
func echoAgent(t *testing.T) http.Handler {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(&Event{Topic: TopicJob, Type: "job.created", Key: "job-1", Seq: 1})

		for {
			var cmd StreamCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}

			res := &StreamResponse{ID: cmd.ID}
			switch cmd.Cmd {
			case "ping":
				res.Ok = true
				res.Result = json.RawMessage(`"pong"`)
			case "createJob":
				res.Ok = true
				res.Result = json.RawMessage(`{"jobId":"job-99"}`)
			default:
				res.Error = "unknown command"
			}

			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	})
}

func TestStreamSession(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, echoAgent(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := c.EventStream().Dial(ctx, map[Topic][]string{TopicAll: {"*"}}, nil, nil)
	must.NoError(t, err)
	defer sess.Close()

	select {
	case event := <-sess.Events():
		must.Eq(t, TopicJob, event.Topic)
		must.Eq(t, "job.created", event.Type)
		must.Eq(t, "job-1", event.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	res, err := sess.Send(ctx, &StreamCommand{Cmd: "ping"})
	must.NoError(t, err)
	must.True(t, res.Ok)

	var pong string
	must.NoError(t, json.Unmarshal(res.Result, &pong))
	must.Eq(t, "pong", pong)

	res, err = sess.Send(ctx, &StreamCommand{Cmd: "createJob", Task: &Task{Title: "sort the inbox"}})
	must.NoError(t, err)
	must.True(t, res.Ok)

	var created JobCreateResponse
	must.NoError(t, json.Unmarshal(res.Result, &created))
	must.Eq(t, "job-99", created.JobID)

	// command failure stays inside the response
	res, err = sess.Send(ctx, &StreamCommand{Cmd: "explode"})
	must.NoError(t, err)
	must.False(t, res.Ok)
	must.Eq(t, "unknown command", res.Error)

	must.NoError(t, sess.Close())

	select {
	case _, ok := <-sess.Events():
		must.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events channel did not close")
	}
	must.NoError(t, sess.Err())
}

func TestStreamSession_sendAfterClose(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, echoAgent(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := c.EventStream().Dial(ctx, nil, nil, nil)
	must.NoError(t, err)
	must.NoError(t, sess.Close())

	_, err = sess.Send(ctx, &StreamCommand{Cmd: "ping"})
	must.EqError(t, err, "stream session closed")
}

func TestStreamSession_ctxCancel(t *testing.T) {
	t.Parallel()

	c := makeTestClient(t, echoAgent(t))

	ctx, cancel := context.WithCancel(context.Background())

	sess, err := c.EventStream().Dial(ctx, map[Topic][]string{TopicAll: {"*"}}, nil, nil)
	must.NoError(t, err)

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				must.NoError(t, sess.Err())
				return
			}
		case <-deadline:
			t.Fatal("session did not end after cancel")
		}
	}
}
