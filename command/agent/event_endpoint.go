// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/vibe/vibe/stream"
	"github.com/hashicorp/vibe/vibe/structs"
)

// heartbeatInterval is how often an idle stream emits a keepalive frame
// so intermediaries do not reap the connection.
const heartbeatInterval = 10 * time.Second

// wsLivenessGrace is how long a websocket may go without a pong before
// the read loop tears it down: two consecutive missed heartbeat acks.
const wsLivenessGrace = 2 * heartbeatInterval

func (s *HTTPServer) EventStream(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	query := req.URL.Query()

	topics, err := parseEventTopics(query)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("Invalid topic query: %v", err))
	}

	sub, err := s.agent.server.Subscribe(&stream.SubscribeRequest{
		Filter: structs.EventFilter{
			JobID:     query.Get("job"),
			ProjectID: query.Get("project"),
		},
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	// Server-sent events when asked for, newline-delimited JSON
	// otherwise. Both flush per frame.
	sse := strings.Contains(req.Header.Get("Accept"), "text/event-stream")
	if sse {
		resp.Header().Set("Content-Type", "text/event-stream")
	} else {
		resp.Header().Set("Content-Type", "application/json")
	}
	resp.Header().Set("Cache-Control", "no-cache")

	output := newWriteFlusher(resp)
	output.flushHeaders(http.StatusOK)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	var writeLock sync.Mutex
	writeFrame := func(e *structs.Event) error {
		writeLock.Lock()
		defer writeLock.Unlock()
		return writeEventFrame(output, sse, e)
	}

	errs, errCtx := errgroup.WithContext(ctx)
	errs.Go(func() error {
		defer cancel()
		for {
			events, err := sub.Next(errCtx)
			if err != nil {
				return err
			}
			for i := range events.Events {
				e := &events.Events[i]
				if !eventMatchesTopics(e, topics) {
					continue
				}
				if err := writeFrame(e); err != nil {
					return err
				}
			}
		}
	})
	errs.Go(func() error {
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-errCtx.Done():
				return nil
			case <-heartbeat.C:
				hb := &structs.Event{Topic: structs.TopicAgent, Type: structs.TypeHeartbeat, Ts: time.Now().UTC()}
				if err := writeFrame(hb); err != nil {
					return err
				}
			}
		}
	})

	err = errs.Wait()
	switch {
	case err == nil:
		return nil, nil
	case errCtx.Err() != nil, req.Context().Err() != nil:
		// client went away
		return nil, nil
	case err == stream.ErrSubscriptionClosed:
		return nil, nil
	default:
		return nil, err
	}
}

// writeEventFrame writes one event in the negotiated framing and flushes.
func writeEventFrame(w *writeFlusher, sse bool, e *structs.Event) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if sse {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, buf)
		return err
	}
	// Each entry is its own new line according to ndjson.org
	if _, err = w.Write(buf); err != nil {
		return err
	}
	_, err = fmt.Fprint(w, "\n")
	return err
}

// EventWebsocket upgrades the connection and serves the bidirectional
// protocol: the client submits command frames, the server interleaves
// responses with matching bus events. Liveness rides on ping/pong
// control frames.
func (s *HTTPServer) EventWebsocket(resp http.ResponseWriter, req *http.Request) error {
	if req.Method != http.MethodGet {
		return CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	query := req.URL.Query()
	topics, err := parseEventTopics(query)
	if err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("Invalid topic query: %v", err))
	}

	conn, err := s.wsUpgrader.Upgrade(resp, req, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %v", err)
	}
	defer conn.Close()

	sub, err := s.agent.server.Subscribe(&stream.SubscribeRequest{
		Filter: structs.EventFilter{
			JobID:     query.Get("job"),
			ProjectID: query.Get("project"),
		},
	})
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return nil
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// gorilla allows one concurrent writer; everything outbound funnels
	// through the outbox.
	outbox := make(chan interface{}, 16)

	conn.SetReadDeadline(time.Now().Add(wsLivenessGrace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsLivenessGrace))
	})

	errs, errCtx := errgroup.WithContext(ctx)

	// read loop: command frames
	errs.Go(func() error {
		defer cancel()
		for {
			var cmd StreamCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			res := runStreamCommand(s.agent, &cmd)
			select {
			case outbox <- res:
			case <-errCtx.Done():
				return nil
			}
		}
	})

	// event loop: bus events
	errs.Go(func() error {
		for {
			events, err := sub.Next(errCtx)
			if err != nil {
				if err == stream.ErrSubscriptionClosed || errCtx.Err() != nil {
					return nil
				}
				return err
			}
			for i := range events.Events {
				e := events.Events[i]
				if !eventMatchesTopics(&e, topics) {
					continue
				}
				select {
				case outbox <- &e:
				case <-errCtx.Done():
					return nil
				}
			}
		}
	})

	// write loop: single writer for frames and pings
	errs.Go(func() error {
		defer cancel()
		ping := time.NewTicker(heartbeatInterval)
		defer ping.Stop()
		for {
			select {
			case <-errCtx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			case v := <-outbox:
				if err := conn.WriteJSON(v); err != nil {
					return err
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(heartbeatInterval)); err != nil {
					return err
				}
			}
		}
	})

	if err := errs.Wait(); err != nil && errCtx.Err() == nil {
		s.logger.Debug("websocket session ended", "error", err)
	}
	return nil
}

func parseEventTopics(query url.Values) (map[structs.Topic][]string, error) {
	raw, ok := query["topic"]
	if !ok {
		return allTopics(), nil
	}
	topics := make(map[structs.Topic][]string)

	for _, topic := range raw {
		k, v, err := parseTopic(topic)
		if err != nil {
			return nil, fmt.Errorf("error parsing topics: %w", err)
		}

		topics[structs.Topic(k)] = append(topics[structs.Topic(k)], v)
	}
	return topics, nil
}

func parseTopic(topic string) (string, string, error) {
	parts := strings.Split(topic, ":")
	// infer wildcard if only given a topic
	if len(parts) == 1 {
		return topic, "*", nil
	} else if len(parts) != 2 {
		return "", "", fmt.Errorf("Invalid key value pair for topic, topic: %s", topic)
	}
	return parts[0], parts[1], nil
}

func allTopics() map[structs.Topic][]string {
	return map[structs.Topic][]string{"*": {"*"}}
}

// eventMatchesTopics applies the topic filter from the query string.
// Heartbeats always pass; they are transport liveness, not bus traffic.
func eventMatchesTopics(e *structs.Event, topics map[structs.Topic][]string) bool {
	if e.Type == structs.TypeHeartbeat {
		return true
	}
	if keys, ok := topics[structs.TopicAll]; ok && matchesTopicKey(keys, e.Key) {
		return true
	}
	keys, ok := topics[e.Topic]
	return ok && matchesTopicKey(keys, e.Key)
}

func matchesTopicKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == "*" || k == key {
			return true
		}
	}
	return false
}

// writeFlusher pushes every write through to the client immediately.
type writeFlusher struct {
	w http.ResponseWriter
	f http.Flusher
}

func newWriteFlusher(w http.ResponseWriter) *writeFlusher {
	f, _ := w.(http.Flusher)
	return &writeFlusher{w: w, f: f}
}

func (w *writeFlusher) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if w.f != nil {
		w.f.Flush()
	}
	return n, err
}

// flushHeaders commits the response header so clients observe the open
// stream before the first event arrives.
func (w *writeFlusher) flushHeaders(code int) {
	w.w.WriteHeader(code)
	if w.f != nil {
		w.f.Flush()
	}
}
