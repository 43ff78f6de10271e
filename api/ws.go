// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// StreamCommand is one outbound frame on the bidirectional websocket
// transport. ID correlates the response; the session fills it in when
// left empty.
type StreamCommand struct {
	ID  string `json:"id,omitempty"`
	Cmd string `json:"cmd"`

	// Task carries the spec for createJob.
	Task *Task `json:"taskSpec,omitempty"`

	// JobID targets job-scoped commands.
	JobID string `json:"jobId,omitempty"`

	// Status filters listJobs.
	Status string `json:"status,omitempty"`
}

// StreamResponse answers one command frame. Result stays raw so the
// caller can decode it into the type matching the command it sent.
type StreamResponse struct {
	ID     string          `json:"id,omitempty"`
	Ok     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// websocket dials the endpoint over a websocket, inheriting transport
// settings from the configured HTTP client.
func (c *Client) websocket(endpoint string, q *QueryOptions) (*websocket.Conn, *http.Response, error) {
	transport, ok := c.httpClient.Transport.(*http.Transport)
	if !ok {
		return nil, nil, errors.New("unsupported transport")
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: c.httpClient.Timeout,

		// values to inherit from http client configuration
		NetDialContext:  transport.DialContext,
		Proxy:           transport.Proxy,
		TLSClientConfig: transport.TLSClientConfig,
	}

	// build a request object for the endpoint to get the proper URL and
	// headers
	r, err := c.newRequest("GET", endpoint)
	if err != nil {
		return nil, nil, err
	}
	r.setQueryOptions(q)

	rhttp, err := r.toHTTP()
	if err != nil {
		return nil, nil, err
	}

	// these are the scheme values for websockets
	httpToWsScheme := map[string]string{
		"http":  "ws",
		"https": "wss",
	}
	wsScheme, supportedScheme := httpToWsScheme[rhttp.URL.Scheme]
	if !supportedScheme {
		return nil, nil, fmt.Errorf("unsupported scheme: %v", rhttp.URL.Scheme)
	}
	rhttp.URL.Scheme = wsScheme

	conn, resp, err := dialer.Dial(rhttp.URL.String(), rhttp.Header)

	// check resp status code, as it's more informative than the
	// handshake error we get from the ws library
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		var buf bytes.Buffer

		if resp.Header.Get("Content-Encoding") == "gzip" {
			greader, zerr := gzip.NewReader(resp.Body)
			if zerr != nil {
				return nil, nil, fmt.Errorf("unexpected server response (%d): %v", resp.StatusCode, zerr)
			}
			io.Copy(&buf, greader)
		} else {
			io.Copy(&buf, resp.Body)
		}
		resp.Body.Close()

		return nil, nil, fmt.Errorf("unexpected response code: %d (%s)", resp.StatusCode, buf.Bytes())
	}

	return conn, resp, err
}

// StreamSession is a live bidirectional connection to the agent:
// command frames go out through Send while responses and matching bus
// events come back over the same connection.
type StreamSession struct {
	conn *websocket.Conn
	ctx  context.Context

	events chan *Event

	// gorilla allows one concurrent writer
	writeLock sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *StreamResponse
	err     error
	closed  bool

	nextID uint64
	done   chan struct{}
}

// Dial opens the bidirectional websocket transport. Events matching
// topics flow on Events; Send runs command frames over the same
// connection. Closing ctx tears the session down.
func (e *EventStream) Dial(ctx context.Context, topics map[Topic][]string, filter *StreamFilter, q *QueryOptions) (*StreamSession, error) {
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

	// topic repeats per key so it rides the endpoint query string
	v := url.Values{}
	for topic, keys := range topics {
		for _, k := range keys {
			v.Add("topic", fmt.Sprintf("%s:%s", topic, k))
		}
	}
	endpoint := "/v1/event/ws"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}

	conn, _, err := e.client.websocket(endpoint, q)
	if err != nil {
		return nil, err
	}

	s := &StreamSession{
		conn:    conn,
		ctx:     ctx,
		events:  make(chan *Event, 10),
		pending: make(map[string]chan *StreamResponse),
		done:    make(chan struct{}),
	}

	go s.recv()
	go func() {
		select {
		case <-ctx.Done():
			s.finish(nil)
		case <-s.done:
		}
	}()

	return s, nil
}

// Events returns the channel bus events arrive on. It closes when the
// session ends; check Err for the cause.
func (s *StreamSession) Events() <-chan *Event {
	return s.events
}

// Send submits one command frame and waits for the matching response.
// The returned error covers transport failure only; command failure
// comes back inside the response with Ok false.
func (s *StreamSession) Send(ctx context.Context, cmd *StreamCommand) (*StreamResponse, error) {
	if cmd.ID == "" {
		cmd.ID = strconv.FormatUint(atomic.AddUint64(&s.nextID, 1), 10)
	}

	ch := make(chan *StreamResponse, 1)
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = errors.New("stream session closed")
		}
		return nil, err
	}
	s.pending[cmd.ID] = ch
	s.mu.Unlock()

	s.writeLock.Lock()
	err := s.conn.WriteJSON(cmd)
	s.writeLock.Unlock()
	if err != nil {
		s.forget(cmd.ID)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("stream session closed")
		}
		return res, nil
	case <-ctx.Done():
		s.forget(cmd.ID)
		return nil, ctx.Err()
	}
}

// Err reports why the session ended. It returns nil until the events
// channel closes.
func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. Pending Send calls fail and the
// events channel closes.
func (s *StreamSession) Close() error {
	// best effort so the agent sees a clean shutdown; WriteControl may
	// run concurrently with other writes
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.finish(nil)
	return nil
}

// recv decodes inbound frames, routing responses to their waiting Send
// and events to the events channel. Server heartbeats are transport
// liveness and never surface.
func (s *StreamSession) recv() {
	defer close(s.events)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.ctx.Err() != nil {
				err = nil
			}
			s.finish(err)
			return
		}

		// a frame with an event type is bus traffic, anything else
		// answers a command
		var probe struct {
			Type string `json:"event"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			s.finish(err)
			return
		}

		if probe.Type != "" {
			var event Event
			if err := json.Unmarshal(msg, &event); err != nil {
				s.finish(err)
				return
			}
			if event.IsHeartbeat() {
				continue
			}
			select {
			case s.events <- &event:
			case <-s.done:
				return
			}
			continue
		}

		var res StreamResponse
		if err := json.Unmarshal(msg, &res); err != nil {
			s.finish(err)
			return
		}
		s.deliver(&res)
	}
}

func (s *StreamSession) deliver(res *StreamResponse) {
	s.mu.Lock()
	ch, ok := s.pending[res.ID]
	if ok {
		delete(s.pending, res.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *StreamSession) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// finish records the terminal error, fails pending commands, and
// releases waiters. Only the first call takes effect.
func (s *StreamSession) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.conn.Close()
	close(s.done)
	for _, ch := range pending {
		close(ch)
	}
}
