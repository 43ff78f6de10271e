// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vibe/vibe/stream"
	"github.com/hashicorp/vibe/vibe/structs"
)

// StdioServer serves the frame protocol over a byte stream pair,
// typically the process's stdin and stdout. One JSON frame per line in
// both directions; logs must go to stderr so they never corrupt the
// frame stream.
type StdioServer struct {
	agent  *Agent
	logger hclog.Logger
	in     io.Reader
	out    io.Writer

	outLock sync.Mutex
	enc     *json.Encoder

	cancel context.CancelFunc
	doneCh chan struct{}

	subLock sync.Mutex
	subStop context.CancelFunc
}

// NewStdioServer starts serving frames from in and writing frames to
// out. It returns immediately; the read loop runs until in is closed,
// an unrecoverable decode error occurs, or Shutdown is called.
func NewStdioServer(agent *Agent, logger hclog.Logger, in io.Reader, out io.Writer) *StdioServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StdioServer{
		agent:  agent,
		logger: logger.Named("stdio"),
		in:     in,
		out:    out,
		enc:    json.NewEncoder(out),
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Shutdown stops the subscription pump. A read blocked on stdin stays
// blocked until the peer closes its end; that is fine for a transport
// that lives exactly as long as the process.
func (s *StdioServer) Shutdown() {
	s.cancel()
	s.stopSubscription()
}

// DoneCh is closed when the read loop has exited.
func (s *StdioServer) DoneCh() <-chan struct{} {
	return s.doneCh
}

func (s *StdioServer) run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.stopSubscription()

	dec := json.NewDecoder(s.in)
	for {
		var cmd StreamCommand
		if err := dec.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.logger.Debug("frame stream closed")
				return
			}
			// A malformed frame poisons the decoder stream; there is
			// no resynchronization point in NDJSON.
			s.logger.Error("failed to decode frame", "error", err)
			s.write(&StreamResponse{Error: "malformed frame: " + err.Error()})
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch cmd.Cmd {
		case "subscribe":
			s.write(s.startSubscription(ctx, &cmd))
		case "unsubscribe":
			s.stopSubscription()
			s.write(&StreamResponse{ID: cmd.ID, Ok: true})
		default:
			s.write(runStreamCommand(s.agent, &cmd))
		}
	}
}

// startSubscription opens the event pump. A new subscribe frame
// replaces the previous subscription.
func (s *StdioServer) startSubscription(ctx context.Context, cmd *StreamCommand) *StreamResponse {
	sub, err := s.agent.server.Subscribe(&stream.SubscribeRequest{
		Filter: structs.EventFilter{JobID: cmd.JobID},
	})
	if err != nil {
		return &StreamResponse{ID: cmd.ID, Error: err.Error()}
	}

	subCtx, stop := context.WithCancel(ctx)

	s.subLock.Lock()
	if s.subStop != nil {
		s.subStop()
	}
	s.subStop = stop
	s.subLock.Unlock()

	go func() {
		defer sub.Unsubscribe()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		go func() {
			for {
				select {
				case <-subCtx.Done():
					return
				case <-heartbeat.C:
					s.write(&structs.Event{Topic: structs.TopicAgent, Type: structs.TypeHeartbeat, Ts: time.Now().UTC()})
				}
			}
		}()

		for {
			events, err := sub.Next(subCtx)
			if err != nil {
				if err != stream.ErrSubscriptionClosed && subCtx.Err() == nil {
					s.logger.Error("subscription pump failed", "error", err)
				}
				return
			}
			for i := range events.Events {
				s.write(&events.Events[i])
			}
		}
	}()

	return &StreamResponse{ID: cmd.ID, Ok: true}
}

func (s *StdioServer) stopSubscription() {
	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subStop != nil {
		s.subStop()
		s.subStop = nil
	}
}

// write serializes one frame. The encoder appends the newline NDJSON
// requires.
func (s *StdioServer) write(v interface{}) {
	s.outLock.Lock()
	defer s.outLock.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.logger.Error("failed to write frame", "error", err)
	}
}
