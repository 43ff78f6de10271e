// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/vibe/vibe/structs"
)

// JsonHeartbeat is the frame sent to keep idle connections open. Shared
// to avoid allocating one per tick.
var JsonHeartbeat = &structs.EventJSON{Data: []byte(`{"event":"heartbeat"}`)}

// JsonStream is used to send newline-delimited JSON and heartbeats to a
// destination. The SSE, NDJSON, and websocket transports all drain OutCh
// and apply their own framing.
type JsonStream struct {
	// ctx is a passed in context used to notify the json stream
	// when it should terminate.
	ctx context.Context

	outCh chan *structs.EventJSON

	// heartbeatTick paces keepalive frames on otherwise idle streams.
	heartbeatTick *time.Ticker
}

// NewJsonStream creates a new json stream that will output json structs
// to the passed output channel.
func NewJsonStream(ctx context.Context, heartbeat time.Duration) *JsonStream {
	s := &JsonStream{
		ctx:           ctx,
		outCh:         make(chan *structs.EventJSON, 10),
		heartbeatTick: time.NewTicker(heartbeat),
	}

	go s.heartbeat()

	return s
}

func (n *JsonStream) OutCh() chan *structs.EventJSON {
	return n.outCh
}

func (n *JsonStream) heartbeat() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.heartbeatTick.C:
			select {
			case n.outCh <- JsonHeartbeat:
			case <-n.ctx.Done():
				return
			}
		}
	}
}

// Send encodes an object into json and queues it for the stream's
// consumer. An error is returned if encoding fails or the stream has
// ended.
func (n *JsonStream) Send(v any) error {
	if n.ctx.Err() != nil {
		return n.ctx.Err()
	}

	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshaling json for stream: %w", err)
	}

	select {
	case <-n.ctx.Done():
		return fmt.Errorf("error sending json: %w", n.ctx.Err())
	case n.outCh <- &structs.EventJSON{Data: buf}:
	}

	return nil
}
