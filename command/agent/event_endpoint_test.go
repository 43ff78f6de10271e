// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/vibe/ci"
)

func TestWSLivenessGrace(t *testing.T) {
	ci.Parallel(t)

	// a socket survives one missed heartbeat ack; the second ends it
	must.Eq(t, 2*heartbeatInterval, wsLivenessGrace)
}

func TestEventWebsocket_DeafClientTornDown(t *testing.T) {
	ci.SkipSlow(t, "waits out the websocket liveness grace")

	a := NewTestAgent(t, "ws-liveness", nil)
	defer a.Shutdown()

	wsURL := strings.Replace(a.HTTPAddr(), "http://", "ws://", 1) + "/v1/event/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	must.NoError(t, err)
	defer conn.Close()

	// swallow pings so the server never sees a pong
	conn.SetPingHandler(func(string) error { return nil })

	// the server must close the connection once the grace elapses; the
	// extra interval absorbs scheduling jitter. A timeout here means it
	// never did.
	conn.SetReadDeadline(time.Now().Add(wsLivenessGrace + heartbeatInterval))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				t.Fatal("deaf websocket client was never torn down")
			}
			return
		}
	}
}
