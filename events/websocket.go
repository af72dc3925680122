/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osimager/osimager/logging"
)

// StatusSource supplies build state snapshots to the control plane. The
// orchestrator implements it.
type StatusSource interface {
	// Snapshot returns the current state of all builds.
	Snapshot() interface{}
	// BuildStatus returns the state of one build and whether it exists.
	BuildStatus(id string) (interface{}, bool)
	// TouchRetention resets the retention timer of a terminal build when an
	// observer attaches to it.
	TouchRetention(id string)
}

// clientMessage is what observers may send: keepalive pings and per-build
// subscription requests.
type clientMessage struct {
	Type    string `json:"type"`
	BuildID string `json:"build_id,omitempty"`
}

// serverFrame wraps outbound messages that are not bus events.
type serverFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	pongTimeout       = heartbeatInterval + writeTimeout
)

// ControlPlane serves the bidirectional observer protocol over websockets.
type ControlPlane struct {
	Bus    *Bus
	Source StatusSource

	upgrader websocket.Upgrader
}

// NewControlPlane wires the bus and status source into a handler.
func NewControlPlane(bus *Bus, source StatusSource) *ControlPlane {
	return &ControlPlane{
		Bus:    bus,
		Source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until either side
// goes away.
func (cp *ControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := cp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WarnContext(ctx, "Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := cp.Bus.Subscribe()
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// Per-build subscription requests swap the active subscription.
	resub := make(chan string, 4)

	go cp.readLoop(conn, resub)

	if err := cp.writeJSON(conn, serverFrame{Type: "initial_status", Data: cp.Source.Snapshot()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind.
				return
			}
			if err := cp.writeJSON(conn, event); err != nil {
				return
			}
		case buildID, ok := <-resub:
			if !ok {
				return
			}
			sub.Close()
			sub = cp.Bus.SubscribeBuild(buildID)
			cp.Source.TouchRetention(buildID)
			status, ok := cp.Source.BuildStatus(buildID)
			if !ok {
				status = map[string]string{"error": "unknown build " + buildID}
			}
			if err := cp.writeJSON(conn, serverFrame{Type: "initial_status", Data: status}); err != nil {
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop consumes client messages until the connection dies. Any message,
// JSON ping included, refreshes the read deadline; control-frame pongs do so
// via the pong handler.
func (cp *ControlPlane) readLoop(conn *websocket.Conn, resub chan<- string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(resub)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			// Keepalive only; the deadline was just refreshed.
		case "subscribe_build":
			if msg.BuildID != "" {
				select {
				case resub <- msg.BuildID:
				default:
				}
			}
		}
	}
}

func (cp *ControlPlane) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
