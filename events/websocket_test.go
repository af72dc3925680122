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
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a canned StatusSource recording retention touches.
type fakeSource struct {
	mu      sync.Mutex
	all     interface{}
	builds  map[string]interface{}
	touched []string
}

func (f *fakeSource) Snapshot() interface{} { return f.all }

func (f *fakeSource) BuildStatus(id string) (interface{}, bool) {
	s, ok := f.builds[id]
	return s, ok
}

func (f *fakeSource) TouchRetention(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
}

func (f *fakeSource) touches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.touched...)
}

// frame is the decoded shape of any server message. Server frames and bus
// events both carry their discriminator under "type".
type frame struct {
	Type    string          `json:"type"`
	BuildID string          `json:"build_id"`
	Data    json.RawMessage `json:"data"`
}

func dialControlPlane(t *testing.T, source *fakeSource) (*Bus, *websocket.Conn) {
	t.Helper()
	bus := NewBus()
	srv := httptest.NewServer(NewControlPlane(bus, source))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return bus, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestControlPlaneInitialStatus(t *testing.T) {
	t.Parallel()

	source := &fakeSource{all: []map[string]string{{"id": "b1", "state": "running"}}}
	bus, conn := dialControlPlane(t, source)

	f := readFrame(t, conn)
	assert.Equal(t, "initial_status", f.Type)
	var snapshot []map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &snapshot))
	require.Len(t, snapshot, 1)
	assert.Equal(t, "b1", snapshot[0]["id"])

	// Bus events stream to the wildcard subscription.
	bus.Publish(KindLog, "b1", "line one")
	f = readFrame(t, conn)
	assert.Equal(t, string(KindLog), f.Type)
	assert.Equal(t, "b1", f.BuildID)
}

func TestControlPlaneSubscribeBuild(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		all:    []string{},
		builds: map[string]interface{}{"b2": map[string]string{"id": "b2", "state": "queued"}},
	}
	bus, conn := dialControlPlane(t, source)

	f := readFrame(t, conn)
	require.Equal(t, "initial_status", f.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":     "subscribe_build",
		"build_id": "b2",
	}))

	// The swap answers with the build's own status and arms its retention.
	f = readFrame(t, conn)
	assert.Equal(t, "initial_status", f.Type)
	var status map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &status))
	assert.Equal(t, "b2", status["id"])
	assert.Equal(t, []string{"b2"}, source.touches())

	// Only b2 events pass the swapped subscription.
	bus.Publish(KindLog, "b1", "other build")
	bus.Publish(KindLog, "b2", "ours")
	f = readFrame(t, conn)
	assert.Equal(t, "b2", f.BuildID)
}

func TestControlPlaneSubscribeUnknownBuild(t *testing.T) {
	t.Parallel()

	source := &fakeSource{all: []string{}}
	_, conn := dialControlPlane(t, source)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":     "subscribe_build",
		"build_id": "ghost",
	}))

	f := readFrame(t, conn)
	assert.Equal(t, "initial_status", f.Type)
	var status map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &status))
	assert.Contains(t, status["error"], "unknown build ghost")
}

func TestControlPlaneJSONPingKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	source := &fakeSource{all: []string{}}
	bus, conn := dialControlPlane(t, source)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	// The session is still serving events after the keepalive.
	bus.Publish(KindStatus, "b1", nil)
	f := readFrame(t, conn)
	assert.Equal(t, string(KindStatus), f.Type)
}
