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

package builder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  bool
	}{
		{StateQueued, false},
		{StatePreparing, false},
		{StateRunning, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateCancelled, true},
		{StateTimedOut, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(string(tc.state), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.state.Terminal())
		})
	}
}

func TestLogRingKeepsMostRecent(t *testing.T) {
	t.Parallel()

	ring := newLogRing(3)
	for i := 1; i <= 5; i++ {
		ring.append(LogEntry{Message: fmt.Sprintf("line %d", i)})
	}

	entries := ring.snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, "line 3", entries[0].Message)
	assert.Equal(t, "line 4", entries[1].Message)
	assert.Equal(t, "line 5", entries[2].Message)
}

func TestLogRingPartialFill(t *testing.T) {
	t.Parallel()

	ring := newLogRing(10)
	ring.append(LogEntry{Message: "first"})
	ring.append(LogEntry{Message: "second"})

	entries := ring.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
}

func TestLogRingMinimumCapacity(t *testing.T) {
	t.Parallel()

	ring := newLogRing(0)
	ring.append(LogEntry{Message: "a"})
	ring.append(LogEntry{Message: "b"})

	entries := ring.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Message)
}

func TestSignalCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	b := newBuild("b1", Request{}, 4)
	assert.False(t, b.isCancelled())

	b.signalCancel(false)
	assert.True(t, b.isCancelled())

	// Second signal must not panic or flip the timeout flag.
	b.signalCancel(true)
	b.mu.Lock()
	timedOut := b.timedOut
	b.mu.Unlock()
	assert.False(t, timedOut)

	select {
	case <-b.Cancelled():
	default:
		t.Fatal("cancel channel not closed")
	}
}

func TestSignalCancelRecordsTimeout(t *testing.T) {
	t.Parallel()

	b := newBuild("b1", Request{}, 4)
	b.signalCancel(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.timedOut)
}

func TestSnapshotCopiesProgress(t *testing.T) {
	t.Parallel()

	b := newBuild("b1", Request{}, 4)
	b.mu.Lock()
	b.progress = &Progress{CurrentStep: "prepare", StepNumber: 1, TotalSteps: 5, Percent: 20}
	b.mu.Unlock()

	status := b.Snapshot()
	require.NotNil(t, status.Progress)
	assert.Equal(t, "prepare", status.Progress.CurrentStep)

	// Mutating the snapshot must not leak back into the build.
	status.Progress.CurrentStep = "mutated"
	b.mu.Lock()
	current := b.progress.CurrentStep
	b.mu.Unlock()
	assert.Equal(t, "prepare", current)
}

func TestSnapshotInitialState(t *testing.T) {
	t.Parallel()

	b := newBuild("b1", Request{}, 4)
	status := b.Snapshot()
	assert.Equal(t, "b1", status.ID)
	assert.Equal(t, StateQueued, status.State)
	assert.Nil(t, status.StartedAt)
	assert.Nil(t, status.CompletedAt)
	assert.False(t, status.CreatedAt.IsZero())
}

func TestDetectLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line   string
		source string
		want   string
	}{
		{"==> vmware-iso: Starting build", "stdout", "info"},
		{"Error: iso checksum mismatch", "stdout", "error"},
		{"warning: deprecated option", "stdout", "warn"},
		{"[DEBUG] handshake complete", "stdout", "debug"},
		{"something went sideways", "stderr", "warn"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.line, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, detectLevel(tc.line, tc.source))
		})
	}
}
