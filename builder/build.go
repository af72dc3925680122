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

// Package builder owns the concurrent build orchestrator: a priority queue
// feeding a bounded worker pool, with cooperative cancellation, child
// process supervision, bounded log capture, and event fan-out.
package builder

import (
	"os/exec"
	"sync"
	"time"

	"github.com/osimager/osimager/assembly"
)

// State is the lifecycle position of a build.
type State string

// Build states.
const (
	StateQueued    State = "queued"
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Progress describes how far through its phases a build is.
type Progress struct {
	CurrentStep string `json:"current_step"`
	StepNumber  int    `json:"step_number"`
	TotalSteps  int    `json:"total_steps"`
	Percent     int    `json:"percent"`
}

// LogEntry is one captured output line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Request is what a caller submits to the orchestrator.
type Request struct {
	Assembly assembly.Request

	// Priority orders the queue; higher runs first, ties go to the earlier
	// submission.
	Priority int

	// Timeout bounds the Running phase. Zero means the configured default.
	Timeout time.Duration

	// Keep preserves the workspace after a terminal transition.
	Keep bool
	// DryRun stops after writing the Packer document.
	DryRun bool

	Debug       bool
	Force       bool
	TimestampUI bool
	OnError     string
}

// Build is the orchestrator-owned record of one submitted request. All
// mutation happens under mu; external readers get value snapshots.
type Build struct {
	ID      string
	Request Request

	mu         sync.Mutex
	state      State
	progress   *Progress
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
	errMsg     string
	errCause   error
	workspace  string
	logs       *logRing
	cmd        *exec.Cmd

	cancelOnce sync.Once
	cancelCh   chan struct{}
	timedOut   bool
}

func newBuild(id string, req Request, ringCapacity int) *Build {
	return &Build{
		ID:        id,
		Request:   req,
		state:     StateQueued,
		createdAt: time.Now().UTC(),
		logs:      newLogRing(ringCapacity),
		cancelCh:  make(chan struct{}),
	}
}

// Status is the externally visible snapshot of a build.
type Status struct {
	ID           string     `json:"id"`
	Target       string     `json:"target"`
	State        State      `json:"state"`
	Progress     *Progress  `json:"progress,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Workspace    string     `json:"workspace,omitempty"`
}

// Snapshot copies the build's current state for external readers.
func (b *Build) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		ID:           b.ID,
		Target:       b.Request.Assembly.Target.String(),
		State:        b.state,
		CreatedAt:    b.createdAt,
		StartedAt:    b.startedAt,
		CompletedAt:  b.finishedAt,
		ErrorMessage: b.errMsg,
		Workspace:    b.workspace,
	}
	if b.progress != nil {
		p := *b.progress
		status.Progress = &p
	}
	return status
}

// State returns the current state.
func (b *Build) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Logs returns the retained log entries, oldest first.
func (b *Build) Logs() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logs.snapshot()
}

// Cancelled returns the channel closed when the build is cancelled or its
// timeout fires.
func (b *Build) Cancelled() <-chan struct{} {
	return b.cancelCh
}

// signalCancel closes the cancel channel exactly once.
func (b *Build) signalCancel(timedOut bool) {
	b.cancelOnce.Do(func() {
		b.mu.Lock()
		b.timedOut = timedOut
		b.mu.Unlock()
		close(b.cancelCh)
	})
}

func (b *Build) isCancelled() bool {
	select {
	case <-b.cancelCh:
		return true
	default:
		return false
	}
}

// logRing retains the most recent entries, overwriting the oldest when full.
// Appends never block or allocate beyond the fixed backing array.
type logRing struct {
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) append(entry LogEntry) {
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) snapshot() []LogEntry {
	if !r.full {
		return append([]LogEntry(nil), r.entries[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}
