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
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osimager/osimager/assembly"
	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/events"
	"github.com/osimager/osimager/logging"
)

// Orchestrator schedules builds onto a bounded worker pool and supervises
// the resulting Packer processes.
type Orchestrator struct {
	settings  *config.Settings
	assembler *assembly.Assembler
	bus       *events.Bus

	queue *buildQueue

	mu        sync.Mutex
	builds    map[string]*Build
	retention map[string]*time.Timer
	closed    bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an orchestrator. Call Start before submitting builds.
func New(settings *config.Settings, assembler *assembly.Assembler, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		settings:  settings,
		assembler: assembler,
		bus:       bus,
		queue:     newBuildQueue(),
		builds:    map[string]*Build{},
		retention: map[string]*time.Timer{},
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.group, _ = errgroup.WithContext(o.ctx)
	for i := 0; i < o.settings.Concurrency; i++ {
		o.group.Go(func() error {
			o.workerLoop()
			return nil
		})
	}
}

// Submit queues a build request and returns its initial status.
func (o *Orchestrator) Submit(req Request) (Status, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Status{}, errors.New("orchestrator is shutting down")
	}
	id := newBuildID()
	build := newBuild(id, req, o.settings.LogRingCapacity)
	o.builds[id] = build
	o.mu.Unlock()

	o.bus.Publish(events.KindCreated, id, build.Snapshot())
	if !o.queue.push(build, req.Priority) {
		o.transition(build, StateCancelled, "orchestrator is shutting down")
		return build.Snapshot(), errors.New("orchestrator is shutting down")
	}
	return build.Snapshot(), nil
}

// Get returns the status of one build.
func (o *Orchestrator) Get(id string) (Status, bool) {
	o.mu.Lock()
	build, ok := o.builds[id]
	o.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return build.Snapshot(), true
}

// Err returns the failure cause of a build, when it has one.
func (o *Orchestrator) Err(id string) error {
	o.mu.Lock()
	build, ok := o.builds[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	build.mu.Lock()
	defer build.mu.Unlock()
	return build.errCause
}

// Logs returns the retained log lines of one build, oldest first.
func (o *Orchestrator) Logs(id string) ([]LogEntry, bool) {
	o.mu.Lock()
	build, ok := o.builds[id]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return build.Logs(), true
}

// List returns a snapshot of every known build, newest submission first.
func (o *Orchestrator) List() []Status {
	o.mu.Lock()
	statuses := make([]Status, 0, len(o.builds))
	for _, build := range o.builds {
		statuses = append(statuses, build.Snapshot())
	}
	o.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.After(statuses[j].CreatedAt)
	})
	return statuses
}

// Cancel requests cancellation of a build. Idempotent and non-blocking: a
// queued build transitions directly to Cancelled, a running one has its
// process signalled by the owning worker.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	build, ok := o.builds[id]
	o.mu.Unlock()
	if !ok {
		return errors.E(errors.KindSpecNotFound, "unknown build %q", id)
	}

	build.mu.Lock()
	state := build.state
	build.mu.Unlock()
	if state.Terminal() {
		return nil
	}

	build.signalCancel(false)
	if state == StateQueued {
		// The worker loop skips cancelled queue entries; transition now so
		// the caller and observers see it immediately.
		o.transition(build, StateCancelled, "")
	}
	return nil
}

// Shutdown stops accepting submissions, signals every active build, and
// waits for the workers to drain (bounded by ctx).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := make([]*Build, 0, len(o.builds))
	for _, b := range o.builds {
		active = append(active, b)
	}
	o.mu.Unlock()

	o.queue.close()
	for _, b := range active {
		if !b.State().Terminal() {
			b.signalCancel(false)
		}
	}

	done := make(chan struct{})
	go func() {
		o.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if o.cancel != nil {
		o.cancel()
	}
	return ctx.Err()
}

// Snapshot implements events.StatusSource.
func (o *Orchestrator) Snapshot() interface{} { return o.List() }

// BuildStatus implements events.StatusSource.
func (o *Orchestrator) BuildStatus(id string) (interface{}, bool) {
	status, ok := o.Get(id)
	if !ok {
		return nil, false
	}
	return status, true
}

// TouchRetention restarts the retention window of a terminal build when an
// observer attaches after the fact.
func (o *Orchestrator) TouchRetention(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer, ok := o.retention[id]; ok {
		timer.Reset(o.settings.Retention())
	}
}

// workerLoop runs one worker: pop, skip already-cancelled entries, build.
func (o *Orchestrator) workerLoop() {
	for {
		build := o.queue.pop()
		if build == nil {
			return
		}
		if build.isCancelled() {
			// Cancelled while queued. Cancel transitions immediately, but
			// shutdown only signals, so settle the state here too.
			o.transition(build, StateCancelled, "")
			continue
		}
		o.runBuild(build)
	}
}

// transition moves a build to a new state, recording timestamps and
// publishing the matching event. Terminal transitions also start the
// retention timer.
func (o *Orchestrator) transition(build *Build, state State, errMsg string) {
	now := time.Now().UTC()

	build.mu.Lock()
	if build.state.Terminal() {
		build.mu.Unlock()
		return
	}
	build.state = state
	if errMsg != "" {
		build.errMsg = errMsg
	}
	switch state {
	case StateRunning:
		build.startedAt = &now
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		build.finishedAt = &now
	}
	build.mu.Unlock()

	kind := events.KindStatus
	switch state {
	case StateCompleted:
		kind = events.KindCompleted
	case StateFailed:
		kind = events.KindFailed
	case StateCancelled:
		kind = events.KindCancelled
	}
	o.bus.Publish(kind, build.ID, build.Snapshot())

	if state.Terminal() {
		o.scheduleRetention(build)
	}
}

// scheduleRetention arranges garbage collection of a terminal build after
// the retention window, deferring while observers remain attached.
func (o *Orchestrator) scheduleRetention(build *Build) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.retention[build.ID]; ok {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(o.settings.Retention(), func() {
		if o.bus.HasSubscribers(build.ID) {
			timer.Reset(o.settings.Retention())
			return
		}
		o.mu.Lock()
		delete(o.builds, build.ID)
		delete(o.retention, build.ID)
		o.mu.Unlock()
	})
	o.retention[build.ID] = timer
}

// progress advances the build's step counter and publishes a progress event.
func (o *Orchestrator) progress(build *Build, step string, number, total int) {
	p := &Progress{
		CurrentStep: step,
		StepNumber:  number,
		TotalSteps:  total,
		Percent:     number * 100 / total,
	}
	build.mu.Lock()
	build.progress = p
	build.mu.Unlock()
	o.bus.Publish(events.KindProgress, build.ID, p)
}

// appendLog records one log line in the ring and fans it out.
func (o *Orchestrator) appendLog(build *Build, level, message, source string) {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	build.mu.Lock()
	build.logs.append(entry)
	build.mu.Unlock()
	o.bus.Publish(events.KindLog, build.ID, entry)
}

// cleanupWorkspace removes the build directory unless the keep flag is set.
func (o *Orchestrator) cleanupWorkspace(build *Build) {
	build.mu.Lock()
	workspace := build.workspace
	keep := build.Request.Keep
	build.mu.Unlock()
	if workspace == "" || keep {
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		logging.WarnContext(o.ctx, "Failed to remove workspace %s: %v", workspace, err)
	}
}

// newBuildID returns an opaque unique identifier.
func newBuildID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format("20060102150405.000")))
	}
	return hex.EncodeToString(buf)
}
