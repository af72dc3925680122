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

// Package events fans build lifecycle events out to observers. Delivery is
// best effort: each subscriber owns a bounded queue and the publisher never
// blocks on a slow one.
package events

import (
	"sync"
	"time"
)

// Kind names one event type on the wire.
type Kind string

// Event kinds published by the orchestrator.
const (
	KindCreated   Kind = "created"
	KindStatus    Kind = "status"
	KindProgress  Kind = "progress"
	KindLog       Kind = "log"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event is one build lifecycle notification. Seq is monotonic per build id,
// so a subscriber can detect gaps after a reconnect.
type Event struct {
	Kind      Kind        `json:"type"`
	BuildID   string      `json:"build_id"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DefaultQueueDepth bounds each subscriber's event queue.
const DefaultQueueDepth = 256

// Subscription is one observer's view of the bus. Events arrive on C until
// Close is called or the bus drops the subscriber for falling behind.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	buildID string
	once    sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus is the fan-out hub. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
	seq  map[string]uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: map[*Subscription]bool{},
		seq:  map[string]uint64{},
	}
}

// Subscribe attaches an observer for all builds.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe("")
}

// SubscribeBuild attaches an observer filtered to one build id.
func (b *Bus) SubscribeBuild(buildID string) *Subscription {
	return b.subscribe(buildID)
}

func (b *Bus) subscribe(buildID string) *Subscription {
	ch := make(chan Event, DefaultQueueDepth)
	sub := &Subscription{C: ch, ch: ch, bus: b, buildID: buildID}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish stamps the event with its per-build sequence number and delivers
// it to every matching subscriber. A subscriber whose queue is full is
// dropped rather than back-pressuring the publisher.
func (b *Bus) Publish(kind Kind, buildID string, data interface{}) Event {
	b.mu.Lock()
	b.seq[buildID]++
	event := Event{
		Kind:      kind,
		BuildID:   buildID,
		Seq:       b.seq[buildID],
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	var overflowed []*Subscription
	for sub := range b.subs {
		if sub.buildID != "" && sub.buildID != buildID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range overflowed {
		sub.once.Do(func() { close(sub.ch) })
	}
	return event
}

// HasSubscribers reports whether any observer is attached to the build.
// The orchestrator uses it to defer garbage collection of terminal builds.
func (b *Bus) HasSubscribers(buildID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.buildID == "" || sub.buildID == buildID {
			return true
		}
	}
	return false
}
