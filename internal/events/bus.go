// Package events is a keyed in-process publish/subscribe bus for live
// pipeline and transcription progress.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
)

type EventType string

const (
	EventPing     EventType = "ping"
	EventPartial  EventType = "partial"
	EventComplete EventType = "complete"
	EventStatus   EventType = "status"
	EventError    EventType = "error"
)

const (
	DefaultBufferSize    = 64
	DefaultCompleteGrace = time.Minute
)

// Event is one ephemeral message for a key (call id or session id).
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver enqueues without blocking. A full buffer loses its oldest event.
func (s *subscriber) deliver(ev Event) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped++
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscription is a live, ordered view of one key.
type Subscription struct {
	Key  string
	sub  *subscriber
	stop func() bool
	bus  *Bus
	once sync.Once
}

// Events yields published events. The channel is closed after the complete
// event, on context cancellation, or on Close.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

func (s *Subscription) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.release()
}

func (s *Subscription) release() {
	s.once.Do(func() { s.bus.unsubscribe(s.Key, s.sub) })
}

// Bus broadcasts every event for a key to all of the key's subscribers.
// Nothing is retained for subscribers that join later.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]map[*subscriber]struct{}
	waiters    map[string][]chan struct{}
	completed  map[string]time.Time
	bufferSize int
	grace      time.Duration
	seq        atomic.Int64
	dropped    atomic.Int64
	now        func() time.Time
	log        *logger.Logger
}

func NewBus(bufferSize int, log *logger.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Bus{
		subs:       make(map[string]map[*subscriber]struct{}),
		waiters:    make(map[string][]chan struct{}),
		completed:  make(map[string]time.Time),
		bufferSize: bufferSize,
		grace:      DefaultCompleteGrace,
		now:        time.Now,
		log:        log.Component("events"),
	}
}

// Publish never blocks on slow subscribers.
func (b *Bus) Publish(key string, ev Event) Event {
	ev.Key = key
	ev.Seq = b.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	terminal := ev.Type == EventComplete

	var targets []*subscriber
	if terminal {
		b.mu.Lock()
		b.completed[key] = b.now()
		for s := range b.subs[key] {
			targets = append(targets, s)
		}
		delete(b.subs, key)
		b.pruneLocked()
		b.mu.Unlock()
	} else {
		b.mu.RLock()
		for s := range b.subs[key] {
			targets = append(targets, s)
		}
		b.mu.RUnlock()
	}

	for _, s := range targets {
		if n := s.deliver(ev); n > 0 {
			b.dropped.Add(int64(n))
			b.log.WithFields(logrus.Fields{"key": key, "dropped": n}).Warn("subscriber buffer full, dropped oldest events")
		}
		if terminal {
			s.close()
		}
	}

	b.log.WithFields(logrus.Fields{
		"key":         key,
		"type":        ev.Type,
		"subscribers": len(targets),
	}).Debug("event published")
	return ev
}

// Complete publishes the terminal event for key.
func (b *Bus) Complete(key string, payload map[string]any) Event {
	return b.Publish(key, Event{Type: EventComplete, Payload: payload})
}

// Subscribe registers a subscriber for key. The subscription ends when ctx is
// done. Subscribing to a key that has already completed yields a closed
// channel.
func (b *Bus) Subscribe(ctx context.Context, key string) *Subscription {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	sub := &Subscription{Key: key, sub: s, bus: b}

	b.mu.Lock()
	if at, ok := b.completed[key]; ok && b.now().Sub(at) < b.grace {
		b.mu.Unlock()
		s.close()
		return sub
	}
	delete(b.completed, key)
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[key] = set
	}
	set[s] = struct{}{}
	for _, w := range b.waiters[key] {
		close(w)
	}
	delete(b.waiters, key)
	b.mu.Unlock()

	sub.stop = context.AfterFunc(ctx, sub.release)
	b.log.WithField("key", key).Debug("subscriber registered")
	return sub
}

func (b *Bus) unsubscribe(key string, s *subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
	s.close()
}

// WaitSubscriber blocks until key has at least one subscriber. It reports
// false when timeout passes or ctx is done first.
func (b *Bus) WaitSubscriber(ctx context.Context, key string, timeout time.Duration) bool {
	b.mu.Lock()
	if len(b.subs[key]) > 0 {
		b.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	b.waiters[key] = append(b.waiters[key], ch)
	b.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	ws := b.waiters[key]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(b.waiters, key)
	} else {
		b.waiters[key] = ws
	}
	b.mu.Unlock()

	// A subscriber may have arrived between the timeout and the lock.
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of live subscribers for key.
func (b *Bus) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Dropped is the total number of events discarded due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) pruneLocked() {
	now := b.now()
	for key, at := range b.completed {
		if now.Sub(at) >= b.grace {
			delete(b.completed, key)
		}
	}
}
