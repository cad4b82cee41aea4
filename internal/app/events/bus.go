// Package events fans session lifecycle events out to scoped subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Verify/internal/domain"
)

type Kind string

const (
	KindStatus             Kind = "status"
	KindConnection         Kind = "connection"
	KindRecordingStarted   Kind = "recording_started"
	KindRecordingStored    Kind = "recording_stored"
	KindRecordingFailed    Kind = "recording_failed"
	KindRecordingDiscarded Kind = "recording_discarded"
	KindDocument           Kind = "document"
)

type Event struct {
	Session domain.SessionID     `json:"session_id"`
	Kind    Kind                 `json:"kind"`
	Status  domain.SessionStatus `json:"status,omitempty"`
	Detail  string               `json:"detail,omitempty"`
	At      time.Time            `json:"at"`
}

const subscriberBuffer = 16

// Bus delivers events to subscribers of one session. Publishing never
// blocks; a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[domain.SessionID]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[domain.SessionID]map[*Subscription]struct{})}
}

// Subscription is closed when its session reaches a terminal status,
// when ctx ends or when Close is called.
type Subscription struct {
	bus     *Bus
	session domain.SessionID
	ch      chan Event
	once    sync.Once
	done    chan struct{}
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (b *Bus) Subscribe(ctx context.Context, id domain.SessionID) *Subscription {
	sub := &Subscription{
		bus:     b,
		session: id,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.session]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.session)
		}
	}
	sub.closeLocked()
}

// closeLocked must run with b.mu held so Publish never sends on a closed
// channel.
func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		close(s.done)
		close(s.ch)
	})
}

// Publish delivers e to the session's subscribers. A terminal status
// event is delivered and then ends every subscription of the session.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	terminal := e.Kind == KindStatus && e.Status.Terminal()

	if terminal {
		b.mu.Lock()
		defer b.mu.Unlock()
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}
	set := b.subs[e.Session]
	for sub := range set {
		select {
		case sub.ch <- e:
		default:
		}
	}
	if terminal {
		for sub := range set {
			sub.closeLocked()
		}
		delete(b.subs, e.Session)
	}
}

// Subscribers reports how many live subscriptions id has.
func (b *Bus) Subscribers(id domain.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}
