// Package notify fans job status events out to live subscribers.
//
// Every subscription owns its own queue, so a slow or idle consumer only ever
// grows its own backlog. Events are never persisted or replayed: a subscriber
// sees only what is published while it is registered.
package notify

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/pkg/models"
)

// ErrClosed is returned by Subscribe after Close and by Next once the
// subscription or its bus has been closed.
var ErrClosed = errors.New("notify: closed")

// Publisher delivers an event to every live subscriber of a user.
type Publisher interface {
	Publish(userID uuid.UUID, event models.Event)
}

// Bus is an in-process pub/sub registry keyed by user id.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]map[*Subscription]struct{}
	backlog int
	closed  bool
}

// NewBus creates a Bus whose subscriptions hold at most backlog undelivered
// events. When a backlog overflows the oldest event is dropped and the
// subscriber's next event is a resync notice.
func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = 256
	}
	return &Bus{
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		backlog: backlog,
	}
}

// Subscribe registers a new subscription for userID with an empty backlog.
func (b *Bus) Subscribe(userID uuid.UUID) (*Subscription, error) {
	s := &Subscription{
		bus:    b,
		userID: userID,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[userID] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Publish enqueues event on every live subscription of userID without blocking.
// With no subscriptions the event is dropped.
func (b *Bus) Publish(userID uuid.UUID, event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[userID] {
		s.push(event, b.backlog)
	}
}

// Subscribers returns the number of live subscriptions for userID.
func (b *Bus) Subscribers(userID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Close ends every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[uuid.UUID]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.finish()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.userID]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.userID)
	}
}

// Subscription is one consumer's FIFO view of a user's events.
type Subscription struct {
	bus    *Bus
	userID uuid.UUID

	mu      sync.Mutex
	queue   []models.Event
	dropped int
	// missed counts drops not yet announced by a resync event.
	missed int

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) push(event models.Event, limit int) {
	s.mu.Lock()
	if len(s.queue) >= limit {
		s.queue = s.queue[1:]
		s.dropped++
		s.missed++
		if s.dropped == 1 {
			slog.Warn("notification backlog full, dropping oldest events",
				"user_id", s.userID, "backlog", limit)
		}
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missed > 0 {
		ev := models.Event{Type: models.EventResync, Data: map[string]any{"dropped": s.missed}}
		s.missed = 0
		return ev, true
	}
	if len(s.queue) == 0 {
		return models.Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = models.Event{}
	s.queue = s.queue[1:]
	return ev, true
}

// Next blocks until an event is available, the context ends, or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		select {
		case <-s.done:
			return models.Event{}, ErrClosed
		default:
		}
		if ev, ok := s.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			return models.Event{}, ErrClosed
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Events yields events until the context ends or the subscription closes.
func (s *Subscription) Events(ctx context.Context) iter.Seq[models.Event] {
	return func(yield func(models.Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Dropped reports how many events were discarded due to backlog overflow.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.finish()
}

func (s *Subscription) finish() {
	s.once.Do(func() { close(s.done) })
}
