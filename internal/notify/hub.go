// Package notify fans record events out to connected subscribers and to
// optional external sinks. Publishing never blocks on a slow consumer.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Publisher accepts events for delivery. Implementations return once the
// event is queued; delivery itself is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev models.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev models.Event) error { return f(ctx, ev) }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	defaultBuffer   = 64
	defaultSeenSize = 1024
	hubSink         = "hub"
)

// Subscription is one connected session. C is closed by Close.
type Subscription struct {
	ID    string
	Actor models.Actor
	C     <-chan models.Event

	ch   chan models.Event
	hub  *Hub
	once sync.Once

	mu   sync.Mutex
	seen *lru.Cache[string, int64]
}

// offer queues ev unless the session already saw a newer version of the
// record or its buffer is full.
func (s *Subscription) offer(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen.Get(ev.RecordID); ok && ev.Version < last {
		return false
	}
	select {
	case s.ch <- ev:
		s.seen.Add(ev.RecordID, ev.Version)
		return true
	default:
		observability.NotificationsDropped.WithLabelValues(hubSink).Inc()
		return false
	}
}

// Close unsubscribes; it is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub routes events to subscriptions in process. Responders receive every
// event; a reporter receives status changes of their own records.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer}
}

func (h *Hub) Subscribe(actor models.Actor) *Subscription {
	seen, _ := lru.New[string, int64](defaultSeenSize)
	ch := make(chan models.Event, h.buffer)
	s := &Subscription{ID: uuid.NewString(), Actor: actor, C: ch, ch: ch, hub: h, seen: seen}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	observability.Subscribers.WithLabelValues(string(actor.Role)).Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		close(s.ch)
		observability.Subscribers.WithLabelValues(string(s.Actor.Role)).Dec()
	}
	h.mu.Unlock()
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(ctx context.Context, ev models.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !routes(ev, s.Actor) {
			continue
		}
		if s.offer(ev) {
			observability.NotificationsPublished.WithLabelValues(hubSink, string(ev.Type)).Inc()
		}
	}
	return nil
}

func routes(ev models.Event, a models.Actor) bool {
	if a.Role == models.RoleResponder {
		return true
	}
	return ev.Type == models.EventStatusChanged && a.ID == ev.ReporterID
}
