// Package realtime fans out current-position change events to subscribers.
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
)

// Backlog is how many undelivered events a subscription holds before the
// oldest is dropped.
const Backlog = 64

// Hub routes TrackedPosition changes to the subscribers of that subject.
type Hub struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]map[*Subscription]struct{}
	listeners []func(models.TrackedPosition)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*Subscription]struct{})}
}

// Subscription delivers change events for one subject in publish order. A
// consumer that falls Backlog events behind loses the oldest ones first; the
// newest event always gets through.
type Subscription struct {
	hub     *Hub
	subject uuid.UUID
	ch      chan models.TrackedPosition
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

func (s *Subscription) C() <-chan models.TrackedPosition { return s.ch }

func (s *Subscription) SubjectID() uuid.UUID { return s.subject }

// Close unregisters the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

func (s *Subscription) deliver(pos models.TrackedPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- pos:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribe registers interest in one subject's position changes.
func (h *Hub) Subscribe(subjectID uuid.UUID) *Subscription {
	sub := &Subscription{hub: h, subject: subjectID, ch: make(chan models.TrackedPosition, Backlog)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[subjectID]; !ok {
		h.subs[subjectID] = make(map[*Subscription]struct{})
	}
	h.subs[subjectID][sub] = struct{}{}

	logrus.WithField("subject_id", subjectID).Debug("Position subscription registered.")
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.subject]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.subject)
		}
	}
	logrus.WithField("subject_id", sub.subject).Debug("Position subscription removed.")
}

// OnPublish registers fn to see every published event, for any subject. fn
// runs on the publishing goroutine before subscribers are served and must not
// block for long.
func (h *Hub) OnPublish(fn func(models.TrackedPosition)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Publish delivers pos to every subscriber of its subject without blocking.
func (h *Hub) Publish(pos models.TrackedPosition) {
	h.mu.Lock()
	listeners := h.listeners
	targets := make([]*Subscription, 0, len(h.subs[pos.SubjectID]))
	for sub := range h.subs[pos.SubjectID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(pos)
	}
	for _, sub := range targets {
		sub.deliver(pos)
	}
}

// Subscribers returns the number of live subscriptions for a subject.
func (h *Hub) Subscribers(subjectID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subjectID])
}
