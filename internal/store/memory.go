package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
)

// Memory is an in-process Store. Upserts publish straight to the hub.
type Memory struct {
	hub *realtime.Hub

	mu        sync.RWMutex
	positions map[uuid.UUID]models.TrackedPosition
	history   map[uuid.UUID][]models.PositionHistoryPoint
	consents  map[uuid.UUID]models.SharingConsent
	observers map[uuid.UUID]map[uuid.UUID]*models.ObserverRelationship
	nextID    uint
}

var _ Store = (*Memory)(nil)

func NewMemory(hub *realtime.Hub) *Memory {
	return &Memory{
		hub:       hub,
		positions: make(map[uuid.UUID]models.TrackedPosition),
		history:   make(map[uuid.UUID][]models.PositionHistoryPoint),
		consents:  make(map[uuid.UUID]models.SharingConsent),
		observers: make(map[uuid.UUID]map[uuid.UUID]*models.ObserverRelationship),
	}
}

func (m *Memory) UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error {
	if pos.SubjectID == uuid.Nil {
		return errors.New("upsert position: subject id is required")
	}
	m.mu.Lock()
	row := *pos
	if prev, ok := m.positions[pos.SubjectID]; ok && row.LastMovementAt == nil {
		row.LastMovementAt = prev.LastMovementAt
	}
	m.positions[pos.SubjectID] = row
	m.mu.Unlock()

	m.hub.Publish(row)
	return nil
}

func (m *Memory) InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	point.ID = m.nextID
	m.history[point.SubjectID] = append(m.history[point.SubjectID], *point)
	return nil
}

func (m *Memory) GetPosition(ctx context.Context, subjectID uuid.UUID) (*models.TrackedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (m *Memory) ListHistory(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]models.PositionHistoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PositionHistoryPoint
	for _, p := range m.history[subjectID] {
		if !p.RecordedAt.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *Memory) SubscribePosition(ctx context.Context, subjectID uuid.UUID) (*realtime.Subscription, error) {
	return m.hub.Subscribe(subjectID), nil
}

func (m *Memory) GetConsent(ctx context.Context, subjectID uuid.UUID) (*models.SharingConsent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consents[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) SaveConsent(ctx context.Context, c *models.SharingConsent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.consents[c.SubjectID] = *c
	return nil
}

func (m *Memory) LinkObserver(ctx context.Context, subjectID, observerID uuid.UUID) (*models.ObserverRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observers[subjectID] == nil {
		m.observers[subjectID] = make(map[uuid.UUID]*models.ObserverRelationship)
	}
	rel, ok := m.observers[subjectID][observerID]
	if !ok {
		m.nextID++
		rel = &models.ObserverRelationship{ID: m.nextID, SubjectID: subjectID, ObserverID: observerID, CreatedAt: time.Now().UTC()}
		m.observers[subjectID][observerID] = rel
	}
	rel.Active = true
	rel.RevokedAt = nil
	out := *rel
	return &out, nil
}

func (m *Memory) RevokeObserver(ctx context.Context, subjectID, observerID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.observers[subjectID][observerID]
	if !ok || !rel.Active {
		return ErrNotFound
	}
	rel.Active = false
	rel.RevokedAt = &at
	return nil
}

func (m *Memory) IsObserver(ctx context.Context, subjectID, observerID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.observers[subjectID][observerID]
	return ok && rel.Active, nil
}

func (m *Memory) ListObservers(ctx context.Context, subjectID uuid.UUID) ([]models.ObserverRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ObserverRelationship
	for _, rel := range m.observers[subjectID] {
		if rel.Active {
			out = append(out, *rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
