// Package store is the persistence contract shared by the tracker, the map
// viewer and the HTTP layer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
)

// PositionChannel is the Postgres NOTIFY channel carrying committed
// tracked_positions rows.
const PositionChannel = "tracked_positions"

var ErrNotFound = errors.New("store: record not found")

type PositionWriter interface {
	// UpsertPosition replaces the subject's current position in place.
	// A nil LastMovementAt keeps the stored value.
	UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error
	InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error
}

type PositionReader interface {
	GetPosition(ctx context.Context, subjectID uuid.UUID) (*models.TrackedPosition, error)
	// ListHistory returns points recorded at or after since, oldest first.
	ListHistory(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]models.PositionHistoryPoint, error)
}

type Subscriber interface {
	SubscribePosition(ctx context.Context, subjectID uuid.UUID) (*realtime.Subscription, error)
}

type ConsentStore interface {
	GetConsent(ctx context.Context, subjectID uuid.UUID) (*models.SharingConsent, error)
	SaveConsent(ctx context.Context, c *models.SharingConsent) error
}

type ObserverStore interface {
	LinkObserver(ctx context.Context, subjectID, observerID uuid.UUID) (*models.ObserverRelationship, error)
	RevokeObserver(ctx context.Context, subjectID, observerID uuid.UUID, at time.Time) error
	IsObserver(ctx context.Context, subjectID, observerID uuid.UUID) (bool, error)
	ListObservers(ctx context.Context, subjectID uuid.UUID) ([]models.ObserverRelationship, error)
}

// Store is everything the server needs from persistence.
type Store interface {
	PositionWriter
	PositionReader
	Subscriber
	ConsentStore
	ObserverStore
}

// CanView reports whether viewer may read subject's location: subjects always
// see themselves, everyone else needs an active relationship.
func CanView(ctx context.Context, obs ObserverStore, subjectID, viewerID uuid.UUID) (bool, error) {
	if subjectID == viewerID {
		return true, nil
	}
	return obs.IsObserver(ctx, subjectID, viewerID)
}
