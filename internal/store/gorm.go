package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dr_memo/internal/models"
	"dr_memo/internal/realtime"
)

// Gorm is the Postgres-backed store. Position upserts announce the committed
// row with pg_notify; a Listener turns those into hub events, so subscribers
// only ever see committed state.
type Gorm struct {
	db  *gorm.DB
	hub *realtime.Hub
}

var _ Store = (*Gorm)(nil)

func NewGorm(db *gorm.DB, hub *realtime.Hub) *Gorm {
	return &Gorm{db: db, hub: hub}
}

// Migrate creates or updates the location tables.
func (s *Gorm) Migrate() error {
	return s.db.AutoMigrate(
		&models.TrackedPosition{},
		&models.PositionHistoryPoint{},
		&models.SharingConsent{},
		&models.ObserverRelationship{},
	)
}

func (s *Gorm) UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error {
	if pos.SubjectID == uuid.Nil {
		return errors.New("upsert position: subject id is required")
	}
	cols := []string{"latitude", "longitude", "accuracy", "heading", "speed", "battery_level", "is_moving", "updated_at"}
	if pos.LastMovementAt != nil {
		cols = append(cols, "last_movement_at")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).Create(pos).Error
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		var row models.TrackedPosition
		if err := tx.First(&row, "subject_id = ?", pos.SubjectID).Error; err != nil {
			return fmt.Errorf("reload position: %w", err)
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := tx.Exec("SELECT pg_notify(?, ?)", PositionChannel, string(payload)).Error; err != nil {
			return fmt.Errorf("notify position: %w", err)
		}
		return nil
	})
}

func (s *Gorm) InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error {
	if err := s.db.WithContext(ctx).Create(point).Error; err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Gorm) GetPosition(ctx context.Context, subjectID uuid.UUID) (*models.TrackedPosition, error) {
	var pos models.TrackedPosition
	if err := s.db.WithContext(ctx).First(&pos, "subject_id = ?", subjectID).Error; err != nil {
		return nil, translate(err)
	}
	return &pos, nil
}

func (s *Gorm) ListHistory(ctx context.Context, subjectID uuid.UUID, since time.Time) ([]models.PositionHistoryPoint, error) {
	var points []models.PositionHistoryPoint
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND recorded_at >= ?", subjectID, since).
		Order("recorded_at asc").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return points, nil
}

func (s *Gorm) SubscribePosition(ctx context.Context, subjectID uuid.UUID) (*realtime.Subscription, error) {
	return s.hub.Subscribe(subjectID), nil
}

func (s *Gorm) GetConsent(ctx context.Context, subjectID uuid.UUID) (*models.SharingConsent, error) {
	var c models.SharingConsent
	if err := s.db.WithContext(ctx).First(&c, "subject_id = ?", subjectID).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Gorm) SaveConsent(ctx context.Context, c *models.SharingConsent) error {
	if err := s.db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("save consent: %w", err)
	}
	return nil
}

func (s *Gorm) LinkObserver(ctx context.Context, subjectID, observerID uuid.UUID) (*models.ObserverRelationship, error) {
	rel := models.ObserverRelationship{SubjectID: subjectID, ObserverID: observerID, Active: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "observer_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"active":     true,
			"revoked_at": nil,
		}),
	}).Create(&rel).Error
	if err != nil {
		return nil, fmt.Errorf("link observer: %w", err)
	}
	return &rel, nil
}

func (s *Gorm) RevokeObserver(ctx context.Context, subjectID, observerID uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.ObserverRelationship{}).
		Where("subject_id = ? AND observer_id = ? AND active", subjectID, observerID).
		Updates(map[string]interface{}{"active": false, "revoked_at": at})
	if res.Error != nil {
		return fmt.Errorf("revoke observer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) IsObserver(ctx context.Context, subjectID, observerID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ObserverRelationship{}).
		Where("subject_id = ? AND observer_id = ? AND active", subjectID, observerID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check observer: %w", err)
	}
	return n > 0, nil
}

func (s *Gorm) ListObservers(ctx context.Context, subjectID uuid.UUID) ([]models.ObserverRelationship, error) {
	var rels []models.ObserverRelationship
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND active", subjectID).
		Order("created_at asc").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("list observers: %w", err)
	}
	return rels, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
