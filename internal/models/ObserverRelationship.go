package models

import (
	"time"

	"github.com/google/uuid"
)

// ObserverRelationship links a tracked subject to a caregiver ("angel") who may
// view their position. Only active rows grant read access.
type ObserverRelationship struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	SubjectID  uuid.UUID  `json:"subject_id" gorm:"type:uuid;uniqueIndex:idx_subject_observer"`
	ObserverID uuid.UUID  `json:"observer_id" gorm:"type:uuid;uniqueIndex:idx_subject_observer;index"`
	Active     bool       `json:"active" gorm:"default:true"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

func (ObserverRelationship) TableName() string { return "observer_relationships" }
