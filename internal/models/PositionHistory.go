package models

import (
	"time"

	"github.com/google/uuid"
)

// PositionHistoryPoint is one append-only trail point. Readers prune by querying
// a recent window, rows are never deleted by the service.
type PositionHistoryPoint struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	SubjectID  uuid.UUID `json:"subject_id" gorm:"type:uuid;index:idx_history_subject_time,priority:1"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Heading    *float64  `json:"heading"`
	Speed      *float64  `json:"speed"`
	RecordedAt time.Time `json:"recorded_at" gorm:"index:idx_history_subject_time,priority:2"`
}

func (PositionHistoryPoint) TableName() string { return "position_history" }
