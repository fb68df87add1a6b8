package models

import (
	"time"

	"github.com/google/uuid"
)

// TrackedPosition is the live position of one subject. There is exactly one row
// per subject and it is overwritten in place on every accepted update.
type TrackedPosition struct {
	SubjectID      uuid.UUID  `json:"subject_id" gorm:"type:uuid;primaryKey"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Accuracy       float64    `json:"accuracy"`        // 1-sigma radius in meters
	Heading        *float64   `json:"heading"`         // degrees, nil when unknown
	Speed          *float64   `json:"speed"`           // m/s, nil when unknown
	BatteryLevel   *int       `json:"battery_level"`   // percent
	IsMoving       bool       `json:"is_moving"`
	LastMovementAt *time.Time `json:"last_movement_at"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (TrackedPosition) TableName() string { return "tracked_positions" }
