package models

import (
	"time"

	"github.com/google/uuid"
)

// SharingConsent records whether a subject shares their location.
// ConsentGivenAt and ConsentText are written on the first opt-in only and are
// kept as the audit trail across later toggles.
type SharingConsent struct {
	SubjectID               uuid.UUID  `json:"subject_id" gorm:"type:uuid;primaryKey"`
	IsSharing               bool       `json:"is_sharing"`
	ConsentGivenAt          *time.Time `json:"consent_given_at"`
	ConsentText             string     `json:"consent_text"`
	UpdateIntervalSeconds   int        `json:"update_interval_seconds" gorm:"default:15"`
	AccuracyThresholdMeters float64    `json:"accuracy_threshold_meters" gorm:"default:50"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (SharingConsent) TableName() string { return "location_sharing_consents" }
