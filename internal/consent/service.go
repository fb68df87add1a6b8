// Package consent manages a subject's location-sharing opt-in.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
	"dr_memo/internal/store"
)

const (
	DefaultUpdateIntervalSeconds   = 15
	DefaultAccuracyThresholdMeters = 50.0

	minInterval, maxInterval   = 5, 3600
	minThreshold, maxThreshold = 5.0, 1000.0
)

var (
	ErrInvalidSettings = errors.New("consent: invalid settings")
	ErrConsentText     = errors.New("consent: consent text is required on first opt-in")
)

// Settings tune the tracker for one subject. Zero fields keep the current
// value, or the default on first opt-in.
type Settings struct {
	UpdateIntervalSeconds   int     `json:"update_interval_seconds"`
	AccuracyThresholdMeters float64 `json:"accuracy_threshold_meters"`
}

func (s Settings) Validate() error {
	if s.UpdateIntervalSeconds != 0 && (s.UpdateIntervalSeconds < minInterval || s.UpdateIntervalSeconds > maxInterval) {
		return fmt.Errorf("%w: update_interval_seconds must be between %d and %d", ErrInvalidSettings, minInterval, maxInterval)
	}
	if s.AccuracyThresholdMeters != 0 && (s.AccuracyThresholdMeters < minThreshold || s.AccuracyThresholdMeters > maxThreshold) {
		return fmt.Errorf("%w: accuracy_threshold_meters must be between %.0f and %.0f", ErrInvalidSettings, minThreshold, maxThreshold)
	}
	return nil
}

type Service struct {
	store store.ConsentStore
	now   func() time.Time
}

func NewService(s store.ConsentStore) *Service {
	return &Service{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the subject's consent, or store.ErrNotFound if they never opted in.
func (s *Service) Get(ctx context.Context, subjectID uuid.UUID) (*models.SharingConsent, error) {
	return s.store.GetConsent(ctx, subjectID)
}

// Enable turns sharing on. The first call records consent_given_at and the
// consent text; later calls leave them untouched.
func (s *Service) Enable(ctx context.Context, subjectID uuid.UUID, consentText string, settings Settings) (*models.SharingConsent, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c, err := s.store.GetConsent(ctx, subjectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if strings.TrimSpace(consentText) == "" {
			return nil, ErrConsentText
		}
		now := s.now()
		c = &models.SharingConsent{
			SubjectID:               subjectID,
			ConsentGivenAt:          &now,
			ConsentText:             consentText,
			UpdateIntervalSeconds:   DefaultUpdateIntervalSeconds,
			AccuracyThresholdMeters: DefaultAccuracyThresholdMeters,
		}
	case err != nil:
		return nil, fmt.Errorf("load consent: %w", err)
	case c.ConsentGivenAt == nil:
		// Row created without an opt-in, e.g. by seeding.
		if strings.TrimSpace(consentText) == "" {
			return nil, ErrConsentText
		}
		now := s.now()
		c.ConsentGivenAt = &now
		c.ConsentText = consentText
	}

	c.IsSharing = true
	if settings.UpdateIntervalSeconds != 0 {
		c.UpdateIntervalSeconds = settings.UpdateIntervalSeconds
	}
	if settings.AccuracyThresholdMeters != 0 {
		c.AccuracyThresholdMeters = settings.AccuracyThresholdMeters
	}
	if err := s.store.SaveConsent(ctx, c); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"subject_id":      subjectID,
		"update_interval": c.UpdateIntervalSeconds,
		"threshold_m":     c.AccuracyThresholdMeters,
	}).Info("Location sharing enabled.")
	return c, nil
}

// Disable turns sharing off and keeps the audit fields.
func (s *Service) Disable(ctx context.Context, subjectID uuid.UUID) (*models.SharingConsent, error) {
	c, err := s.store.GetConsent(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !c.IsSharing {
		return c, nil
	}
	c.IsSharing = false
	if err := s.store.SaveConsent(ctx, c); err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}
	logrus.WithField("subject_id", subjectID).Info("Location sharing disabled.")
	return c, nil
}

// IsSharing reports whether the subject currently shares their location.
// A subject who never opted in is not sharing.
func (s *Service) IsSharing(ctx context.Context, subjectID uuid.UUID) (bool, *models.SharingConsent, error) {
	c, err := s.store.GetConsent(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return c.IsSharing, c, nil
}
