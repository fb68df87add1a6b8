package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
	"dr_memo/internal/store"
)

var ErrNotSharing = errors.New("consent: location sharing is disabled")

// GatedWriter checks the subject still shares their location before every
// write it passes on. Sessions opened before an opt-out stop persisting at
// the next write.
type GatedWriter struct {
	svc  *Service
	next store.PositionWriter
}

// Gate wraps next so writes for subjects who are not sharing fail with
// ErrNotSharing.
func (s *Service) Gate(next store.PositionWriter) *GatedWriter {
	return &GatedWriter{svc: s, next: next}
}

func (g *GatedWriter) check(ctx context.Context, subjectID uuid.UUID) error {
	sharing, _, err := g.svc.IsSharing(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("check consent: %w", err)
	}
	if !sharing {
		logrus.WithField("subject_id", subjectID).Warn("Write refused, location sharing is off.")
		return ErrNotSharing
	}
	return nil
}

func (g *GatedWriter) UpsertPosition(ctx context.Context, pos *models.TrackedPosition) error {
	if err := g.check(ctx, pos.SubjectID); err != nil {
		return err
	}
	return g.next.UpsertPosition(ctx, pos)
}

func (g *GatedWriter) InsertHistory(ctx context.Context, point *models.PositionHistoryPoint) error {
	if err := g.check(ctx, point.SubjectID); err != nil {
		return err
	}
	return g.next.InsertHistory(ctx, point)
}
