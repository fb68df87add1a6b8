package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/consent"
	"dr_memo/internal/middleware"
	"dr_memo/internal/store"
	"dr_memo/internal/tracker"
	"dr_memo/internal/viewer"
)

// Deps are the controller's collaborators. Positions may be the redis cache
// in front of the store.
type Deps struct {
	Positions  store.PositionReader
	Writer     store.PositionWriter
	Subscriber store.Subscriber
	Observers  store.ObserverStore
	Consent    *consent.Service
	Tracker    tracker.Config
	Map        viewer.Config
	MapStyle   string
}

// Controller serves the HTTP and websocket API.
type Controller struct {
	Deps
	now func() time.Time
}

func New(d Deps) *Controller {
	return &Controller{Deps: d, now: func() time.Time { return time.Now().UTC() }}
}

// subjectParam parses :id and checks the caller may read that subject. On
// failure the response is already written.
func (ctl *Controller) subjectParam(c *gin.Context) (uuid.UUID, bool) {
	subjectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subject id"})
		return uuid.Nil, false
	}
	caller := middleware.UserID(c)
	ok, err := store.CanView(c.Request.Context(), ctl.Observers, subjectID, caller)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"subject_id": subjectID,
			"viewer_id":  caller,
		}).Error("Observer lookup failed.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error checking access"})
		return uuid.Nil, false
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"subject_id": subjectID,
			"viewer_id":  caller,
		}).Warn("Viewer is not an active observer of subject. Denying.")
		c.JSON(http.StatusForbidden, gin.H{"error": "Not an observer of this subject"})
		return uuid.Nil, false
	}
	return subjectID, true
}

// source joins the read side the live map needs.
type source struct {
	store.PositionReader
	store.Subscriber
}

func (ctl *Controller) viewerSource() viewer.Source {
	return source{PositionReader: ctl.Positions, Subscriber: ctl.Subscriber}
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// detached keeps request values but not the request deadline, for work that
// outlives a hijacked connection's handler.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
