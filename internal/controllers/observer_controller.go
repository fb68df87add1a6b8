package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/middleware"
	"dr_memo/internal/models"
)

// ListObservers returns the caller's active observers.
func (ctl *Controller) ListObservers(c *gin.Context) {
	subjectID := middleware.UserID(c)
	rels, err := ctl.Observers.ListObservers(c.Request.Context(), subjectID)
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to list observers.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error listing observers"})
		return
	}
	if rels == nil {
		rels = []models.ObserverRelationship{}
	}
	c.JSON(http.StatusOK, gin.H{"data": rels})
}

// RevokeObserver lets the subject cut off one observer.
func (ctl *Controller) RevokeObserver(c *gin.Context) {
	observerID, err := uuid.Parse(c.Param("observer_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid observer id"})
		return
	}
	subjectID := middleware.UserID(c)
	err = ctl.Observers.RevokeObserver(c.Request.Context(), subjectID, observerID, ctl.now())
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Observer not found"})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to revoke observer.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error revoking observer"})
		return
	}
	logrus.WithFields(logrus.Fields{
		"subject_id":  subjectID,
		"observer_id": observerID,
	}).Info("Observer revoked.")
	c.Status(http.StatusNoContent)
}

// LinkObserver is admin tooling; invitations are handled elsewhere.
func (ctl *Controller) LinkObserver(c *gin.Context) {
	var input struct {
		SubjectID  uuid.UUID `json:"subject_id" binding:"required"`
		ObserverID uuid.UUID `json:"observer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid relationship input: " + err.Error()})
		return
	}
	if input.SubjectID == input.ObserverID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A subject cannot observe themselves"})
		return
	}
	rel, err := ctl.Observers.LinkObserver(c.Request.Context(), input.SubjectID, input.ObserverID)
	if err != nil {
		logrus.WithError(err).Error("Failed to link observer.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error linking observer"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relationship": rel})
}
