package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/models"
)

const maxHistoryWindow = 7 * 24 * time.Hour

// GetPosition returns the subject's current position.
func (ctl *Controller) GetPosition(c *gin.Context) {
	subjectID, ok := ctl.subjectParam(c)
	if !ok {
		return
	}
	pos, err := ctl.Positions.GetPosition(c.Request.Context(), subjectID)
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No position recorded yet"})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to read current position.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching position"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

// GetHistory returns the subject's trail for ?window= (default two hours),
// oldest first.
func (ctl *Controller) GetHistory(c *gin.Context) {
	subjectID, ok := ctl.subjectParam(c)
	if !ok {
		return
	}
	window := ctl.Map.HistoryWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxHistoryWindow {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration up to 168h"})
			return
		}
		window = d
	}

	points, err := ctl.Positions.ListHistory(c.Request.Context(), subjectID, ctl.now().Add(-window))
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to read position history.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching history"})
		return
	}
	if points == nil {
		points = []models.PositionHistoryPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"data": points, "window": window.String()})
}
