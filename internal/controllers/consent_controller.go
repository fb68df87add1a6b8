package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dr_memo/internal/consent"
	"dr_memo/internal/middleware"
)

func (ctl *Controller) GetConsent(c *gin.Context) {
	subjectID := middleware.UserID(c)
	sc, err := ctl.Consent.Get(c.Request.Context(), subjectID)
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Location sharing was never enabled"})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to read consent.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching consent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent": sc})
}

// EnableConsent opts the caller in. consent_text is required the first time.
func (ctl *Controller) EnableConsent(c *gin.Context) {
	var input struct {
		ConsentText string `json:"consent_text"`
		consent.Settings
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid consent input: " + err.Error()})
		return
	}

	subjectID := middleware.UserID(c)
	sc, err := ctl.Consent.Enable(c.Request.Context(), subjectID, input.ConsentText, input.Settings)
	switch {
	case errors.Is(err, consent.ErrInvalidSettings), errors.Is(err, consent.ErrConsentText):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to enable sharing.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error saving consent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent": sc})
}

func (ctl *Controller) DisableConsent(c *gin.Context) {
	subjectID := middleware.UserID(c)
	sc, err := ctl.Consent.Disable(c.Request.Context(), subjectID)
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Location sharing was never enabled"})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("subject_id", subjectID).Error("Failed to disable sharing.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error saving consent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent": sc})
}
