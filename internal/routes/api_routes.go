package routes

import (
	"github.com/gin-gonic/gin"

	"dr_memo/internal/controllers"
	"dr_memo/internal/middleware"
)

func APIRoutes(r *gin.Engine, ctl *controllers.Controller, auth *middleware.Auth) {
	api := r.Group("/api")
	api.Use(auth.RequireAuth())
	{
		api.GET("/subjects/:id/position", ctl.GetPosition)
		api.GET("/subjects/:id/history", ctl.GetHistory)

		api.GET("/me/consent", ctl.GetConsent)
		api.PUT("/me/consent", ctl.EnableConsent)
		api.DELETE("/me/consent", ctl.DisableConsent)

		api.GET("/me/observers", ctl.ListObservers)
		api.DELETE("/me/observers/:observer_id", ctl.RevokeObserver)
	}
}
