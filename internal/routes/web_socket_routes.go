package routes

import (
	"github.com/gin-gonic/gin"

	"dr_memo/internal/controllers"
	"dr_memo/internal/middleware"
)

func WebSocketRoutes(r *gin.Engine, ctl *controllers.Controller, auth *middleware.Auth) {
	wsRoutes := r.Group("/ws")
	wsRoutes.Use(auth.RequireAuth())
	{
		wsRoutes.GET("/track", ctl.TrackWebSocket)
		wsRoutes.GET("/subjects/:id/map", ctl.MapWebSocket)
	}
}
