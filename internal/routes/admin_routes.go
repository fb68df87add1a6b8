package routes

import (
	"github.com/gin-gonic/gin"

	"dr_memo/internal/controllers"
	"dr_memo/internal/middleware"
)

func AdminRoutes(r *gin.Engine, ctl *controllers.Controller, auth *middleware.Auth) {
	admin := r.Group("/api/admin")
	admin.Use(auth.RequireAuth(), middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/observers", ctl.LinkObserver)
	}
}
