package routes

import (
	"net/http"

	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"

	"dr_memo/internal/controllers"
	"dr_memo/internal/middleware"
)

func SetupRouter(ctl *controllers.Controller, auth *middleware.Auth, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginlog.SetLogger(
		ginlog.WithUTC(true),
		ginlog.WithSkipPath([]string{"/healthz"}),
	))
	r.Use(middleware.CORS(corsOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	APIRoutes(r, ctl, auth)
	AdminRoutes(r, ctl, auth)
	WebSocketRoutes(r, ctl, auth)
	return r
}
