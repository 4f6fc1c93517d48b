package main

import (
	"telemed-platform/internal/httpapi"
	"telemed-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter builds the gin engine. Keep this file free of business logic.
func newRouter(app *application) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(app.Log))

	httpapi.Register(r, httpapi.Handlers{
		Auth:         app.Auth,
		Calls:        app.Calls,
		Appointments: app.Appointments,
		Events:       app.Events,
		Reports:      app.Reports,
		Health:       healthCheck(app),
	}, httpapi.RouteOptions{DevTokens: app.Config.AllowsDevTokens()})
	return r
}
