package httpapi

import (
	"telemed-platform/internal/auth"
	"telemed-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// RouteOptions toggles environment-dependent routes.
type RouteOptions struct {
	// DevTokens mounts POST /v1/auth/token, which issues tokens without credentials.
	DevTokens bool
}

// Register wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func Register(r gin.IRouter, h Handlers, opts RouteOptions) {
	// public
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	if opts.DevTokens {
		v1.POST("/auth/token", h.IssueToken)
	}

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(h.Auth))
	{
		protected.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		calls := protected.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleDoctor, rbac.RolePatient))
		{
			calls.POST("/start", h.StartCall)
			calls.GET("/active", h.ListActiveCalls)
			calls.POST("/:session_id/end", h.EndCall)
			calls.PUT("/:session_id/socket", h.UpdateSocket)
			calls.POST("/:session_id/reconnect", h.Reconnect)
			calls.GET("/:session_id/events", h.CallEvents)
		}

		appts := protected.Group("/appointments/:appointment_id/call")
		appts.Use(rbac.RequireAnyRole(rbac.RoleDoctor, rbac.RolePatient))
		{
			appts.GET("", h.GetActiveCall)
			appts.GET("/latest", h.GetLatestCall)
			appts.GET("/rejoin", h.CheckRejoin)
			appts.POST("/rejoin", h.Rejoin)
		}

		reports := protected.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleDoctor))
		{
			reports.GET("/calls", h.CallsReport)
		}

		// Only admin reaches admin endpoints.
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/calls/cleanup", h.CleanupExpiredCalls)
		}
	}
}
