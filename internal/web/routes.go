package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizblasts/calsync/internal/auth"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Browser side of the OAuth flow, limited per client
	oauthGroup := r.Group("/oauth")
	oauthGroup.Use(PerClientRateLimiter(5, 10))
	{
		oauthGroup.GET("/:provider/start", h.OAuthStart)
		oauthGroup.GET("/:provider/callback", h.OAuthCallback)
	}

	token := h.cfg.Security.APIToken

	api := r.Group("/api")
	api.Use(RateLimiter(h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst))
	api.Use(auth.RequireAPIToken(token))
	api.Use(RequireJSONContentType())
	{
		api.PUT("/businesses/:id", h.APIUpsertBusiness)
		api.GET("/businesses/:id/stats", h.APISyncStats)
		api.POST("/businesses/:id/retry", h.APIRetryBusiness)

		api.PUT("/staff/:id", h.APIUpsertStaffMember)
		api.GET("/staff/:id/connections", h.APIListConnections)
		api.PUT("/staff/:id/default-connection", h.APISetDefaultConnection)

		api.PUT("/bookings/:id", h.APIUpsertBooking)
		api.GET("/bookings/:id", h.APIGetBooking)
		api.POST("/bookings/:id/sync", h.APISyncBooking)
		api.POST("/bookings/:id/update", h.APIUpdateBooking)
		api.POST("/bookings/:id/delete", h.APIDeleteBooking)

		api.DELETE("/connections/:id", h.APIDeleteConnection)
		api.GET("/connections/:id/logs", h.APIGetConnectionLogs)

		api.GET("/activity", h.APIActivity)
		api.POST("/alerts/test", h.APITestAlert)
	}

	// Calls that reach external servers get a tighter budget.
	expensive := r.Group("/api")
	expensive.Use(RateLimiter(2, 5))
	expensive.Use(auth.RequireAPIToken(token))
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/connections/caldav", h.APICreateCalDAVConnection)
		expensive.POST("/oauth/:provider/authorize", h.APIAuthorize)
		expensive.GET("/staff/:id/availability", h.APIAvailability)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
