package routes

import (
	"context"
	"net/http"
	"time"

	"taskpulse/internal/activity"
	"taskpulse/internal/database"
	"taskpulse/internal/idempotency"
	"taskpulse/internal/middleware"
	"taskpulse/internal/syncer"

	"github.com/gin-gonic/gin"
)

// Router builds the HTTP surface: health probes, the websocket endpoint, and
// the activity query API.
func Router(broadcaster *syncer.Broadcaster, activityHandler *activity.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Health for load balancers and K8s probes
	router.GET("/health", health)
	router.GET("/ready", ready)

	// Protected: JWT required (header, or ?token= on the websocket handshake)
	api := router.Group("")
	api.Use(middleware.AuthMiddleware())
	{
		api.GET("/ws", broadcaster.ServeWS)
		api.GET("/api/activity", activityHandler.List)
	}

	return router
}

func health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	rdb := idempotency.Client(ctx)
	if rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
		return
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis ping failed"})
		return
	}
	db := database.DB(ctx)
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
		return
	}
	if err := db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database ping failed"})
		return
	}
	c.String(http.StatusOK, "OK")
}
