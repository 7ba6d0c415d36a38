// Package api assembles the HTTP surface: the management API, the health
// probe, and the websocket event relay.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rosterhq/roster/internal/api/handlers/management"
	"github.com/rosterhq/roster/internal/api/middleware"
	"github.com/rosterhq/roster/internal/config"
	"github.com/rosterhq/roster/internal/relay"
)

// NewRouter builds the Gin engine with all routes registered. hub may be nil
// when the relay is disabled.
func NewRouter(cfg *config.Config, h *management.Handler, hub *relay.Hub) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogging())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mgmt := engine.Group("/v0/management")
	mgmt.Use(middleware.ManagementAuth(cfg.ManagementKey))
	{
		auth := mgmt.Group("/auth/openai")
		auth.POST("/start", h.PostAuthStart)
		auth.POST("/callback", h.PostAuthCallback)
		auth.POST("/device/start", h.PostDeviceStart)
		auth.POST("/device/poll", h.PostDevicePoll)

		mgmt.GET("/providers", h.GetProviders)
		mgmt.POST("/providers", h.PostProvider)
		mgmt.GET("/providers/:id", h.GetProvider)
		mgmt.PUT("/providers/:id", h.PutProvider)
		mgmt.DELETE("/providers/:id", h.DeleteProvider)
		mgmt.POST("/providers/:id/refresh", h.PostProviderRefresh)

		mgmt.GET("/agents", h.GetAgents)
		mgmt.POST("/agents", h.PostAgent)
		mgmt.GET("/agents/:id", h.GetAgent)
		mgmt.PUT("/agents/:id", h.PutAgent)
		mgmt.DELETE("/agents/:id", h.DeleteAgent)
		mgmt.POST("/agents/:id/run", h.PostAgentRun)
		mgmt.GET("/runs", h.GetAgentRuns)

		mgmt.POST("/memory/search", h.PostMemorySearch)
		mgmt.GET("/memory/documents", h.GetDocuments)
		mgmt.POST("/memory/documents", h.PostDocument)
		mgmt.GET("/memory/events", h.GetEvents)
		mgmt.POST("/memory/events", h.PostEvent)
		mgmt.GET("/memory/tasks", h.GetTasks)
		mgmt.POST("/memory/tasks", h.PostTask)

		if hub != nil {
			mgmt.GET("/ws", func(c *gin.Context) {
				hub.HandleUpgrade(c.Writer, c.Request)
			})
		}
	}

	return engine
}
