package router

import (
	"fleetautoscaler/app/handler"
	"fleetautoscaler/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router wires the autoscaler's control/status HTTP surface.
type Router struct {
	autoscalerHandler *handler.AutoScalerHandler
}

// NewRouter creates a new Router.
func NewRouter(autoscalerHandler *handler.AutoScalerHandler) *Router {
	return &Router{autoscalerHandler: autoscalerHandler}
}

// Setup sets up routes.
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1/autoscaler")
	{
		api.GET("/status", r.autoscalerHandler.GetStatus)
		api.GET("/tiers", r.autoscalerHandler.GetTiers)
		api.GET("/tiers/:tier/history", r.autoscalerHandler.GetTierHistory)
		api.GET("/stream", r.autoscalerHandler.Stream)

		// Mutating control endpoints require the configured API key.
		control := api.Group("", middleware.AuthMiddleware())
		control.POST("/enable", r.autoscalerHandler.Enable)
		control.POST("/disable", r.autoscalerHandler.Disable)
		control.POST("/tiers/:tier/trigger", r.autoscalerHandler.TriggerTier)
	}
}
