package handlers

import (
	"github.com/gin-gonic/gin"

	"chorus/presence-service/cluster"
	"chorus/presence-service/middleware"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

type RouteConfig struct {
	NodeID        string
	JWTSecret     string
	InternalToken string
}

// Register mounts every presence route on router.
func Register(router *gin.Engine, cfg RouteConfig, service *services.PresenceService, registry *cluster.Registry, logger *utils.Logger) {
	presenceHandler := NewPresenceHandler(service, logger)
	channelHandler := NewChannelHandler(service, logger)
	subscribeHandler := NewSubscribeHandler(service, logger)
	internalHandler := NewInternalHandler(registry, logger)

	router.GET("/health", Health(service, cfg.NodeID))

	api := router.Group("/")
	api.Use(middleware.Auth(cfg.JWTSecret))
	{
		presence := api.Group("/presence")
		{
			presence.POST("", presenceHandler.SetPresence)
			presence.GET("/:userId", presenceHandler.GetPresence)
			presence.POST("/bulk", presenceHandler.BulkPresence)
			presence.POST("/heartbeat", presenceHandler.Heartbeat)
			presence.POST("/disconnect", presenceHandler.Disconnect)
			presence.GET("/stats/online", presenceHandler.OnlineStats)
			presence.GET("/workspace/:workspaceId", presenceHandler.WorkspacePresence)
		}

		channels := api.Group("/channels/:channelId")
		{
			channels.POST("/join", channelHandler.Join)
			channels.POST("/leave", channelHandler.Leave)
			channels.GET("/members", channelHandler.Members)
			channels.POST("/typing", channelHandler.StartTyping)
			channels.DELETE("/typing", channelHandler.StopTyping)
			channels.GET("/typing", channelHandler.Typing)
		}

		api.GET("/ws", subscribeHandler.Subscribe)
	}

	internal := router.Group("/internal")
	internal.Use(middleware.InternalToken(cfg.InternalToken))
	{
		internal.POST("/actors/:userId/:op", internalHandler.Actor)
	}
}
