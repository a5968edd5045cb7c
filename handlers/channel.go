package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/cache"
	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

type ChannelHandler struct {
	service *services.PresenceService
	logger  *utils.Logger
}

func NewChannelHandler(service *services.PresenceService, logger *utils.Logger) *ChannelHandler {
	return &ChannelHandler{
		service: service,
		logger:  logger,
	}
}

// Join handles POST /channels/:channelId/join
func (h *ChannelHandler) Join(c *gin.Context) {
	channelID := c.Param("channelId")
	if err := h.service.JoinChannel(c.Request.Context(), channelID, middleware.CurrentUser(c)); err != nil {
		fail(c, h.logger, "Failed to join channel", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"channel_id": channelID, "action": models.ActionJoin})
}

// Leave handles POST /channels/:channelId/leave
func (h *ChannelHandler) Leave(c *gin.Context) {
	channelID := c.Param("channelId")
	if err := h.service.LeaveChannel(c.Request.Context(), channelID, middleware.CurrentUser(c)); err != nil {
		fail(c, h.logger, "Failed to leave channel", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"channel_id": channelID, "action": models.ActionLeave})
}

// Members handles GET /channels/:channelId/members
func (h *ChannelHandler) Members(c *gin.Context) {
	members, err := h.service.ChannelMembers(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		fail(c, h.logger, "Failed to list channel members", err)
		return
	}
	respond(c, http.StatusOK, members)
}

// StartTyping handles POST /channels/:channelId/typing
func (h *ChannelHandler) StartTyping(c *gin.Context) {
	var req models.TypingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	maxSeconds := int(cache.MaxTypingTTL / time.Second)
	if req.TTLSeconds < 0 || req.TTLSeconds > maxSeconds {
		badRequest(c, fmt.Sprintf("ttl_seconds must be between 0 and %d", maxSeconds))
		return
	}

	channelID := c.Param("channelId")
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.service.SetTyping(c.Request.Context(), channelID, middleware.CurrentUser(c), ttl); err != nil {
		fail(c, h.logger, "Failed to set typing", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"channel_id": channelID, "action": models.ActionStart})
}

// StopTyping handles DELETE /channels/:channelId/typing
func (h *ChannelHandler) StopTyping(c *gin.Context) {
	channelID := c.Param("channelId")
	if err := h.service.ClearTyping(c.Request.Context(), channelID, middleware.CurrentUser(c)); err != nil {
		fail(c, h.logger, "Failed to clear typing", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"channel_id": channelID, "action": models.ActionStop})
}

// Typing handles GET /channels/:channelId/typing
func (h *ChannelHandler) Typing(c *gin.Context) {
	users, err := h.service.TypingUsers(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		fail(c, h.logger, "Failed to list typing users", err)
		return
	}
	respond(c, http.StatusOK, gin.H{"channel_id": c.Param("channelId"), "user_ids": users})
}
