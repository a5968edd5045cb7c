package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

// maxBulkUsers caps a single bulk lookup.
const maxBulkUsers = 500

type PresenceHandler struct {
	service *services.PresenceService
	logger  *utils.Logger
}

func NewPresenceHandler(service *services.PresenceService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger,
	}
}

// GetPresence handles GET /presence/:userId
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	rec, err := h.service.GetPresence(c.Request.Context(), c.Param("userId"))
	if err != nil {
		fail(c, h.logger, "Failed to get presence", err)
		return
	}
	respond(c, http.StatusOK, rec)
}

// SetPresence handles POST /presence
func (h *PresenceHandler) SetPresence(c *gin.Context) {
	var req models.SetPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.service.SetPresence(c.Request.Context(), middleware.CurrentUser(c), req)
	if err != nil {
		fail(c, h.logger, "Failed to set presence", err)
		return
	}
	respond(c, http.StatusOK, rec)
}

// BulkPresence handles POST /presence/bulk
func (h *PresenceHandler) BulkPresence(c *gin.Context) {
	var req models.BulkPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if len(req.UserIDs) > maxBulkUsers {
		badRequest(c, fmt.Sprintf("At most %d user_ids per request", maxBulkUsers))
		return
	}

	records, err := h.service.GetBulkPresence(c.Request.Context(), req.UserIDs)
	if err != nil {
		fail(c, h.logger, "Failed to get bulk presence", err)
		return
	}
	respond(c, http.StatusOK, records)
}

// Heartbeat handles POST /presence/heartbeat. The body is optional.
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	if err := h.service.Heartbeat(c.Request.Context(), middleware.CurrentUser(c), req.Metadata()); err != nil {
		fail(c, h.logger, "Failed to record heartbeat", err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"user_id": middleware.CurrentUser(c)})
}

// Disconnect handles POST /presence/disconnect
func (h *PresenceHandler) Disconnect(c *gin.Context) {
	rec, err := h.service.Disconnect(c.Request.Context(), middleware.CurrentUser(c), models.ReasonDisconnect)
	if err != nil {
		fail(c, h.logger, "Failed to disconnect", err)
		return
	}
	respond(c, http.StatusOK, rec)
}

// OnlineStats handles GET /presence/stats/online
func (h *PresenceHandler) OnlineStats(c *gin.Context) {
	stats, err := h.service.OnlineCount(c.Request.Context(), c.Query("workspace_id"))
	if err != nil {
		fail(c, h.logger, "Failed to count online users", err)
		return
	}
	respond(c, http.StatusOK, stats)
}

// WorkspacePresence handles GET /presence/workspace/:workspaceId
func (h *PresenceHandler) WorkspacePresence(c *gin.Context) {
	excludeOffline, _ := strconv.ParseBool(c.DefaultQuery("exclude_offline", "false"))

	records, err := h.service.WorkspacePresence(c.Request.Context(), c.Param("workspaceId"), excludeOffline)
	if err != nil {
		fail(c, h.logger, "Failed to list workspace presence", err)
		return
	}
	respond(c, http.StatusOK, records)
}
