package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/cluster"
	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// InternalHandler serves actor operations forwarded by peer nodes. It only
// ever acts on actors this node owns.
type InternalHandler struct {
	registry *cluster.Registry
	logger   *utils.Logger
}

func NewInternalHandler(registry *cluster.Registry, logger *utils.Logger) *InternalHandler {
	return &InternalHandler{
		registry: registry,
		logger:   logger,
	}
}

// Actor handles POST /internal/actors/:userId/:op
func (h *InternalHandler) Actor(c *gin.Context) {
	op := c.Param("op")
	switch op {
	case cluster.OpHeartbeat, cluster.OpStatus, cluster.OpDisconnect:
	default:
		c.JSON(http.StatusNotFound, models.APIResponse{Error: "Unknown actor operation " + op})
		return
	}

	var req models.ActorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	actor, err := h.registry.LookupLocal(ctx, c.Param("userId"))
	if err != nil {
		fail(c, h.logger, "Failed to resolve local actor", err)
		return
	}

	var rec models.PresenceRecord
	switch op {
	case cluster.OpHeartbeat:
		err = actor.Heartbeat(ctx, req.Metadata)
		rec = actor.Snapshot()
	case cluster.OpStatus:
		var status models.Status
		if status, err = models.ParseStatus(string(req.Status)); err == nil {
			rec, err = actor.SetStatus(ctx, status, req.Metadata)
		}
	case cluster.OpDisconnect:
		rec, err = actor.Disconnect(ctx, req.Reason)
	}
	if err != nil {
		fail(c, h.logger, "Forwarded actor operation failed", err)
		return
	}
	respond(c, http.StatusOK, rec)
}
