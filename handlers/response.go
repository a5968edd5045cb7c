package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/cluster"
	"chorus/presence-service/models"
	"chorus/presence-service/session"
	"chorus/presence-service/utils"
)

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, models.APIResponse{Success: true, Data: data})
}

// statusFor maps the error taxonomy onto HTTP codes. A stale actor is
// reported as a conflict so forwarding nodes retry their lookup.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrNotOwner), errors.Is(err, session.ErrActorStopped):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, logger *utils.Logger, msg string, err error) {
	status := statusFor(err)
	body := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error(msg, "error", err, "path", c.FullPath())
		body = msg
	} else if status >= 500 {
		logger.Warn(msg, "error", err, "path", c.FullPath())
	}
	c.JSON(status, models.APIResponse{Error: body})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.APIResponse{Error: msg})
}
