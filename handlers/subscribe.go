package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chorus/presence-service/middleware"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SubscribeHandler streams bus events to a websocket for the lifetime of the
// connection.
type SubscribeHandler struct {
	service  *services.PresenceService
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewSubscribeHandler(service *services.PresenceService, logger *utils.Logger) *SubscribeHandler {
	return &SubscribeHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Subscribe handles GET /ws?topics=a,b
func (h *SubscribeHandler) Subscribe(c *gin.Context) {
	topics := splitTopics(c.Query("topics"))

	// Subscribe before upgrading so bad topics get a plain 400.
	sub, err := h.service.Subscribe(c.Request.Context(), topics)
	if err != nil {
		fail(c, h.logger, "Failed to subscribe", err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("subscriber_id", uuid.NewString(), "user_id", middleware.CurrentUser(c))
	logger.Debug("Subscriber connected", "topics", topics)

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Debug("Subscriber disconnected")
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("Subscriber write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
