package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chorus/presence-service/models"
)

// Handle is a user's actor as seen by a caller, local or on another node.
type Handle interface {
	UserID() string
	Heartbeat(ctx context.Context, meta models.Metadata) error
	SetStatus(ctx context.Context, status models.Status, meta models.Metadata) (models.PresenceRecord, error)
	Disconnect(ctx context.Context, reason string) (models.PresenceRecord, error)
}

// Forwarder builds handles for actors owned by other nodes.
type Forwarder interface {
	Handle(node NodeInfo, userID string) Handle
}

// Internal actor operations, used as the last path segment of
// /internal/actors/:userId/:op.
const (
	OpHeartbeat  = "heartbeat"
	OpStatus     = "status"
	OpDisconnect = "disconnect"
)

// InternalTokenHeader authenticates node-to-node calls.
const InternalTokenHeader = "X-Internal-Token"

// HTTPForwarder calls the owner node's internal actor endpoints.
type HTTPForwarder struct {
	client *http.Client
	token  string
}

func NewHTTPForwarder(token string) *HTTPForwarder {
	return &HTTPForwarder{
		client: &http.Client{Timeout: 10 * time.Second},
		token:  token,
	}
}

func (f *HTTPForwarder) Handle(node NodeInfo, userID string) Handle {
	return &remoteHandle{
		forwarder: f,
		node:      node,
		userID:    userID,
	}
}

type remoteHandle struct {
	forwarder *HTTPForwarder
	node      NodeInfo
	userID    string
}

func (h *remoteHandle) UserID() string { return h.userID }

func (h *remoteHandle) Heartbeat(ctx context.Context, meta models.Metadata) error {
	_, err := h.call(ctx, OpHeartbeat, models.ActorRequest{Metadata: meta})
	return err
}

func (h *remoteHandle) SetStatus(ctx context.Context, status models.Status, meta models.Metadata) (models.PresenceRecord, error) {
	return h.call(ctx, OpStatus, models.ActorRequest{Status: status, Metadata: meta})
}

func (h *remoteHandle) Disconnect(ctx context.Context, reason string) (models.PresenceRecord, error) {
	return h.call(ctx, OpDisconnect, models.ActorRequest{Reason: reason})
}

func (h *remoteHandle) call(ctx context.Context, op string, body models.ActorRequest) (models.PresenceRecord, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("failed to marshal actor request: %w", err)
	}

	endpoint := strings.TrimRight(h.node.Addr, "/") + "/internal/actors/" + url.PathEscape(h.userID) + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.forwarder.token != "" {
		req.Header.Set(InternalTokenHeader, h.forwarder.token)
	}

	resp, err := h.forwarder.client.Do(req)
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("forward %s to %s: %w: %w", op, h.node.ID, models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool                  `json:"success"`
		Data    models.PresenceRecord `json:"data"`
		Error   string                `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return models.PresenceRecord{}, fmt.Errorf("forward %s to %s: %w: bad response: %w", op, h.node.ID, models.ErrUnavailable, err)
	}
	if resp.StatusCode < 300 && envelope.Success {
		return envelope.Data, nil
	}
	return models.PresenceRecord{}, statusError(resp.StatusCode, envelope.Error)
}

// statusError maps an internal endpoint failure back to the error taxonomy.
func statusError(code int, msg string) error {
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrValidation, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrNotOwner, msg)
	default:
		return fmt.Errorf("%w: remote status %d: %s", models.ErrUnavailable, code, msg)
	}
}
