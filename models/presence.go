package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

var validStatuses = map[Status]bool{
	StatusOnline:    true,
	StatusAway:      true,
	StatusBusy:      true,
	StatusOffline:   true,
	StatusInvisible: true,
}

// ParseStatus validates a client-supplied status value.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !validStatuses[status] {
		return "", fmt.Errorf("%w: unrecognized status %q", ErrValidation, s)
	}
	return status, nil
}

// Live reports whether the status counts towards online totals.
func (s Status) Live() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// Public returns the status as other users are allowed to see it.
func (s Status) Public() Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

// Transition reasons recorded in history and logs.
const (
	ReasonConnect          = "connect"
	ReasonHeartbeat        = "heartbeat"
	ReasonExplicit         = "explicit"
	ReasonIdle             = "idle"
	ReasonDisconnect       = "disconnect"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonLeaseLost        = "lease_lost"
)

// Metadata describes the client a user is connected from.
type Metadata struct {
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Device        string `json:"device,omitempty"`
	Platform      string `json:"platform,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	CustomStatus  string `json:"custom_status,omitempty"`
}

// PresenceRecord is the full presence state of one user.
type PresenceRecord struct {
	UserID          string    `json:"user_id"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	Status          Status    `json:"status"`
	CustomStatus    string    `json:"custom_status,omitempty"`
	Device          string    `json:"device,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	ClientVersion   string    `json:"client_version,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OfflineRecord is what readers get for a user nobody has ever seen.
func OfflineRecord(userID string) *PresenceRecord {
	return &PresenceRecord{
		UserID: userID,
		Status: StatusOffline,
	}
}

// ApplyMetadata merges non-empty metadata fields into the record.
func (r *PresenceRecord) ApplyMetadata(meta Metadata) {
	if meta.WorkspaceID != "" {
		r.WorkspaceID = meta.WorkspaceID
	}
	if meta.Device != "" {
		r.Device = meta.Device
	}
	if meta.Platform != "" {
		r.Platform = meta.Platform
	}
	if meta.ClientVersion != "" {
		r.ClientVersion = meta.ClientVersion
	}
	if meta.CustomStatus != "" {
		r.CustomStatus = meta.CustomStatus
	}
}

// Visible returns a copy of the record with invisible masked as offline.
func (r PresenceRecord) Visible() PresenceRecord {
	r.Status = r.Status.Public()
	return r
}

// Patch converts the full record into a merge-patch touching every column.
func (r PresenceRecord) Patch() PresencePatch {
	p := PresencePatch{
		UserID:          r.UserID,
		Status:          &r.Status,
		StatusUpdatedAt: &r.StatusUpdatedAt,
	}
	if r.WorkspaceID != "" {
		p.WorkspaceID = &r.WorkspaceID
	}
	if r.Device != "" {
		p.Device = &r.Device
	}
	if r.Platform != "" {
		p.Platform = &r.Platform
	}
	if r.ClientVersion != "" {
		p.ClientVersion = &r.ClientVersion
	}
	if r.CustomStatus != "" {
		p.CustomStatus = &r.CustomStatus
	}
	if !r.LastHeartbeat.IsZero() {
		p.LastHeartbeat = &r.LastHeartbeat
	}
	return p
}

// PresencePatch is a partial update; nil fields keep their stored value.
type PresencePatch struct {
	UserID          string
	WorkspaceID     *string
	Status          *Status
	LastHeartbeat   *time.Time
	Device          *string
	Platform        *string
	ClientVersion   *string
	CustomStatus    *string
	StatusUpdatedAt *time.Time
}

// HistoryEntry is one row of the append-only transition stream.
type HistoryEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Request/Response DTOs

type SetPresenceRequest struct {
	Status        string `json:"status" binding:"required"`
	CustomStatus  string `json:"custom_status,omitempty"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Device        string `json:"device,omitempty"`
	Platform      string `json:"platform,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// Metadata extracts the client metadata from the request.
func (r SetPresenceRequest) Metadata() Metadata {
	return Metadata{
		WorkspaceID:   r.WorkspaceID,
		Device:        r.Device,
		Platform:      r.Platform,
		ClientVersion: r.ClientVersion,
		CustomStatus:  r.CustomStatus,
	}
}

type HeartbeatRequest struct {
	WorkspaceID   string `json:"workspace_id,omitempty"`
	Device        string `json:"device,omitempty"`
	Platform      string `json:"platform,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

func (r HeartbeatRequest) Metadata() Metadata {
	return Metadata{
		WorkspaceID:   r.WorkspaceID,
		Device:        r.Device,
		Platform:      r.Platform,
		ClientVersion: r.ClientVersion,
	}
}

type BulkPresenceRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

type TypingRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type OnlineStats struct {
	Scope  string `json:"scope"`
	Online int    `json:"online"`
}

type ChannelMember struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// APIResponse is the envelope for every HTTP response.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ActorRequest carries an actor operation forwarded between nodes.
type ActorRequest struct {
	Status   Status   `json:"status,omitempty"`
	Metadata Metadata `json:"metadata"`
	Reason   string   `json:"reason,omitempty"`
}
