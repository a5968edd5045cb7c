package models

import "time"

// UserPresence is the durable presence row.
type UserPresence struct {
	UserID          string    `gorm:"column:user_id;primaryKey"`
	WorkspaceID     string    `gorm:"column:workspace_id;index"`
	Status          Status    `gorm:"column:status;not null;default:offline"`
	LastHeartbeat   time.Time `gorm:"column:last_heartbeat"`
	Device          string    `gorm:"column:device"`
	Platform        string    `gorm:"column:platform"`
	ClientVersion   string    `gorm:"column:client_version"`
	CustomStatus    string    `gorm:"column:custom_status"`
	StatusUpdatedAt time.Time `gorm:"column:status_updated_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (UserPresence) TableName() string {
	return "user_presence"
}

// Record converts the row into the domain record. LastSeen is read back
// from the last heartbeat.
func (u UserPresence) Record() PresenceRecord {
	return PresenceRecord{
		UserID:          u.UserID,
		WorkspaceID:     u.WorkspaceID,
		Status:          u.Status,
		CustomStatus:    u.CustomStatus,
		Device:          u.Device,
		Platform:        u.Platform,
		ClientVersion:   u.ClientVersion,
		LastSeen:        u.LastHeartbeat,
		LastHeartbeat:   u.LastHeartbeat,
		StatusUpdatedAt: u.StatusUpdatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// ChannelMembership is the durable audit copy of channel presence.
type ChannelMembership struct {
	ChannelID string    `gorm:"column:channel_id;primaryKey"`
	UserID    string    `gorm:"column:user_id;primaryKey;index"`
	JoinedAt  time.Time `gorm:"column:joined_at"`
}

func (ChannelMembership) TableName() string {
	return "channel_presence_members"
}

// PresenceHistory is one appended transition.
type PresenceHistory struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey"`
	UserID      string    `gorm:"column:user_id;index"`
	WorkspaceID string    `gorm:"column:workspace_id"`
	FromStatus  Status    `gorm:"column:from_status"`
	ToStatus    Status    `gorm:"column:to_status"`
	Reason      string    `gorm:"column:reason"`
	OccurredAt  time.Time `gorm:"column:occurred_at;index"`
}

func (PresenceHistory) TableName() string {
	return "presence_history"
}
