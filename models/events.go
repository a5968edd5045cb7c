package models

import "time"

// Event names carried on the bus.
const (
	EventPresenceChanged = "presence_changed"
	EventChannelPresence = "channel_presence"
	EventTyping          = "typing"
)

// Channel membership actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
	ActionStart = "start"
	ActionStop  = "stop"
)

// Event is the payload published on every topic.
type Event struct {
	Event     string    `json:"event"`
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
