// Package pubsub fans presence events out to subscribers. Delivery is
// best-effort: nothing is persisted and late subscribers must query current
// state instead of relying on replay.
package pubsub

import (
	"context"
	"errors"
	"strings"

	"chorus/presence-service/models"
)

const (
	userTopicPrefix      = "presence.user."
	channelTopicPrefix   = "presence.channel."
	workspaceTopicPrefix = "presence.workspace."

	// subscriberBuffer bounds each subscription's queue. Events beyond it are
	// dropped for that subscriber only.
	subscriberBuffer = 64
)

var ErrClosed = errors.New("pubsub: bus closed")

func UserTopic(userID string) string           { return userTopicPrefix + userID }
func ChannelTopic(channelID string) string     { return channelTopicPrefix + channelID }
func WorkspaceTopic(workspaceID string) string { return workspaceTopicPrefix + workspaceID }

// ValidTopic reports whether topic names a user, channel or workspace with a
// non-empty id.
func ValidTopic(topic string) bool {
	for _, prefix := range []string{userTopicPrefix, channelTopicPrefix, workspaceTopicPrefix} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}

type Bus interface {
	Publish(ctx context.Context, topic string, event models.Event) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

// Subscription delivers events for the topics it was created with until
// Close is called, after which Events is closed.
type Subscription interface {
	Events() <-chan models.Event
	Close() error
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
