// Package store is the durable system of record for last-known presence,
// channel membership and the append-only transition history.
package store

import (
	"context"

	"chorus/presence-service/models"
)

// Store is implemented by PostgresStore and MemoryStore. Lookups of unknown
// users return an error wrapping models.ErrNotFound; I/O failures wrap
// models.ErrUnavailable.
type Store interface {
	// UpsertPresence applies a merge-patch: nil fields keep their stored value.
	UpsertPresence(ctx context.Context, patch models.PresencePatch) error
	GetPresence(ctx context.Context, userID string) (*models.PresenceRecord, error)
	// GetBatchPresence returns the records that exist; unknown users are skipped.
	GetBatchPresence(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error)
	GetWorkspacePresence(ctx context.Context, workspaceID string, excludeOffline bool) ([]models.PresenceRecord, error)

	UpsertMembership(ctx context.Context, channelID, userID string) error
	DeleteMembership(ctx context.Context, channelID, userID string) error
	ChannelMembers(ctx context.Context, channelID string) ([]string, error)

	AppendHistory(ctx context.Context, entry models.HistoryEntry) error

	Ping(ctx context.Context) error
}
