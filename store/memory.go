package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chorus/presence-service/models"
)

// MemoryStore implements Store in process memory. It backs STORE_DRIVER=memory
// single-node deployments and is the store used throughout the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	presence map[string]models.UserPresence
	channels map[string]map[string]time.Time
	history  []models.HistoryEntry
	now      func() time.Time

	writeErr error
	reads    atomic.Int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]models.UserPresence),
		channels: make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// FailWrites makes every subsequent write return err (nil restores writes).
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Reads is the number of presence reads served so far.
func (s *MemoryStore) Reads() int64 {
	return s.reads.Load()
}

// History returns a copy of every appended entry.
func (s *MemoryStore) History() []models.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.HistoryEntry(nil), s.history...)
}

func (s *MemoryStore) failure(op string) error {
	if s.writeErr != nil {
		return unavailable(op, s.writeErr)
	}
	return nil
}

func (s *MemoryStore) UpsertPresence(_ context.Context, patch models.PresencePatch) error {
	if patch.UserID == "" {
		return fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("upsert presence"); err != nil {
		return err
	}

	row, columns := PatchRow(patch, s.now())
	existing, ok := s.presence[patch.UserID]
	if !ok {
		s.presence[patch.UserID] = row
		return nil
	}

	for _, column := range columns {
		switch column {
		case "workspace_id":
			existing.WorkspaceID = row.WorkspaceID
		case "status":
			existing.Status = row.Status
		case "last_heartbeat":
			existing.LastHeartbeat = row.LastHeartbeat
		case "device":
			existing.Device = row.Device
		case "platform":
			existing.Platform = row.Platform
		case "client_version":
			existing.ClientVersion = row.ClientVersion
		case "custom_status":
			existing.CustomStatus = row.CustomStatus
		case "status_updated_at":
			existing.StatusUpdatedAt = row.StatusUpdatedAt
		case "updated_at":
			existing.UpdatedAt = row.UpdatedAt
		}
	}
	s.presence[patch.UserID] = existing
	return nil
}

func (s *MemoryStore) GetPresence(_ context.Context, userID string) (*models.PresenceRecord, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.presence[userID]
	if !ok {
		return nil, fmt.Errorf("presence for %s: %w", userID, models.ErrNotFound)
	}
	rec := row.Record()
	return &rec, nil
}

func (s *MemoryStore) GetBatchPresence(_ context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PresenceRecord, 0, len(userIDs))
	for _, userID := range userIDs {
		if row, ok := s.presence[userID]; ok {
			out = append(out, row.Record())
		}
	}
	return out, nil
}

func (s *MemoryStore) GetWorkspacePresence(_ context.Context, workspaceID string, excludeOffline bool) ([]models.PresenceRecord, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PresenceRecord, 0)
	for _, row := range s.presence {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if excludeOffline && row.Status.Public() == models.StatusOffline {
			continue
		}
		out = append(out, row.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("upsert membership"); err != nil {
		return err
	}

	members, ok := s.channels[channelID]
	if !ok {
		members = make(map[string]time.Time)
		s.channels[channelID] = members
	}
	if _, exists := members[userID]; !exists {
		members[userID] = s.now()
	}
	return nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("delete membership"); err != nil {
		return err
	}

	if members, ok := s.channels[channelID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(s.channels, channelID)
		}
	}
	return nil
}

func (s *MemoryStore) ChannelMembers(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.channels[channelID]
	out := make([]string, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("append history"); err != nil {
		return err
	}
	s.history = append(s.history, entry)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
