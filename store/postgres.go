package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chorus/presence-service/models"
)

// PostgresStore implements Store with gorm on PostgreSQL.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: time.Now,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store %s: %w: %w", op, models.ErrUnavailable, err)
}

// PatchRow turns a merge-patch into the row to insert and the columns to
// overwrite when the user already exists.
func PatchRow(patch models.PresencePatch, now time.Time) (models.UserPresence, []string) {
	row := models.UserPresence{
		UserID:    patch.UserID,
		Status:    models.StatusOffline,
		UpdatedAt: now,
	}
	columns := make([]string, 0, 9)

	if patch.WorkspaceID != nil {
		row.WorkspaceID = *patch.WorkspaceID
		columns = append(columns, "workspace_id")
	}
	if patch.Status != nil {
		row.Status = *patch.Status
		columns = append(columns, "status")
	}
	if patch.LastHeartbeat != nil {
		row.LastHeartbeat = *patch.LastHeartbeat
		columns = append(columns, "last_heartbeat")
	}
	if patch.Device != nil {
		row.Device = *patch.Device
		columns = append(columns, "device")
	}
	if patch.Platform != nil {
		row.Platform = *patch.Platform
		columns = append(columns, "platform")
	}
	if patch.ClientVersion != nil {
		row.ClientVersion = *patch.ClientVersion
		columns = append(columns, "client_version")
	}
	if patch.CustomStatus != nil {
		row.CustomStatus = *patch.CustomStatus
		columns = append(columns, "custom_status")
	}
	if patch.StatusUpdatedAt != nil {
		row.StatusUpdatedAt = *patch.StatusUpdatedAt
		columns = append(columns, "status_updated_at")
	}
	columns = append(columns, "updated_at")

	return row, columns
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, patch models.PresencePatch) error {
	if patch.UserID == "" {
		return fmt.Errorf("%w: user_id is required", models.ErrValidation)
	}

	row, columns := PatchRow(patch, s.now())
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&row).Error
	if err != nil {
		return unavailable("upsert presence", err)
	}
	return nil
}

func (s *PostgresStore) GetPresence(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	var row models.UserPresence
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("presence for %s: %w", userID, models.ErrNotFound)
		}
		return nil, unavailable("get presence", err)
	}

	rec := row.Record()
	return &rec, nil
}

func (s *PostgresStore) GetBatchPresence(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	if len(userIDs) == 0 {
		return []models.PresenceRecord{}, nil
	}

	var rows []models.UserPresence
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, unavailable("get batch presence", err)
	}
	return records(rows), nil
}

func (s *PostgresStore) GetWorkspacePresence(ctx context.Context, workspaceID string, excludeOffline bool) ([]models.PresenceRecord, error) {
	query := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if excludeOffline {
		query = query.Where("status NOT IN ?", []models.Status{models.StatusOffline, models.StatusInvisible})
	}

	var rows []models.UserPresence
	if err := query.Order("user_id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("get workspace presence", err)
	}
	return records(rows), nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, channelID, userID string) error {
	row := models.ChannelMembership{
		ChannelID: channelID,
		UserID:    userID,
		JoinedAt:  s.now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return unavailable("upsert membership", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, channelID, userID string) error {
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Delete(&models.ChannelMembership{}).Error
	if err != nil {
		return unavailable("delete membership", err)
	}
	return nil
}

func (s *PostgresStore) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.ChannelMembership{}).
		Where("channel_id = ?", channelID).
		Order("joined_at ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, unavailable("channel members", err)
	}
	return userIDs, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	row := models.PresenceHistory{
		ID:          entry.ID,
		UserID:      entry.UserID,
		WorkspaceID: entry.WorkspaceID,
		FromStatus:  entry.FromStatus,
		ToStatus:    entry.ToStatus,
		Reason:      entry.Reason,
		OccurredAt:  entry.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return unavailable("append history", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func records(rows []models.UserPresence) []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out
}
