// Package services holds the presence coordinator, the single entry point
// the HTTP layer talks to.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/presence-service/cache"
	"chorus/presence-service/cluster"
	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/pubsub"
	"chorus/presence-service/session"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

type Config struct {
	PresenceTTL    time.Duration
	OfflineTimeout time.Duration
	SweepInterval  time.Duration
	TypingTTL      time.Duration
}

type Deps struct {
	Registry *cluster.Registry
	Cache    cache.Cache
	Store    store.Store
	Bus      pubsub.Bus
	Clock    clock.Clock
	Logger   *utils.Logger
	Metrics  *metrics.Metrics
}

// PresenceService routes writes to the owning session actor and serves reads
// from the cache with the durable store behind it.
type PresenceService struct {
	cfg      Config
	registry *cluster.Registry
	cache    cache.Cache
	store    store.Store
	bus      pubsub.Bus
	clock    clock.Clock
	logger   *utils.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPresenceService(cfg Config, deps Deps) *PresenceService {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	return &PresenceService{
		cfg:      cfg,
		registry: deps.Registry,
		cache:    deps.Cache,
		store:    deps.Store,
		bus:      deps.Bus,
		clock:    deps.Clock,
		logger:   deps.Logger.With("component", "presence"),
		metrics:  deps.Metrics,
	}
}

// Start launches the sweep loop.
func (s *PresenceService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ticker := s.clock.Ticker(s.cfg.SweepInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(ctx); n > 0 {
					s.logger.Info("Swept expired sessions", "count", n)
				}
			}
		}
	}()
}

func (s *PresenceService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func validateID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", models.ErrValidation, name)
	}
	return nil
}

// withHandle runs fn against the user's actor. A stopped actor or a lost
// lease means the handle went stale between lookup and call, so the lookup
// is retried once.
func (s *PresenceService) withHandle(ctx context.Context, op, userID string, fn func(cluster.Handle) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var h cluster.Handle
		h, err = s.registry.LookupOrStart(ctx, userID)
		if err != nil {
			return err
		}
		if _, local := h.(*session.Actor); !local {
			s.metrics.Forwarded.WithLabelValues(op).Inc()
		}

		err = fn(h)
		if !errors.Is(err, session.ErrActorStopped) && !errors.Is(err, cluster.ErrNotOwner) {
			return err
		}
		s.logger.Debug("Stale actor handle, retrying lookup", "user_id", userID, "error", err)
	}
	return err
}

// SetPresence applies an explicit status. It returns once the owning actor
// has written the cache and the store and published the change.
func (s *PresenceService) SetPresence(ctx context.Context, userID string, req models.SetPresenceRequest) (*models.PresenceRecord, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}

	var rec models.PresenceRecord
	err = s.withHandle(ctx, cluster.OpStatus, userID, func(h cluster.Handle) error {
		var err error
		rec, err = h.SetStatus(ctx, status, req.Metadata())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Heartbeat resolves the actor synchronously and enqueues the heartbeat
// without waiting for it to be applied.
func (s *PresenceService) Heartbeat(ctx context.Context, userID string, meta models.Metadata) error {
	if err := validateID("user_id", userID); err != nil {
		return err
	}
	return s.withHandle(ctx, cluster.OpHeartbeat, userID, func(h cluster.Handle) error {
		return h.Heartbeat(ctx, meta)
	})
}

// Disconnect marks the user offline and stops their actor.
func (s *PresenceService) Disconnect(ctx context.Context, userID, reason string) (*models.PresenceRecord, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	var rec models.PresenceRecord
	err := s.withHandle(ctx, cluster.OpDisconnect, userID, func(h cluster.Handle) error {
		var err error
		rec, err = h.Disconnect(ctx, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// normalise downgrades a durable record that claims to be present but has
// not heartbeated within the offline timeout.
func (s *PresenceService) normalise(rec models.PresenceRecord) models.PresenceRecord {
	if rec.Status != models.StatusOffline && s.clock.Now().Sub(rec.LastHeartbeat) > s.cfg.OfflineTimeout {
		rec.Status = models.StatusOffline
	}
	return rec.Visible()
}

func (s *PresenceService) cacheFallback(op string, err error) {
	s.metrics.CacheFallbacks.WithLabelValues(op).Inc()
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("Cache read failed, falling back to store", "op", op, "error", err)
	}
}

func (s *PresenceService) repopulate(ctx context.Context, rec models.PresenceRecord) {
	if err := s.cache.SetStatus(ctx, rec, s.cfg.PresenceTTL); err != nil {
		s.logger.Warn("Failed to repopulate cache", "user_id", rec.UserID, "error", err)
	}
}

// GetPresence reads through the cache. A user unknown to both tiers is
// reported offline; invisible users are reported offline.
func (s *PresenceService) GetPresence(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}

	rec, err := s.cache.GetStatus(ctx, userID)
	if err == nil {
		out := s.normalise(*rec)
		return &out, nil
	}
	s.cacheFallback("get", err)

	rec, err = s.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.OfflineRecord(userID), nil
		}
		return nil, err
	}

	s.repopulate(ctx, *rec)
	out := s.normalise(*rec)
	return &out, nil
}

// GetBulkPresence returns records in request order. Duplicates are collapsed
// and users unknown to both tiers are left out.
func (s *PresenceService) GetBulkPresence(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return []models.PresenceRecord{}, nil
	}

	hits, misses, err := s.cache.BatchGetStatus(ctx, ids)
	if err != nil {
		s.cacheFallback("bulk", err)
		hits, misses = map[string]models.PresenceRecord{}, ids
	} else if len(misses) > 0 {
		s.metrics.CacheFallbacks.WithLabelValues("bulk").Inc()
	}

	if len(misses) > 0 {
		stored, err := s.store.GetBatchPresence(ctx, misses)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			hits[rec.UserID] = rec
			s.repopulate(ctx, rec)
		}
	}

	out := make([]models.PresenceRecord, 0, len(hits))
	for _, id := range ids {
		if rec, ok := hits[id]; ok {
			out = append(out, s.normalise(rec))
		}
	}
	return out, nil
}

// WorkspacePresence lists the durable records of a workspace, normalised the
// same way as single reads.
func (s *PresenceService) WorkspacePresence(ctx context.Context, workspaceID string, excludeOffline bool) ([]models.PresenceRecord, error) {
	if err := validateID("workspace_id", workspaceID); err != nil {
		return nil, err
	}
	records, err := s.store.GetWorkspacePresence(ctx, workspaceID, excludeOffline)
	if err != nil {
		return nil, err
	}

	out := make([]models.PresenceRecord, 0, len(records))
	for _, rec := range records {
		rec = s.normalise(rec)
		if excludeOffline && rec.Status == models.StatusOffline {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// OnlineCount is approximate: this node's live actors plus the counts other
// nodes last announced.
func (s *PresenceService) OnlineCount(ctx context.Context, workspaceID string) (models.OnlineStats, error) {
	scope := "global"
	if workspaceID != "" {
		scope = "workspace:" + workspaceID
	}

	n, err := s.registry.OnlineCount(ctx, workspaceID)
	if err != nil {
		s.logger.Warn("Peer counts unavailable, reporting local count", "error", err)
	}
	return models.OnlineStats{Scope: scope, Online: n}, nil
}

func (s *PresenceService) publishChannel(ctx context.Context, channelID string, event models.Event) {
	event.ChannelID = channelID
	event.Timestamp = s.clock.Now()
	if err := s.bus.Publish(ctx, pubsub.ChannelTopic(channelID), event); err != nil {
		s.metrics.PublishFailures.Inc()
		s.logger.Warn("Publish failed", "channel_id", channelID, "event", event.Event, "error", err)
	}
}

// JoinChannel adds the user to the channel. Joining twice is a no-op and
// publishes nothing the second time.
func (s *PresenceService) JoinChannel(ctx context.Context, channelID, userID string) error {
	if err := validateID("channel_id", channelID); err != nil {
		return err
	}
	if err := validateID("user_id", userID); err != nil {
		return err
	}

	added, err := s.cache.AddMember(ctx, channelID, userID)
	if err != nil {
		s.logger.Warn("Cache membership write failed", "channel_id", channelID, "error", err)
		added = true
	}
	if err := s.store.UpsertMembership(ctx, channelID, userID); err != nil {
		return err
	}

	if added {
		s.publishChannel(ctx, channelID, models.Event{
			Event:  models.EventChannelPresence,
			UserID: userID,
			Action: models.ActionJoin,
		})
	}
	return nil
}

// LeaveChannel removes the user and clears any typing indicator they left
// behind.
func (s *PresenceService) LeaveChannel(ctx context.Context, channelID, userID string) error {
	if err := validateID("channel_id", channelID); err != nil {
		return err
	}
	if err := validateID("user_id", userID); err != nil {
		return err
	}

	removed, err := s.cache.RemoveMember(ctx, channelID, userID)
	if err != nil {
		s.logger.Warn("Cache membership delete failed", "channel_id", channelID, "error", err)
		removed = true
	}
	if err := s.cache.ClearTyping(ctx, channelID, userID); err != nil {
		s.logger.Warn("Failed to clear typing on leave", "channel_id", channelID, "error", err)
	}
	if err := s.store.DeleteMembership(ctx, channelID, userID); err != nil {
		return err
	}

	if removed {
		s.publishChannel(ctx, channelID, models.Event{
			Event:  models.EventChannelPresence,
			UserID: userID,
			Action: models.ActionLeave,
		})
	}
	return nil
}

// ChannelMembers lists members with their visible status. An empty or failed
// cache set is rebuilt from the store.
func (s *PresenceService) ChannelMembers(ctx context.Context, channelID string) ([]models.ChannelMember, error) {
	if err := validateID("channel_id", channelID); err != nil {
		return nil, err
	}

	userIDs, err := s.cache.Members(ctx, channelID)
	if err != nil || len(userIDs) == 0 {
		if err == nil {
			err = cache.ErrMiss
		}
		s.cacheFallback("members", err)
		userIDs, err = s.store.ChannelMembers(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if len(userIDs) > 0 {
			if err := s.cache.ReplaceMembers(ctx, channelID, userIDs); err != nil {
				s.logger.Warn("Failed to rebuild channel set", "channel_id", channelID, "error", err)
			}
		}
	}
	sort.Strings(userIDs)

	records, err := s.GetBulkPresence(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]models.PresenceRecord, len(records))
	for _, rec := range records {
		byUser[rec.UserID] = rec
	}

	members := make([]models.ChannelMember, 0, len(userIDs))
	for _, id := range userIDs {
		m := models.ChannelMember{UserID: id, Status: models.StatusOffline}
		if rec, ok := byUser[id]; ok {
			m.Status = rec.Status
			m.LastSeen = rec.LastSeen
		}
		members = append(members, m)
	}
	return members, nil
}

// SetTyping marks the user as typing in the channel for ttl, or the
// configured default when ttl is zero. Repeating it refreshes the expiry.
func (s *PresenceService) SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	if err := validateID("channel_id", channelID); err != nil {
		return err
	}
	if err := validateID("user_id", userID); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.TypingTTL
	}

	if err := s.cache.SetTyping(ctx, channelID, userID, ttl); err != nil {
		return err
	}
	s.publishChannel(ctx, channelID, models.Event{
		Event:  models.EventTyping,
		UserID: userID,
		Action: models.ActionStart,
	})
	return nil
}

func (s *PresenceService) ClearTyping(ctx context.Context, channelID, userID string) error {
	if err := validateID("channel_id", channelID); err != nil {
		return err
	}
	if err := validateID("user_id", userID); err != nil {
		return err
	}

	if err := s.cache.ClearTyping(ctx, channelID, userID); err != nil {
		return err
	}
	s.publishChannel(ctx, channelID, models.Event{
		Event:  models.EventTyping,
		UserID: userID,
		Action: models.ActionStop,
	})
	return nil
}

func (s *PresenceService) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	if err := validateID("channel_id", channelID); err != nil {
		return nil, err
	}
	users, err := s.cache.TypingUsers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// Subscribe opens a bus subscription. Only presence topics are accepted.
func (s *PresenceService) Subscribe(ctx context.Context, topics []string) (pubsub.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", models.ErrValidation)
	}
	for _, topic := range topics {
		if !pubsub.ValidTopic(topic) {
			return nil, fmt.Errorf("%w: unknown topic %q", models.ErrValidation, topic)
		}
	}
	return s.bus.Subscribe(ctx, topics...)
}

// Sweep forces offline every local actor whose last heartbeat is older than
// the offline timeout and returns how many it stopped. Actors normally expire
// themselves; this catches any whose timer has not fired.
func (s *PresenceService) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	expired := 0
	for _, actor := range s.registry.Actors() {
		snap := actor.Snapshot()
		if snap.Status == models.StatusOffline || now.Sub(snap.LastHeartbeat) <= s.cfg.OfflineTimeout {
			continue
		}
		if _, err := actor.Disconnect(ctx, models.ReasonHeartbeatTimeout); err != nil && !errors.Is(err, session.ErrActorStopped) {
			s.logger.Error("Sweep failed to expire session", "user_id", actor.UserID(), "error", err)
			continue
		}
		expired++
		s.metrics.SweepExpired.Inc()
	}
	return expired
}

// Ready pings both storage tiers.
func (s *PresenceService) Ready(ctx context.Context) map[string]error {
	return map[string]error{
		"cache": s.cache.Ping(ctx),
		"store": s.store.Ping(ctx),
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
