package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/cache"
	"chorus/presence-service/cluster"
	"chorus/presence-service/models"
	"chorus/presence-service/pubsub"
	"chorus/presence-service/session"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

type fixture struct {
	clk      *clock.Mock
	mr       *miniredis.Miniredis
	store    *store.MemoryStore
	bus      *pubsub.LocalBus
	registry *cluster.Registry
	svc      *PresenceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	c := cache.NewRedisCache(client, clk)
	st := store.NewMemoryStore()
	bus := pubsub.NewLocalBus(utils.Discard())
	t.Cleanup(func() { _ = bus.Close() })

	actorCfg := session.Config{
		PresenceTTL:    2 * time.Minute,
		IdleThreshold:  5 * time.Minute,
		OfflineTimeout: 10 * time.Minute,
		CheckInterval:  time.Hour,
	}
	deps := session.Deps{Cache: c, Store: st, Bus: bus, Clock: clk, Logger: utils.Discard()}

	registry := cluster.NewRegistry(cluster.Options{
		NodeID:    "node-a",
		NodeAddr:  "http://node-a",
		LeaseTTL:  15 * time.Minute,
		NodeTTL:   15 * time.Second,
		Ownership: cluster.NewLocalOwnership(nil, 15*time.Second),
		Forwarder: cluster.NewHTTPForwarder(""),
		Spawn: func(ctx context.Context, userID string, lease session.LeaseFunc) *session.Actor {
			d := deps
			d.Lease = lease
			return session.Start(ctx, userID, actorCfg, d)
		},
		Logger: utils.Discard(),
	})
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(registry.Stop)

	svc := NewPresenceService(Config{
		PresenceTTL:    2 * time.Minute,
		OfflineTimeout: 10 * time.Minute,
		SweepInterval:  time.Minute,
		TypingTTL:      5 * time.Second,
	}, Deps{
		Registry: registry,
		Cache:    c,
		Store:    st,
		Bus:      bus,
		Clock:    clk,
		Logger:   utils.Discard(),
	})

	return &fixture{clk: clk, mr: mr, store: st, bus: bus, registry: registry, svc: svc}
}

func (f *fixture) subscribe(t *testing.T, topic string) pubsub.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func receive(t *testing.T, sub pubsub.Subscription) models.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func assertNoEvent(t *testing.T, sub pubsub.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetPresenceWritesEveryTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, pubsub.WorkspaceTopic("w1"))

	rec, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "busy", WorkspaceID: "w1", Device: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)

	stored, err := f.store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, stored.Status)
	assert.Equal(t, "desktop", stored.Device)
	assert.True(t, f.mr.Exists(cache.UserKey("u1")))

	ev := receive(t, sub)
	assert.Equal(t, models.EventPresenceChanged, ev.Event)
	assert.Equal(t, models.StatusBusy, ev.Status)

	got, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, got.Status)
	assert.Equal(t, "w1", got.WorkspaceID)
}

func TestSetPresenceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "sleeping"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.SetPresence(ctx, "", models.SetPresenceRequest{Status: "online"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.registry.Actors())
}

func TestSetPresenceRetriesStoppedActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "online"})
	require.NoError(t, err)
	actor, ok := f.registry.Local("u1")
	require.True(t, ok)
	actor.Stop()

	rec, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "busy"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)
}

func TestGetPresenceNeverSeen(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.GetPresence(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)
	assert.True(t, rec.LastSeen.IsZero())
	assert.False(t, f.mr.Exists(cache.UserKey("ghost")))
}

func TestGetPresenceRepopulatesCacheFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := models.PresenceRecord{UserID: "u1", Status: models.StatusAway, LastHeartbeat: f.clk.Now()}
	require.NoError(t, f.store.UpsertPresence(ctx, seed.Patch()))
	before := f.store.Reads()

	rec, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAway, rec.Status)
	assert.Equal(t, before+1, f.store.Reads())
	assert.True(t, f.mr.Exists(cache.UserKey("u1")))

	rec, err = f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAway, rec.Status)
	assert.Equal(t, before+1, f.store.Reads(), "second read should be served from cache")
}

func TestGetPresenceStaleRecordIsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := models.PresenceRecord{UserID: "u1", Status: models.StatusOnline, LastHeartbeat: f.clk.Now()}
	require.NoError(t, f.store.UpsertPresence(ctx, seed.Patch()))
	f.clk.Add(11 * time.Minute)

	rec, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)
}

func TestInvisibleReadsAsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "invisible"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvisible, rec.Status)

	got, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
}

func TestGetBulkPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "online"})
	require.NoError(t, err)
	seed := models.PresenceRecord{UserID: "u2", Status: models.StatusAway, LastHeartbeat: f.clk.Now()}
	require.NoError(t, f.store.UpsertPresence(ctx, seed.Patch()))

	records, err := f.svc.GetBulkPresence(ctx, []string{"u1", "u2", "u3", "u1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0].UserID)
	assert.Equal(t, models.StatusOnline, records[0].Status)
	assert.Equal(t, "u2", records[1].UserID)
	assert.Equal(t, models.StatusAway, records[1].Status)
	assert.True(t, f.mr.Exists(cache.UserKey("u2")))
}

func TestHeartbeatConnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Heartbeat(ctx, "u1", models.Metadata{WorkspaceID: "w1"}))

	require.Eventually(t, func() bool {
		rec, err := f.store.GetPresence(ctx, "u1")
		return err == nil && rec.Status == models.StatusOnline
	}, time.Second, 5*time.Millisecond)

	stats, err := f.svc.OnlineCount(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.OnlineStats{Scope: "workspace:w1", Online: 1}, stats)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "online"})
	require.NoError(t, err)

	rec, err := f.svc.Disconnect(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)

	require.Eventually(t, func() bool {
		_, ok := f.registry.Local("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	got, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
}

func TestRepeatedDisconnectKeepsLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := f.clk.Now()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "online"})
	require.NoError(t, err)
	_, err = f.svc.Disconnect(ctx, "u1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.registry.Local("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	f.clk.Add(3 * time.Hour)
	sub := f.subscribe(t, pubsub.UserTopic("u1"))

	rec, err := f.svc.Disconnect(ctx, "u1", models.ReasonDisconnect)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.LastSeen)
	assertNoEvent(t, sub)

	got, err := f.svc.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
	assert.Equal(t, t0, got.LastSeen)
}

func TestOnlineCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for user, status := range map[string]string{"u1": "online", "u2": "busy", "u3": "invisible"} {
		_, err := f.svc.SetPresence(ctx, user, models.SetPresenceRequest{Status: status, WorkspaceID: "w1"})
		require.NoError(t, err)
	}

	stats, err := f.svc.OnlineCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "global", stats.Scope)
	assert.Equal(t, 2, stats.Online)

	stats, err = f.svc.OnlineCount(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Online)
}

func TestWorkspacePresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "online", WorkspaceID: "w1"})
	require.NoError(t, err)
	_, err = f.svc.SetPresence(ctx, "u2", models.SetPresenceRequest{Status: "invisible", WorkspaceID: "w1"})
	require.NoError(t, err)

	all, err := f.svc.WorkspacePresence(ctx, "w1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.StatusOffline, all[1].Status)

	live, err := f.svc.WorkspacePresence(ctx, "w1", true)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "u1", live[0].UserID)
}

func TestJoinChannelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, pubsub.ChannelTopic("c1"))

	require.NoError(t, f.svc.JoinChannel(ctx, "c1", "u1"))
	require.NoError(t, f.svc.JoinChannel(ctx, "c1", "u1"))

	ev := receive(t, sub)
	assert.Equal(t, models.EventChannelPresence, ev.Event)
	assert.Equal(t, models.ActionJoin, ev.Action)
	assert.Equal(t, "c1", ev.ChannelID)
	assertNoEvent(t, sub)

	members, err := f.svc.ChannelMembers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, models.StatusOffline, members[0].Status)

	stored, err := f.store.ChannelMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, stored)
}

func TestLeaveChannelClearsTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.JoinChannel(ctx, "c1", "u1"))
	require.NoError(t, f.svc.SetTyping(ctx, "c1", "u1", 0))
	sub := f.subscribe(t, pubsub.ChannelTopic("c1"))

	require.NoError(t, f.svc.LeaveChannel(ctx, "c1", "u1"))
	ev := receive(t, sub)
	assert.Equal(t, models.ActionLeave, ev.Action)

	typing, err := f.svc.TypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, typing)

	require.NoError(t, f.svc.LeaveChannel(ctx, "c1", "u1"))
	assertNoEvent(t, sub)
}

func TestChannelMembersRebuiltFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertMembership(ctx, "c1", "u2"))
	require.NoError(t, f.store.UpsertMembership(ctx, "c1", "u1"))
	_, err := f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "busy"})
	require.NoError(t, err)

	members, err := f.svc.ChannelMembers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, models.StatusBusy, members[0].Status)
	assert.Equal(t, models.StatusOffline, members[1].Status)

	cached, err := f.mr.Members(cache.ChannelKey("c1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, cached)
}

func TestTypingExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.subscribe(t, pubsub.ChannelTopic("c1"))

	require.NoError(t, f.svc.SetTyping(ctx, "c1", "u2", 0))
	require.NoError(t, f.svc.SetTyping(ctx, "c1", "u1", 30*time.Second))
	ev := receive(t, sub)
	assert.Equal(t, models.EventTyping, ev.Event)
	assert.Equal(t, models.ActionStart, ev.Action)

	users, err := f.svc.TypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	f.clk.Add(6 * time.Second)
	users, err = f.svc.TypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	require.NoError(t, f.svc.ClearTyping(ctx, "c1", "u1"))
	users, err = f.svc.TypingUsers(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSweepExpiresStaleActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Heartbeat(ctx, "u1", models.Metadata{}))
	require.Eventually(t, func() bool {
		actor, ok := f.registry.Local("u1")
		return ok && actor.Snapshot().Status == models.StatusOnline
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.svc.Sweep(ctx))

	f.clk.Add(11 * time.Minute)
	assert.Equal(t, 1, f.svc.Sweep(ctx))

	require.Eventually(t, func() bool {
		_, ok := f.registry.Local("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	rec, err := f.store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, rec.Status)
}

func TestSubscribeValidatesTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Subscribe(ctx, nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.Subscribe(ctx, []string{"presence.user.u1", "jobs.all"})
	assert.ErrorIs(t, err, models.ErrValidation)

	sub, err := f.svc.Subscribe(ctx, []string{pubsub.UserTopic("u1")})
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.svc.SetPresence(ctx, "u1", models.SetPresenceRequest{Status: "away"})
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, models.StatusAway, ev.Status)
}
