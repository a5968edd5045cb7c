package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/cache"
	"chorus/presence-service/models"
	"chorus/presence-service/pubsub"
	"chorus/presence-service/session"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

// peerForwarder delivers forwarded operations straight to another
// in-process registry, standing in for the HTTP hop.
type peerForwarder struct {
	mu    sync.Mutex
	peers map[string]*Registry
	calls atomic.Int64
}

func (p *peerForwarder) Handle(node NodeInfo, userID string) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &peerHandle{forwarder: p, peer: p.peers[node.ID], userID: userID}
}

type peerHandle struct {
	forwarder *peerForwarder
	peer      *Registry
	userID    string
}

func (h *peerHandle) UserID() string { return h.userID }

func (h *peerHandle) Heartbeat(ctx context.Context, meta models.Metadata) error {
	h.forwarder.calls.Add(1)
	actor, err := h.peer.LookupLocal(ctx, h.userID)
	if err != nil {
		return err
	}
	return actor.Heartbeat(ctx, meta)
}

func (h *peerHandle) SetStatus(ctx context.Context, status models.Status, meta models.Metadata) (models.PresenceRecord, error) {
	h.forwarder.calls.Add(1)
	actor, err := h.peer.LookupLocal(ctx, h.userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return actor.SetStatus(ctx, status, meta)
}

func (h *peerHandle) Disconnect(ctx context.Context, reason string) (models.PresenceRecord, error) {
	h.forwarder.calls.Add(1)
	actor, err := h.peer.LookupLocal(ctx, h.userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	return actor.Disconnect(ctx, reason)
}

type panicCache struct {
	cache.Cache
	armed atomic.Bool
}

func (p *panicCache) SetStatus(ctx context.Context, rec models.PresenceRecord, ttl time.Duration) error {
	if p.armed.CompareAndSwap(true, false) {
		panic("boom")
	}
	return p.Cache.SetStatus(ctx, rec, ttl)
}

type testCluster struct {
	ownership *LocalOwnership
	forwarder *peerForwarder
	store     *store.MemoryStore
	cache     *panicCache
	spawned   atomic.Int64
}

func newCluster(t *testing.T) *testCluster {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &testCluster{
		ownership: NewLocalOwnership(nil, 15*time.Second),
		forwarder: &peerForwarder{peers: make(map[string]*Registry)},
		store:     store.NewMemoryStore(),
		cache:     &panicCache{Cache: cache.NewRedisCache(client, nil)},
	}
}

func (c *testCluster) node(t *testing.T, id string) *Registry {
	t.Helper()
	deps := session.Deps{
		Cache:  c.cache,
		Store:  c.store,
		Bus:    pubsub.NewLocalBus(utils.Discard()),
		Logger: utils.Discard(),
	}
	cfg := session.Config{
		PresenceTTL:    2 * time.Minute,
		IdleThreshold:  5 * time.Minute,
		OfflineTimeout: 10 * time.Minute,
		CheckInterval:  time.Hour,
	}

	r := NewRegistry(Options{
		NodeID:    id,
		NodeAddr:  "http://" + id,
		LeaseTTL:  15 * time.Minute,
		NodeTTL:   15 * time.Second,
		Ownership: c.ownership,
		Forwarder: c.forwarder,
		Spawn: func(ctx context.Context, userID string, lease session.LeaseFunc) *session.Actor {
			c.spawned.Add(1)
			d := deps
			d.Lease = lease
			return session.Start(ctx, userID, cfg, d)
		},
		Logger: utils.Discard(),
	})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	c.forwarder.mu.Lock()
	c.forwarder.peers[id] = r
	c.forwarder.mu.Unlock()
	return r
}

func TestTwoNodesConvergeOnOneActor(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]Handle, 40)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := a
			if i%2 == 1 {
				reg = b
			}
			h, err := reg.LookupOrStart(ctx, "u1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), c.spawned.Load())
	assert.Equal(t, 1, len(a.Actors())+len(b.Actors()))

	for _, h := range handles {
		_, err := h.SetStatus(ctx, models.StatusBusy, models.Metadata{})
		require.NoError(t, err)
	}

	var owner *Registry
	if _, ok := a.Local("u1"); ok {
		owner = a
	} else {
		owner = b
	}
	actor, ok := owner.Local("u1")
	require.True(t, ok)
	assert.Equal(t, models.StatusBusy, actor.Snapshot().Status)
	assert.Equal(t, int64(20), c.forwarder.calls.Load())
}

func TestLookupLocalRefusesForeignUser(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	_, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)

	_, err = b.LookupLocal(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestDisconnectReleasesLease(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	h, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, err = h.Disconnect(ctx, models.ReasonDisconnect)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Actors()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := b.LookupLocal(ctx, "u1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := b.Local("u1")
	assert.True(t, ok)
}

func TestCrashedActorIsRestartedFromStore(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	ctx := context.Background()

	h, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, err = h.SetStatus(ctx, models.StatusBusy, models.Metadata{WorkspaceID: "w1"})
	require.NoError(t, err)
	first, ok := a.Local("u1")
	require.True(t, ok)

	c.cache.armed.Store(true)
	_, err = h.SetStatus(ctx, models.StatusAway, models.Metadata{})
	assert.ErrorIs(t, err, session.ErrActorStopped)

	require.Eventually(t, func() bool {
		actor, ok := a.Local("u1")
		return ok && actor != first
	}, 2*time.Second, 5*time.Millisecond)

	restarted, _ := a.Local("u1")
	snap := restarted.Snapshot()
	assert.Equal(t, models.StatusBusy, snap.Status)
	assert.Equal(t, "w1", snap.WorkspaceID)
	assert.Equal(t, int64(2), c.spawned.Load())
}

func TestDeadNodeIsTakenOverOnAccess(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	_, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)

	c.ownership.Forget("node-a")

	h, err := b.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, isActor := h.(*session.Actor)
	assert.True(t, isActor, "node-b should own the user after node-a died")
}

func TestOnlineCountAcrossNodes(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		h, err := a.LookupOrStart(ctx, user)
		require.NoError(t, err)
		_, err = h.SetStatus(ctx, models.StatusOnline, models.Metadata{WorkspaceID: "w1"})
		require.NoError(t, err)
	}
	h, err := a.LookupOrStart(ctx, "u4")
	require.NoError(t, err)
	_, err = h.SetStatus(ctx, models.StatusInvisible, models.Metadata{WorkspaceID: "w1"})
	require.NoError(t, err)

	require.NoError(t, a.announce(ctx))

	total, err := b.OnlineCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	inWorkspace, err := b.OnlineCount(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, inWorkspace)

	none, err := a.OnlineCount(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, 0, none)
}

func TestHTTPForwarder(t *testing.T) {
	var (
		mu       sync.Mutex
		gotToken string
		gotPath  string
		gotBody  models.ActorRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotToken = r.Header.Get(InternalTokenHeader)
		gotPath = r.URL.Path
		gotBody = models.ActorRequest{}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		if gotBody.Status == models.StatusOffline {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(models.APIResponse{Error: "not owner"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: true,
			Data:    models.PresenceRecord{UserID: "u1", Status: gotBody.Status},
		})
	}))
	defer srv.Close()

	h := NewHTTPForwarder("secret").Handle(NodeInfo{ID: "node-a", Addr: srv.URL + "/"}, "u1")

	rec, err := h.SetStatus(context.Background(), models.StatusBusy, models.Metadata{Device: "ios"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBusy, rec.Status)
	mu.Lock()
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "/internal/actors/u1/status", gotPath)
	assert.Equal(t, "ios", gotBody.Metadata.Device)
	mu.Unlock()

	_, err = h.SetStatus(context.Background(), models.StatusOffline, models.Metadata{})
	assert.True(t, errors.Is(err, ErrNotOwner))
}

func TestHTTPForwarderUnreachable(t *testing.T) {
	h := NewHTTPForwarder("").Handle(NodeInfo{ID: "gone", Addr: "http://127.0.0.1:1"}, "u1")
	err := h.Heartbeat(context.Background(), models.Metadata{})
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestLeasesAreRefreshedWithoutAccess(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	clk := clock.NewMock()
	ownership := NewRedisOwnership(client, time.Minute, 15*time.Second)
	st := store.NewMemoryStore()
	deps := session.Deps{
		Cache:  cache.NewRedisCache(client, nil),
		Store:  st,
		Bus:    pubsub.NewLocalBus(utils.Discard()),
		Logger: utils.Discard(),
	}
	cfg := session.Config{
		PresenceTTL:    2 * time.Minute,
		IdleThreshold:  5 * time.Minute,
		OfflineTimeout: 10 * time.Minute,
		CheckInterval:  time.Hour,
	}
	node := func(id string) *Registry {
		r := NewRegistry(Options{
			NodeID:    id,
			NodeAddr:  "http://" + id,
			LeaseTTL:  time.Minute,
			NodeTTL:   15 * time.Second,
			Ownership: ownership,
			Forwarder: NewHTTPForwarder(""),
			Spawn: func(ctx context.Context, userID string, lease session.LeaseFunc) *session.Actor {
				d := deps
				d.Lease = lease
				return session.Start(ctx, userID, cfg, d)
			},
			Clock:  clk,
			Logger: utils.Discard(),
		})
		require.NoError(t, r.Start(ctx))
		t.Cleanup(r.Stop)
		return r
	}
	a := node("node-a")
	b := node("node-b")

	h, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, err = h.SetStatus(ctx, models.StatusOnline, models.Metadata{})
	require.NoError(t, err)

	// Nobody touches u1 for twice the lease.
	for elapsed := time.Duration(0); elapsed < 2*time.Minute; elapsed += 5 * time.Second {
		clk.Add(5 * time.Second)
		mr.FastForward(5 * time.Second)
		require.NoError(t, a.announce(ctx))
		require.NoError(t, b.announce(ctx))
		a.refreshLeases(ctx)
	}

	h, err = b.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, isActor := h.(*session.Actor)
	assert.False(t, isActor, "node-b must forward to node-a, not start a second actor")
	assert.Empty(t, b.Actors())
	assert.Len(t, a.Actors(), 1)

	owner, err := client.Get(ctx, OwnerKey("u1")).Result()
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)
}

func TestLeaseFuncReportsTakeover(t *testing.T) {
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")
	ctx := context.Background()

	_, err := a.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, a.leaseFor("u1")(ctx))

	c.ownership.Forget("node-a")
	h, err := b.LookupOrStart(ctx, "u1")
	require.NoError(t, err)
	_, isActor := h.(*session.Actor)
	require.True(t, isActor)

	assert.ErrorIs(t, a.leaseFor("u1")(ctx), session.ErrLeaseLost)
}
