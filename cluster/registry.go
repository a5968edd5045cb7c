package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/session"
	"chorus/presence-service/utils"
)

// SpawnFunc starts a rehydrated session actor for userID on this node. The
// actor should consult lease before acting on its own timers.
type SpawnFunc func(ctx context.Context, userID string, lease session.LeaseFunc) *session.Actor

type Options struct {
	NodeID    string
	NodeAddr  string
	LeaseTTL  time.Duration
	NodeTTL   time.Duration
	Ownership Ownership
	Forwarder Forwarder
	Spawn     SpawnFunc
	Clock     clock.Clock
	Logger    *utils.Logger
	Metrics   *metrics.Metrics
}

type entry struct {
	actor     *session.Actor
	refreshed time.Time
}

func (e *entry) alive() bool {
	select {
	case <-e.actor.Done():
		return false
	default:
		return true
	}
}

// Registry maps users to their actors. Local actors are supervised: a crash
// restarts the actor from the durable store, any other exit releases the
// lease.
type Registry struct {
	opts   Options
	logger *utils.Logger

	mu      sync.RWMutex
	actors  map[string]*entry
	closing bool

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		logger: opts.Logger.With("component", "registry", "node_id", opts.NodeID),
		actors: make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Registry) NodeID() string { return r.opts.NodeID }

// Start announces the node and keeps announcing it every NodeTTL/3. Each
// announcement also refreshes the leases of local actors that are due.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.announce(ctx); err != nil {
		return fmt.Errorf("failed to announce node: %w", err)
	}

	ticker := r.opts.Clock.Ticker(r.opts.NodeTTL / 3)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if err := r.announce(r.ctx); err != nil {
					r.logger.Error("Failed to announce node", "error", err)
				}
				r.refreshLeases(r.ctx)
			}
		}
	}()

	r.logger.Info("Registry started", "addr", r.opts.NodeAddr)
	return nil
}

// Stop halts every local actor without writing and releases their leases
// so other nodes can take over immediately.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.closing = true
	entries := make(map[string]*entry, len(r.actors))
	for userID, e := range r.actors {
		entries[userID] = e
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.actor.Stop()
	}
	r.cancel()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for userID := range entries {
		if err := r.opts.Ownership.Release(ctx, userID, r.opts.NodeID); err != nil {
			r.logger.Warn("Failed to release lease", "user_id", userID, "error", err)
		}
	}
	r.logger.Info("Registry stopped", "released", len(entries))
}

// LookupOrStart returns the user's actor, starting it here if no live node
// owns the user, or a forwarding handle to the owner.
func (r *Registry) LookupOrStart(ctx context.Context, userID string) (Handle, error) {
	actor, owner, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		return actor, nil
	}

	node, err := r.opts.Ownership.Node(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("resolve owner of %s: %w", userID, err)
	}
	return r.opts.Forwarder.Handle(node, userID), nil
}

// LookupLocal is LookupOrStart for requests forwarded by a peer: it never
// forwards again and returns ErrNotOwner instead.
func (r *Registry) LookupLocal(ctx context.Context, userID string) (*session.Actor, error) {
	actor, owner, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, fmt.Errorf("%s is owned by %s: %w", userID, owner, ErrNotOwner)
	}
	return actor, nil
}

// Local returns the running local actor for userID, if any.
func (r *Registry) Local(userID string) (*session.Actor, bool) {
	r.mu.RLock()
	e, ok := r.actors[userID]
	r.mu.RUnlock()
	if !ok || !e.alive() {
		return nil, false
	}
	return e.actor, true
}

// Actors is a point-in-time list of the live local actors.
func (r *Registry) Actors() []*session.Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Actor, 0, len(r.actors))
	for _, e := range r.actors {
		if e.alive() {
			out = append(out, e.actor)
		}
	}
	return out
}

// resolved is the result shared through the per-user singleflight slot.
// Supervisors use the same slot, so a zero value means the slot was taken by
// a supervisor and the lookup has to run again.
type resolved struct {
	actor *session.Actor
	owner string
}

// resolve returns either a local actor or the owning node's id.
func (r *Registry) resolve(ctx context.Context, userID string) (*session.Actor, string, error) {
	if actor, ok := r.localWithLease(ctx, userID); ok {
		return actor, "", nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		v, err, _ := r.group.Do(userID, func() (interface{}, error) {
			return r.claim(ctx, userID)
		})
		if err != nil {
			return nil, "", err
		}
		if res := v.(resolved); res.actor != nil || res.owner != "" {
			return res.actor, res.owner, nil
		}
	}
	return nil, "", fmt.Errorf("resolve %s: %w: lookup kept colliding with restarts", userID, models.ErrUnavailable)
}

// claim runs inside the singleflight slot for userID.
func (r *Registry) claim(ctx context.Context, userID string) (resolved, error) {
	r.mu.RLock()
	e, ok := r.actors[userID]
	closing := r.closing
	r.mu.RUnlock()
	if ok && e.alive() {
		return resolved{actor: e.actor}, nil
	}
	if closing {
		return resolved{}, fmt.Errorf("registry is shutting down: %w", session.ErrActorStopped)
	}

	owner, err := r.opts.Ownership.Claim(ctx, userID, r.opts.NodeID)
	if err != nil {
		return resolved{}, err
	}
	if owner != r.opts.NodeID {
		if ok {
			r.remove(userID, e)
		}
		return resolved{owner: owner}, nil
	}
	return resolved{actor: r.spawn(userID)}, nil
}

// localWithLease returns a live local actor, refreshing its lease when a
// third of the lease has passed. A lost lease stops the local actor.
func (r *Registry) localWithLease(ctx context.Context, userID string) (*session.Actor, bool) {
	r.mu.RLock()
	e, ok := r.actors[userID]
	r.mu.RUnlock()
	if !ok || !e.alive() {
		return nil, false
	}
	if !r.keepLease(ctx, userID, e) {
		return nil, false
	}
	return e.actor, true
}

// refreshLeases keeps every live local actor's lease from lapsing between
// accesses.
func (r *Registry) refreshLeases(ctx context.Context) {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.actors))
	for userID, e := range r.actors {
		entries[userID] = e
	}
	r.mu.RUnlock()

	for userID, e := range entries {
		if e.alive() {
			r.keepLease(ctx, userID, e)
		}
	}
}

// keepLease refreshes e's lease once a third of it has passed. It reports
// false, after stopping the actor, when another node holds the
// lease. Backend errors keep the actor serving; the next pass retries.
func (r *Registry) keepLease(ctx context.Context, userID string, e *entry) bool {
	now := r.opts.Clock.Now()
	r.mu.RLock()
	due := now.Sub(e.refreshed) >= r.opts.LeaseTTL/3
	r.mu.RUnlock()
	if !due {
		return true
	}

	err := r.opts.Ownership.Refresh(ctx, userID, r.opts.NodeID)
	switch {
	case err == nil:
		r.mu.Lock()
		e.refreshed = now
		r.mu.Unlock()
		return true
	case errors.Is(err, ErrNotOwner):
		r.logger.Warn("Lease lost, stopping local actor", "user_id", userID)
		r.remove(userID, e)
		e.actor.Stop()
		return false
	default:
		r.logger.Warn("Lease refresh failed", "user_id", userID, "error", err)
		return true
	}
}

// leaseFor is handed to each spawned actor. It refreshes the lease on every
// call, so an actor about to write a timer transition knows it still owns
// the user.
func (r *Registry) leaseFor(userID string) session.LeaseFunc {
	return func(ctx context.Context) error {
		err := r.opts.Ownership.Refresh(ctx, userID, r.opts.NodeID)
		if errors.Is(err, ErrNotOwner) {
			return fmt.Errorf("%s: %w", userID, session.ErrLeaseLost)
		}
		if err == nil {
			r.mu.Lock()
			if e, ok := r.actors[userID]; ok {
				e.refreshed = r.opts.Clock.Now()
			}
			r.mu.Unlock()
		}
		return err
	}
}

// spawn starts and supervises a local actor. Callers hold the singleflight
// slot for userID.
func (r *Registry) spawn(userID string) *session.Actor {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	actor := r.opts.Spawn(ctx, userID, r.leaseFor(userID))
	e := &entry{actor: actor, refreshed: r.opts.Clock.Now()}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		actor.Stop()
		return actor
	}
	r.actors[userID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go r.supervise(userID, e)
	return actor
}

func (r *Registry) remove(userID string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[userID] != e {
		return false
	}
	delete(r.actors, userID)
	return true
}

func (r *Registry) supervise(userID string, e *entry) {
	defer r.wg.Done()

	<-e.actor.Done()
	exit := e.actor.Exit()

	_, _, _ = r.group.Do(userID, func() (interface{}, error) {
		if !r.remove(userID, e) {
			// Replaced or dropped by a lookup already.
			return resolved{}, nil
		}

		r.mu.RLock()
		closing := r.closing
		r.mu.RUnlock()
		if closing {
			return resolved{}, nil
		}

		if exit.Crashed {
			r.opts.Metrics.ActorRestarts.Inc()
			r.logger.Warn("Restarting crashed actor", "user_id", userID, "error", exit.Err)
			return resolved{actor: r.spawn(userID)}, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.opts.Ownership.Release(ctx, userID, r.opts.NodeID); err != nil {
			r.logger.Warn("Failed to release lease", "user_id", userID, "error", err)
		}
		r.logger.Debug("Actor exited", "user_id", userID, "reason", exit.Reason)
		return resolved{}, nil
	})
}

// OnlineCount is this node's live count plus the last count every other
// live node announced. workspaceID narrows it to one workspace.
func (r *Registry) OnlineCount(ctx context.Context, workspaceID string) (int, error) {
	local := r.localInfo()
	total := local.Online
	if workspaceID != "" {
		total = local.Workspaces[workspaceID]
	}

	nodes, err := r.opts.Ownership.Nodes(ctx)
	if err != nil {
		return total, err
	}
	for _, node := range nodes {
		if node.ID == r.opts.NodeID {
			continue
		}
		if workspaceID == "" {
			total += node.Online
		} else {
			total += node.Workspaces[workspaceID]
		}
	}
	return total, nil
}

func (r *Registry) localInfo() NodeInfo {
	info := NodeInfo{
		ID:         r.opts.NodeID,
		Addr:       r.opts.NodeAddr,
		Workspaces: make(map[string]int),
		ReportedAt: r.opts.Clock.Now(),
	}
	for _, actor := range r.Actors() {
		snap := actor.Snapshot()
		if !snap.Status.Live() {
			continue
		}
		info.Online++
		if snap.WorkspaceID != "" {
			info.Workspaces[snap.WorkspaceID]++
		}
	}
	return info
}

func (r *Registry) announce(ctx context.Context) error {
	return r.opts.Ownership.Announce(ctx, r.localInfo())
}
