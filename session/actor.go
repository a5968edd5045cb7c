// Package session implements the per-user presence state machine. Each
// Actor owns one user's live record in a single goroutine; every operation on
// that user is a message through its mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"chorus/presence-service/cache"
	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/pubsub"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

const (
	mailboxSize  = 256
	writeTimeout = 5 * time.Second
)

// ErrActorStopped is returned to callers whose message was not processed
// because the actor exited first.
var ErrActorStopped = errors.New("session: actor stopped")

// ErrLeaseLost is returned by a LeaseFunc when another node now owns the user.
var ErrLeaseLost = errors.New("session: ownership lease lost")

// LeaseFunc confirms, and extends, this node's ownership of the actor's user.
type LeaseFunc func(ctx context.Context) error

type Config struct {
	PresenceTTL    time.Duration
	IdleThreshold  time.Duration
	OfflineTimeout time.Duration
	CheckInterval  time.Duration
}

// Recorder receives every status change. It must not block.
type Recorder interface {
	Record(entry models.HistoryEntry) bool
}

type Deps struct {
	Cache   cache.Cache
	Store   store.Store
	Bus     pubsub.Bus
	History Recorder
	Clock   clock.Clock
	Logger  *utils.Logger
	Metrics *metrics.Metrics
	// Lease is consulted before timer-driven transitions. Nil means the actor
	// always owns its user.
	Lease LeaseFunc
}

// Exit describes why an actor stopped. Crashed actors should be restarted.
type Exit struct {
	UserID  string
	Reason  string
	Crashed bool
	Err     error
}

type msgKind int

const (
	msgHeartbeat msgKind = iota
	msgSetStatus
	msgDisconnect
)

type message struct {
	kind   msgKind
	status models.Status
	meta   models.Metadata
	reason string
	reply  chan result
}

type result struct {
	rec models.PresenceRecord
	err error
}

type Actor struct {
	userID string
	cfg    Config
	deps   Deps
	logger *utils.Logger

	mailbox chan message
	quit    chan struct{}
	stop    sync.Once
	done    chan struct{}
	ticker  *clock.Ticker
	exit    Exit

	// Owned by the run goroutine.
	state        models.PresenceRecord
	lastActivity time.Time
	lastBeat     time.Time

	snapshot atomic.Pointer[models.PresenceRecord]
}

// Start rehydrates the user's last durable state and launches the actor.
// The restored status is kept as-is until the first message arrives. A user
// restored as present gets lastHeartbeat reset to now so a restarted actor
// has a full grace window; an offline user keeps its durable timestamps.
func Start(ctx context.Context, userID string, cfg Config, deps Deps) *Actor {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}

	a := &Actor{
		userID:  userID,
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("user_id", userID),
		mailbox: make(chan message, mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	now := deps.Clock.Now()
	rec, err := deps.Store.GetPresence(ctx, userID)
	switch {
	case err == nil:
		a.state = *rec
	case errors.Is(err, models.ErrNotFound):
		a.state = *models.OfflineRecord(userID)
	default:
		a.logger.Warn("Rehydrating from store failed, starting offline", "error", err)
		a.state = *models.OfflineRecord(userID)
	}
	if a.state.Status != models.StatusOffline {
		a.state.LastHeartbeat = now
		a.state.LastSeen = now
	}
	a.lastActivity = now
	a.lastBeat = now
	a.publishSnapshot()

	a.ticker = deps.Clock.Ticker(cfg.CheckInterval)
	deps.Metrics.LiveActors.Inc()
	go a.run()
	return a
}

func (a *Actor) UserID() string { return a.userID }

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Exit is valid after Done is closed.
func (a *Actor) Exit() Exit {
	<-a.done
	return a.exit
}

// Snapshot returns the last published state without going through the
// mailbox.
func (a *Actor) Snapshot() models.PresenceRecord {
	return *a.snapshot.Load()
}

// Stop terminates the actor without writing anything; queued messages fail
// with ErrActorStopped.
func (a *Actor) Stop() {
	a.stop.Do(func() { close(a.quit) })
	<-a.done
}

// Heartbeat enqueues a liveness signal and returns without waiting for it.
func (a *Actor) Heartbeat(ctx context.Context, meta models.Metadata) error {
	return a.tell(ctx, message{kind: msgHeartbeat, meta: meta})
}

// SetStatus applies an explicit status and returns once it has been written
// and published.
func (a *Actor) SetStatus(ctx context.Context, status models.Status, meta models.Metadata) (models.PresenceRecord, error) {
	return a.ask(ctx, message{kind: msgSetStatus, status: status, meta: meta})
}

// Disconnect writes offline and stops the actor.
func (a *Actor) Disconnect(ctx context.Context, reason string) (models.PresenceRecord, error) {
	if reason == "" {
		reason = models.ReasonDisconnect
	}
	return a.ask(ctx, message{kind: msgDisconnect, reason: reason})
}

func (a *Actor) tell(ctx context.Context, msg message) error {
	select {
	case <-a.done:
		return ErrActorStopped
	default:
	}

	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) ask(ctx context.Context, msg message) (models.PresenceRecord, error) {
	msg.reply = make(chan result, 1)
	if err := a.tell(ctx, msg); err != nil {
		return models.PresenceRecord{}, err
	}

	select {
	case res := <-msg.reply:
		return res.rec, res.err
	case <-a.done:
		// The actor may have replied right before exiting.
		select {
		case res := <-msg.reply:
			return res.rec, res.err
		default:
			return models.PresenceRecord{}, ErrActorStopped
		}
	case <-ctx.Done():
		return models.PresenceRecord{}, ctx.Err()
	}
}

func (a *Actor) run() {
	defer func() {
		a.ticker.Stop()
		a.deps.Metrics.LiveActors.Dec()
		close(a.done)
	}()

	for {
		select {
		case <-a.quit:
			a.exit = Exit{UserID: a.userID, Reason: "stopped"}
			return
		case msg := <-a.mailbox:
			if a.safely(func() bool { return a.handle(msg) }) {
				return
			}
		case <-a.ticker.C:
			if a.safely(a.check) {
				return
			}
		}
	}
}

// safely runs fn and converts a panic into a crash exit. It reports whether
// the actor should stop.
func (a *Actor) safely(fn func() bool) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Session actor crashed", "panic", r, "stack", string(debug.Stack()))
			a.exit = Exit{
				UserID:  a.userID,
				Reason:  "crash",
				Crashed: true,
				Err:     fmt.Errorf("session actor panic: %v", r),
			}
			stop = true
		}
	}()
	return fn()
}

func (a *Actor) handle(msg message) bool {
	switch msg.kind {
	case msgHeartbeat:
		a.heartbeat(msg.meta)
		return false

	case msgSetStatus:
		now := a.deps.Clock.Now()
		a.lastActivity = now
		a.state.ApplyMetadata(msg.meta)
		err := a.transition(msg.status, models.ReasonExplicit)
		a.reply(msg, err)
		if msg.status == models.StatusOffline {
			a.exit = Exit{UserID: a.userID, Reason: models.ReasonExplicit}
			return true
		}
		return false

	case msgDisconnect:
		err := a.transition(models.StatusOffline, msg.reason)
		a.reply(msg, err)
		a.exit = Exit{UserID: a.userID, Reason: msg.reason}
		return true
	}
	return false
}

func (a *Actor) reply(msg message, err error) {
	if msg.reply != nil {
		msg.reply <- result{rec: a.state, err: err}
	}
}

func (a *Actor) heartbeat(meta models.Metadata) {
	now := a.deps.Clock.Now()
	a.state.LastHeartbeat = now
	a.state.LastSeen = now
	a.lastActivity = now
	a.lastBeat = now
	a.state.ApplyMetadata(meta)
	a.deps.Metrics.Heartbeats.Inc()

	var err error
	switch a.state.Status {
	case models.StatusAway:
		err = a.transition(models.StatusOnline, models.ReasonHeartbeat)
	case models.StatusOffline:
		err = a.transition(models.StatusOnline, models.ReasonConnect)
	default:
		a.publishSnapshot()
		a.writeCache()
		err = a.writeStore(models.PresencePatch{
			UserID:        a.userID,
			LastHeartbeat: &now,
			WorkspaceID:   nonEmpty(meta.WorkspaceID),
			Device:        nonEmpty(meta.Device),
			Platform:      nonEmpty(meta.Platform),
			ClientVersion: nonEmpty(meta.ClientVersion),
		})
	}
	if err != nil {
		a.logger.Error("Failed to persist heartbeat", "error", err)
	}
}

// check runs on every tick. Offline is evaluated before idle so a user who
// crosses both thresholds in one interval goes straight to offline.
func (a *Actor) check() bool {
	now := a.deps.Clock.Now()

	expired := now.Sub(a.lastBeat) > a.cfg.OfflineTimeout
	idle := a.state.Status == models.StatusOnline && now.Sub(a.lastActivity) > a.cfg.IdleThreshold
	if (expired || idle) && !a.holdsLease() {
		a.exit = Exit{UserID: a.userID, Reason: models.ReasonLeaseLost}
		return true
	}

	if expired {
		if err := a.transition(models.StatusOffline, models.ReasonHeartbeatTimeout); err != nil {
			a.logger.Error("Failed to persist heartbeat timeout", "error", err)
		}
		a.exit = Exit{UserID: a.userID, Reason: models.ReasonHeartbeatTimeout}
		return true
	}

	if idle {
		if err := a.transition(models.StatusAway, models.ReasonIdle); err != nil {
			a.logger.Error("Failed to persist idle transition", "error", err)
		}
	}
	return false
}

// holdsLease reports whether this actor may still write for its user. An
// ownership backend that cannot be reached does not count as a lost lease.
func (a *Actor) holdsLease() bool {
	if a.deps.Lease == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := a.deps.Lease(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrLeaseLost):
		a.logger.Warn("Lease held by another node, stopping without writing")
		return false
	default:
		a.logger.Warn("Lease check failed", "error", err)
		return true
	}
}

// transition applies a status change: memory, cache, store, publish and
// history, in that order. Only the store error is returned. Going offline
// when already offline changes nothing and is not written.
func (a *Actor) transition(to models.Status, reason string) error {
	now := a.deps.Clock.Now()
	from := a.state.Status
	if from == models.StatusOffline && to == models.StatusOffline {
		return nil
	}
	if from == models.StatusOffline {
		// Coming online counts as a liveness signal.
		a.state.LastHeartbeat = now
		a.state.LastSeen = now
		a.lastBeat = now
	}

	a.state.Status = to
	a.state.StatusUpdatedAt = now
	a.state.UpdatedAt = now
	a.publishSnapshot()

	a.writeCache()
	storeErr := a.writeStore(a.state.Patch())
	a.publish(now)

	a.deps.Metrics.Transitions.WithLabelValues(string(to), reason).Inc()
	if from != to {
		a.logger.Info("Presence changed", "from", from, "to", to, "reason", reason)
		if a.deps.History != nil {
			a.deps.History.Record(models.HistoryEntry{
				UserID:      a.userID,
				WorkspaceID: a.state.WorkspaceID,
				FromStatus:  from,
				ToStatus:    to,
				Reason:      reason,
				OccurredAt:  now,
			})
		}
	}
	return storeErr
}

func (a *Actor) writeCache() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.deps.Cache.SetStatus(ctx, a.state, a.cfg.PresenceTTL); err != nil {
		a.logger.Warn("Cache write failed", "error", err)
	}
}

func (a *Actor) writeStore(patch models.PresencePatch) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := a.deps.Store.UpsertPresence(ctx, patch); err != nil {
		if errors.Is(err, models.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
	}
	return nil
}

func (a *Actor) publish(now time.Time) {
	event := models.Event{
		Event:     models.EventPresenceChanged,
		UserID:    a.userID,
		Status:    a.state.Status.Public(),
		Timestamp: now,
	}
	topics := []string{pubsub.UserTopic(a.userID)}
	if a.state.WorkspaceID != "" {
		topics = append(topics, pubsub.WorkspaceTopic(a.state.WorkspaceID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, topic := range topics {
		if err := a.deps.Bus.Publish(ctx, topic, event); err != nil {
			a.deps.Metrics.PublishFailures.Inc()
			a.logger.Warn("Publish failed", "topic", topic, "error", err)
		}
	}
}

func (a *Actor) publishSnapshot() {
	rec := a.state
	a.snapshot.Store(&rec)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
