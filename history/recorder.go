// Package history records every presence transition to the append-only
// history table and, optionally, to Kafka for downstream analytics.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

// Emitter forwards entries to an external stream.
type Emitter interface {
	Emit(ctx context.Context, entry models.HistoryEntry) error
	Close() error
}

// Recorder queues entries and writes them from a single worker so the
// caller never waits on the store or Kafka.
type Recorder struct {
	store   store.Store
	emitter Emitter
	logger  *utils.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	queue  chan models.HistoryEntry
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. emitter may be nil.
func NewRecorder(st store.Store, emitter Emitter, buffer int, logger *utils.Logger, m *metrics.Metrics) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Recorder{
		store:   st,
		emitter: emitter,
		logger:  logger.With("component", "history"),
		metrics: m,
		queue:   make(chan models.HistoryEntry, buffer),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop flushes queued entries and waits for the worker to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()

	if r.emitter != nil {
		if err := r.emitter.Close(); err != nil {
			r.logger.Error("Failed to close history emitter", "error", err)
		}
	}
}

// Record enqueues a transition. It reports false when the entry was dropped.
func (r *Recorder) Record(entry models.HistoryEntry) bool {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.queue <- entry:
		return true
	default:
		r.metrics.HistoryDropped.Inc()
		r.logger.Warn("History queue full, dropping entry", "user_id", entry.UserID, "to", entry.ToStatus)
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for entry := range r.queue {
		r.write(entry)
	}
}

func (r *Recorder) write(entry models.HistoryEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.AppendHistory(ctx, entry); err != nil {
		r.logger.Error("Failed to append history", "user_id", entry.UserID, "error", err)
	}
	if r.emitter != nil {
		if err := r.emitter.Emit(ctx, entry); err != nil {
			r.logger.Error("Failed to emit history", "user_id", entry.UserID, "error", err)
		}
	}
}
