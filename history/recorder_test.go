package history

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/metrics"
	"chorus/presence-service/models"
	"chorus/presence-service/store"
	"chorus/presence-service/utils"
)

type fakeEmitter struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
	closed  bool
}

func (f *fakeEmitter) Emit(_ context.Context, entry models.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeEmitter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRecorderWritesStoreAndEmitter(t *testing.T) {
	st := store.NewMemoryStore()
	em := &fakeEmitter{}
	r := NewRecorder(st, em, 8, utils.Discard(), metrics.Noop())
	r.Start()

	assert.True(t, r.Record(models.HistoryEntry{UserID: "u1", FromStatus: models.StatusOffline, ToStatus: models.StatusOnline, Reason: models.ReasonConnect}))
	assert.True(t, r.Record(models.HistoryEntry{UserID: "u1", FromStatus: models.StatusOnline, ToStatus: models.StatusAway, Reason: models.ReasonIdle}))
	r.Stop()

	entries := st.History()
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].OccurredAt.IsZero())
	assert.Equal(t, models.StatusAway, entries[1].ToStatus)

	em.mu.Lock()
	defer em.mu.Unlock()
	assert.Len(t, em.entries, 2)
	assert.True(t, em.closed)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	m := metrics.Noop()
	r := NewRecorder(store.NewMemoryStore(), nil, 1, utils.Discard(), m)

	// Not started, so the queue never drains.
	assert.True(t, r.Record(models.HistoryEntry{UserID: "u1"}))
	assert.False(t, r.Record(models.HistoryEntry{UserID: "u1"}))

	r.Start()
	r.Stop()
	assert.False(t, r.Record(models.HistoryEntry{UserID: "u1"}))
}

func TestEncode(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg, err := Encode(models.HistoryEntry{
		ID:          "h1",
		UserID:      "u1",
		WorkspaceID: "w1",
		FromStatus:  models.StatusOnline,
		ToStatus:    models.StatusInvisible,
		Reason:      models.ReasonExplicit,
		OccurredAt:  at,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("u1"), msg.Key)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "presence.offline", body["event_type"])
	assert.Equal(t, "offline", body["status"])
	assert.Equal(t, "online", body["previous_status"])
	assert.Equal(t, "w1", body["workspace_id"])
}

func TestNilKafkaEmitter(t *testing.T) {
	em := NewKafkaEmitter(nil, "presence-events")
	assert.Nil(t, em)
	assert.NoError(t, em.Emit(context.Background(), models.HistoryEntry{}))
	assert.NoError(t, em.Close())
}
