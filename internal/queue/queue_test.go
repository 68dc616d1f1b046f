package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

func evt(priority model.Priority, t int64) model.Event {
	return model.Event{
		ID:        "e",
		Source:    model.SourceSystem,
		Type:      "tick",
		Priority:  priority,
		Timestamp: time.Unix(t, 0),
	}
}

func TestPriorityDraining(t *testing.T) {
	q := New()
	q.Push(model.Event{ID: "a", Priority: model.PriorityCritical, Timestamp: time.Unix(1, 0)})
	q.Push(model.Event{ID: "b", Priority: model.PriorityNormal, Timestamp: time.Unix(2, 0)})
	q.Push(model.Event{ID: "c", Priority: model.PriorityCritical, Timestamp: time.Unix(3, 0)})

	e1, ok := q.Pull()
	require.True(t, ok)
	assert.Equal(t, "a", e1.ID)

	e2, ok := q.Pull()
	require.True(t, ok)
	assert.Equal(t, "c", e2.ID)

	e3, ok := q.Pull()
	require.True(t, ok)
	assert.Equal(t, "b", e3.ID)

	_, ok = q.Pull()
	assert.False(t, ok)
}

func TestAggregationWindow(t *testing.T) {
	q := New()
	mk := func(ts int64) model.Event {
		return model.Event{
			ID:        "m",
			Source:    "telegram",
			Channel:   "chat",
			Type:      "msg",
			Priority:  model.PriorityNormal,
			Timestamp: time.Unix(ts, 0),
		}
	}
	q.Push(mk(0))
	q.Push(mk(1)) // 1000ms later in seconds-granularity test would be 1s; spec test uses ms
	q.Push(mk(2))

	removed := q.Aggregate()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, q.Size())

	merged, ok := q.Peek()
	require.True(t, ok)
	require.NotNil(t, merged.Meta)
	assert.Equal(t, 3, merged.Meta.AggregatedCount)
	assert.Equal(t, time.Unix(0, 0), merged.Meta.FirstOccurrence)

	// second call in the same tick is a fixpoint
	assert.Equal(t, 0, q.Aggregate())
}

func TestAggregationWindowMillisecondGranularity(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	mk := func(d time.Duration) model.Event {
		return model.Event{
			Source:    "telegram",
			Channel:   "chat",
			Type:      "msg",
			Priority:  model.PriorityNormal,
			Timestamp: base.Add(d),
		}
	}
	q.Push(mk(0))
	q.Push(mk(1000 * time.Millisecond))
	q.Push(mk(2000 * time.Millisecond))

	removed := q.Aggregate()
	assert.Equal(t, 2, removed)
	merged, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 3, merged.Meta.AggregatedCount)
	assert.Equal(t, base, merged.Meta.FirstOccurrence)
}

func TestPruneByAge(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewWithClock(func() time.Time { return now })
	q.Push(evt(model.PriorityIdle, 0))   // very old
	q.Push(evt(model.PriorityIdle, 999)) // fresh

	removed := q.Prune(PruneConfig{MaxAge: 10 * time.Second, MaxPriorityToDrop: model.PriorityNormal})
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, q.Size())
}

func TestPruneEmergencyDropsIdleThenLow(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewWithClock(func() time.Time { return now })
	for i := 0; i < 5; i++ {
		q.Push(evt(model.PriorityIdle, 1000))
	}
	for i := 0; i < 5; i++ {
		q.Push(evt(model.PriorityLow, 1000))
	}
	for i := 0; i < 5; i++ {
		q.Push(evt(model.PriorityCritical, 1000))
	}

	removed := q.Prune(PruneConfig{EmergencyThreshold: 10})
	assert.Equal(t, 5, removed) // dropping IDLE alone gets to 10, LOW untouched
	assert.Equal(t, 10, q.Size())

	removed = q.Prune(PruneConfig{EmergencyThreshold: 3})
	assert.Equal(t, 5, removed) // LOW now dropped too
	assert.Equal(t, 5, q.Size())
}
