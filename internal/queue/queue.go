// Package queue implements the priority event queue (C1): five FIFO
// sub-queues ordered CRITICAL..IDLE, with within-window aggregation and
// age/priority/emergency pruning.
//
// The backpressure-free design mirrors the teacher's ring-buffer
// processor (internal/kernel/events.go in the reference pack): a single
// owner mutates the queue, pull/peek scan the sub-queues from the
// highest priority down, and prune/aggregate are plain O(n) sweeps run
// once per tick rather than on every push.
package queue

import (
	"sync"
	"time"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// AggregationWindow is the duration within which identical
// (source, channel, type) events are merged by Aggregate.
const AggregationWindow = 5 * time.Second

// PruneConfig configures Prune.
type PruneConfig struct {
	MaxAge            time.Duration
	MaxPriorityToDrop model.Priority
	EmergencyThreshold int // 0 disables the emergency sweep
}

// Queue is the priority event queue described in spec §4.1.
type Queue struct {
	mu    sync.Mutex
	subs  [model.NumPriorities][]model.Event
	clock func() time.Time
}

// New creates an empty Queue using time.Now as its clock.
func New() *Queue {
	return &Queue{clock: time.Now}
}

// NewWithClock creates a Queue with an injectable clock, for deterministic tests.
func NewWithClock(clock func() time.Time) *Queue {
	return &Queue{clock: clock}
}

// Push appends e to its priority sub-queue. O(1).
func (q *Queue) Push(e model.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !e.Priority.Valid() {
		e.Priority = model.PriorityNormal
	}
	q.subs[e.Priority] = append(q.subs[e.Priority], e)
}

// Pull removes and returns the highest-priority, oldest event, scanning
// CRITICAL downward to IDLE. Returns (event, true) or (zero, false) if empty.
func (q *Queue) Pull() (model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := 0; p < model.NumPriorities; p++ {
		if len(q.subs[p]) > 0 {
			e := q.subs[p][0]
			q.subs[p] = q.subs[p][1:]
			return e, true
		}
	}
	return model.Event{}, false
}

// Peek returns the next event Pull would return, without removing it.
func (q *Queue) Peek() (model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := 0; p < model.NumPriorities; p++ {
		if len(q.subs[p]) > 0 {
			return q.subs[p][0], true
		}
	}
	return model.Event{}, false
}

// Size returns the total number of queued events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for p := 0; p < model.NumPriorities; p++ {
		total += len(q.subs[p])
	}
	return total
}

// SizeByPriority returns the per-priority queue depth, indexed by model.Priority.
func (q *Queue) SizeByPriority() [model.NumPriorities]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var sizes [model.NumPriorities]int
	for p := 0; p < model.NumPriorities; p++ {
		sizes[p] = len(q.subs[p])
	}
	return sizes
}

// Clear empties the queue entirely.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.subs {
		q.subs[p] = nil
	}
}

func aggKey(e model.Event) string {
	return string(e.Source) + "\x00" + e.Channel + "\x00" + e.Type
}

// Aggregate merges, within each sub-queue, events sharing (source, channel,
// type) whose timestamps fall within AggregationWindow of the earliest
// surviving record in that run. The merged record keeps the earliest
// event's identity and position, with meta.aggregatedCount and
// meta.firstOccurrence recorded. Returns the number of events removed.
//
// Calling Aggregate twice within the same tick without an intervening
// Push is a fixpoint: the second call returns 0 (spec §8).
func (q *Queue) Aggregate() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := 0; p < model.NumPriorities; p++ {
		q.subs[p], removed = aggregateSlice(q.subs[p], removed)
	}
	return removed
}

func aggregateSlice(events []model.Event, removed int) ([]model.Event, int) {
	if len(events) == 0 {
		return events, removed
	}
	out := make([]model.Event, 0, len(events))
	// anchor index within out for each aggregation key currently open.
	anchors := make(map[string]int)
	for _, e := range events {
		key := aggKey(e)
		if idx, ok := anchors[key]; ok {
			anchor := out[idx]
			first := anchor.Timestamp
			if anchor.Meta != nil && !anchor.Meta.FirstOccurrence.IsZero() {
				first = anchor.Meta.FirstOccurrence
			}
			if e.Timestamp.Sub(first) <= AggregationWindow {
				count := 1
				if anchor.Meta != nil {
					count = anchor.Meta.AggregatedCount
					if count == 0 {
						count = 1
					}
				}
				out[idx].Meta = &model.EventMeta{
					AggregatedCount: count + 1,
					FirstOccurrence: first,
				}
				removed++
				continue
			}
		}
		anchors[key] = len(out)
		out = append(out, e)
	}
	return out, removed
}

// Prune removes aged-out events per cfg.MaxAge/MaxPriorityToDrop, then, if
// the queue is still above cfg.EmergencyThreshold, drops all IDLE events
// and then all LOW events (in that order) until under threshold. Returns
// the number of events removed.
func (q *Queue) Prune(cfg PruneConfig) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	removed := 0

	if cfg.MaxAge > 0 {
		for p := 0; p < model.NumPriorities; p++ {
			if model.Priority(p) < cfg.MaxPriorityToDrop {
				continue
			}
			kept := q.subs[p][:0]
			for _, e := range q.subs[p] {
				if now.Sub(e.Timestamp) > cfg.MaxAge {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			q.subs[p] = kept
		}
	}

	if cfg.EmergencyThreshold <= 0 {
		return removed
	}

	total := func() int {
		t := 0
		for p := 0; p < model.NumPriorities; p++ {
			t += len(q.subs[p])
		}
		return t
	}

	for _, p := range []model.Priority{model.PriorityIdle, model.PriorityLow} {
		if total() <= cfg.EmergencyThreshold {
			break
		}
		removed += len(q.subs[p])
		q.subs[p] = nil
	}

	return removed
}
