// Package signalbus implements the signal bus (C3): subscription-filtered
// pub/sub delivery of model.Signal values, with concurrent, isolated
// handler dispatch.
//
// The subscriber bookkeeping is adapted from the nil-safe Bus in the
// reference pack (other_examples/.../nugget-thane-ai-agent's internal/events
// bus), a map of channels with non-blocking delivery: this package keeps a
// map of subscriptions but replaces the broadcast-to-every-subscriber model
// with filter-matched delivery to handler functions, and Publish waits
// until every matched handler has returned, since spec
// §4.3 requires per-subscription (source/channel/type/minPriority) filters
// rather than a single fan-out stream.
package signalbus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// Filter restricts which signals a subscription receives. A zero-value
// field is a wildcard for that dimension. MinPriority is enforced only
// when HasMinPriority is set; then a signal whose priority number is
// greater than MinPriority (lower numbers are higher priority) is rejected.
type Filter struct {
	Source         string
	Channel        string
	Type           string
	MinPriority    model.Priority
	HasMinPriority bool
}

// Matches reports whether s satisfies f.
func (f Filter) Matches(s model.Signal) bool {
	if f.Source != "" && f.Source != s.Source {
		return false
	}
	if f.Channel != "" && f.Channel != s.Channel {
		return false
	}
	if f.Type != "" && f.Type != s.Type {
		return false
	}
	if f.HasMinPriority && s.Priority > f.MinPriority {
		return false
	}
	return true
}

// Handler processes a delivered signal. Handlers may do synchronous or
// asynchronous work internally; the bus always invokes them on their own
// goroutine so a slow handler cannot delay other subscribers.
type Handler func(model.Signal)

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Bus is the signal bus described in spec §4.3. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscription
	log  *zap.Logger
}

// New creates an empty Bus. log may be nil, in which case a no-op logger is used.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[string]subscription), log: log}
}

// Subscribe registers handler to receive signals matching filter and
// returns a subscription id for later Unsubscribe.
func (b *Bus) Subscribe(handler Handler, filter Filter) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = subscription{id: id, filter: filter, handler: handler}
	return id
}

// Unsubscribe removes a subscription. No-op if subID is unknown.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subID)
}

// Publish delivers signal to every matching subscription concurrently.
// Handler panics/errors are recovered and logged; they never interrupt
// other deliveries or fail Publish. Returns the number of handlers
// the signal was dispatched to.
func (b *Bus) Publish(signal model.Signal) int {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(signal) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("signal bus handler panicked",
						zap.String("subId", sub.id),
						zap.Any("recover", r))
				}
			}()
			sub.handler(signal)
		}(sub)
	}
	wg.Wait()
	return len(matched)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
