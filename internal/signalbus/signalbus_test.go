package signalbus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

func mkSignal(typ, source string, pri model.Priority) model.Signal {
	return model.Signal{ID: "s", Type: typ, Source: source, Priority: pri, Timestamp: time.Now()}
}

func mkChannelSignal(typ, source, channel string) model.Signal {
	s := mkSignal(typ, source, model.PriorityNormal)
	s.Channel = channel
	return s
}

func TestPublishMatchesFilter(t *testing.T) {
	b := New(nil)
	var got int32
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 1) }, Filter{Type: "contact_pressure"})
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 100) }, Filter{Type: "other"})

	delivered := b.Publish(mkSignal("contact_pressure", "autonomic", model.PriorityNormal))
	assert.Equal(t, 1, delivered)
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestPublishMinPriority(t *testing.T) {
	b := New(nil)
	var got int32
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 1) },
		Filter{HasMinPriority: true, MinPriority: model.PriorityHigh})

	// NORMAL (2) is lower priority than HIGH (1) threshold -> should not match.
	b.Publish(mkSignal("x", "y", model.PriorityNormal))
	assert.EqualValues(t, 0, atomic.LoadInt32(&got))

	// CRITICAL (0) outranks HIGH -> should match.
	b.Publish(mkSignal("x", "y", model.PriorityCritical))
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestPublishMatchesChannel(t *testing.T) {
	b := New(nil)
	var got int32
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 1) }, Filter{Channel: "telegram"})
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 100) }, Filter{Channel: "slack"})

	delivered := b.Publish(mkChannelSignal("user_message", "communication", "telegram"))
	assert.Equal(t, 1, delivered)
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	var got int32
	id := b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 1) }, Filter{})
	b.Unsubscribe(id)
	b.Publish(mkSignal("x", "y", model.PriorityNormal))
	assert.EqualValues(t, 0, atomic.LoadInt32(&got))
}

func TestHandlerPanicDoesNotInterruptOthers(t *testing.T) {
	b := New(nil)
	var got int32
	b.Subscribe(func(model.Signal) { panic("boom") }, Filter{})
	b.Subscribe(func(model.Signal) { atomic.AddInt32(&got, 1) }, Filter{})
	delivered := b.Publish(mkSignal("x", "y", model.PriorityNormal))
	assert.Equal(t, 2, delivered)
	assert.EqualValues(t, 1, atomic.LoadInt32(&got))
}
