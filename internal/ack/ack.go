// Package ack implements the ack registry (C8): an explicit record that
// a signal class (type, optional source) is handled, deferred, or
// suppressed, with override-by-delta for deferred acks and transient
// clearing for handled acks.
//
// The pin/unpin-style override keyed lookup is grounded on the reference
// pack's internal/operator/server.go StateRegistry (PinState/UnpinState/
// IsPinned): an ack is, structurally, the same kind of "operator or
// plugin override of default behavior, keyed by an identity, until
// explicitly cleared" — here keyed by (signalType, source) rather than
// by PID, and with a value-delta override condition instead of an
// explicit unpin call.
package ack

import (
	"sync"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// DefaultOverrideDelta is the default magnitude of change in the tracked
// value that overrides a deferred ack (spec §9, pinned to avoid drift).
const DefaultOverrideDelta = 0.25

func key(signalType, source string) string {
	return signalType + "\x00" + source
}

// Registry holds active acks keyed by (signalType, source).
type Registry struct {
	mu   sync.Mutex
	acks map[string]model.Ack
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{acks: make(map[string]model.Ack)}
}

// Set installs or replaces the ack for (ack.SignalType, ack.Source).
// OverrideDelta defaults to DefaultOverrideDelta when zero and the ack is deferred.
func (r *Registry) Set(a model.Ack) {
	if a.AckType == model.AckDeferred && a.OverrideDelta == 0 {
		a.OverrideDelta = DefaultOverrideDelta
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks[key(a.SignalType, a.Source)] = a
}

// Clear removes any ack for (signalType, source).
func (r *Registry) Clear(signalType, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.acks, key(signalType, source))
}

// Disposition is the effective gating decision for a signal given the
// ack registry's current state.
type Disposition int

const (
	// DispositionNone means no ack blocks this signal.
	DispositionNone Disposition = iota
	// DispositionSuppressed means the signal must not wake cognition.
	DispositionSuppressed
	// DispositionOverridden means a deferred ack existed but the value
	// moved past overrideDelta, so the ack no longer blocks this signal.
	DispositionOverridden
)

// Evaluate applies spec §4.7 rule 2 to signal: looks up the ack for
// (signal.Type, signal.Source) — falling back to a source-less ack
// registered for the type alone — and returns the disposition plus
// whether the ack (if any) should now be cleared as a side effect
// (handled acks clear on first read; overridden deferred acks clear too).
func (r *Registry) Evaluate(signal model.Signal) (Disposition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.acks[key(signal.Type, signal.Source)]
	if !ok {
		a, ok = r.acks[key(signal.Type, "")]
	}
	if !ok {
		return DispositionNone, false
	}

	switch a.AckType {
	case model.AckHandled:
		delete(r.acks, key(a.SignalType, a.Source))
		return DispositionNone, true
	case model.AckSuppressed:
		return DispositionSuppressed, false
	case model.AckDeferred:
		delta := a.OverrideDelta
		if delta == 0 {
			delta = DefaultOverrideDelta
		}
		if absDiff(signal.Metrics.Value, a.ValueAtAck) >= delta {
			delete(r.acks, key(a.SignalType, a.Source))
			return DispositionOverridden, true
		}
		return DispositionSuppressed, false
	default:
		return DispositionNone, false
	}
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// Get returns the currently-installed ack for (signalType, source), if any.
func (r *Registry) Get(signalType, source string) (model.Ack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.acks[key(signalType, source)]
	return a, ok
}
