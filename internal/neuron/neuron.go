// Package neuron implements the AUTONOMIC layer (C5): a registry of
// pluggable neurons, each emitting a signal when its tracked value
// changes significantly (per internal/changedetect), gated by a
// refractory period and named-threshold crossings.
//
// The registry itself — register/unregister and a name-keyed map guarded
// by a RWMutex — is grounded on the reference
// pack's contrib.RegisterScorer/GetScorer/ListScorers pattern
// (contrib/scorer.go), generalized from a flat register-or-panic
// contract to one that supports queued dynamic registration applied at
// the start of each tick (spec §4.5).
package neuron

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/changedetect"
	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// RequiredNeuronID is the neuron whose presence is validated at startup;
// its absence is a fatal error (spec §4.5, §6 exit codes).
const RequiredNeuronID = "alertness"

// Level names the named thresholds a neuron may additionally emit on.
type Level string

const (
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
)

// ThresholdCrossing pairs a named level with the value at or above which
// it fires, regardless of the relative-change magnitude (spec §4.5 rule 4).
type ThresholdCrossing struct {
	Level    Level
	Value    float64
	Priority model.Priority
}

// Config configures a single neuron's gating behavior.
type Config struct {
	ID               string
	SignalType       string
	Source           string
	Description      string
	StateKey         string // key read from model.AgentState
	MinIntervalMs    int64
	AlwaysEmitAbove  float64 // "always-emit" threshold for the first observation
	Change           changedetect.Params
	ThresholdCrossing []ThresholdCrossing
}

// Neuron is the capability interface spec §4.5 describes: {id, signalType,
// source, description, check, reset, getLastValue}.
type Neuron interface {
	ID() string
	SignalType() string
	Source() string
	Description() string
	Check(state model.AgentState, alertness float64, correlationID string) (*model.Signal, error)
	Reset()
	GetLastValue() float64
}

// Base is embeddable scaffolding implementing the refractory/previous-value
// bookkeeping shared by every neuron, mirroring the small mutex-guarded
// struct-with-helpers idiom of internal/escalation/state_machine.go in the
// reference pack (there used for isolation-state transitions; here for
// per-neuron emission gating).
type Base struct {
	cfg Config

	mu            sync.Mutex
	hasPrevious   bool
	previousValue float64
	lastEmittedAt time.Time
	now           func() time.Time
}

// NewBase constructs gating scaffolding for cfg. Intended to be embedded by
// concrete neuron types, or used directly via NewSimple for a neuron whose
// value is a single scalar read straight out of AgentState.
func NewBase(cfg Config) *Base {
	return &Base{cfg: cfg, now: time.Now}
}

func (b *Base) ID() string          { return b.cfg.ID }
func (b *Base) SignalType() string  { return b.cfg.SignalType }
func (b *Base) Source() string      { return b.cfg.Source }
func (b *Base) Description() string { return b.cfg.Description }

// GetLastValue returns the last value recorded by Evaluate, or 0 if none yet.
func (b *Base) GetLastValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previousValue
}

// Reset clears refractory/previous-value state.
func (b *Base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasPrevious = false
	b.previousValue = 0
	b.lastEmittedAt = time.Time{}
}

// Evaluate runs the full neuron contract (spec §4.5 rules 1-5) against the
// given current value and alertness, returning a signal iff emission is warranted.
func (b *Base) Evaluate(current, alertness float64, correlationID string) *model.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if !b.hasPrevious {
		b.hasPrevious = true
		b.previousValue = current
		if current < b.cfg.AlwaysEmitAbove {
			return nil
		}
		return b.emitLocked(current, now, correlationID, nil)
	}

	if b.cfg.MinIntervalMs > 0 && !b.lastEmittedAt.IsZero() {
		if now.Sub(b.lastEmittedAt) < time.Duration(b.cfg.MinIntervalMs)*time.Millisecond {
			b.previousValue = current
			return nil
		}
	}

	previous := b.previousValue
	result := changedetect.DetectChange(previous, current, alertness, b.cfg.Change)

	var crossing *ThresholdCrossing
	for i := range b.cfg.ThresholdCrossing {
		tc := b.cfg.ThresholdCrossing[i]
		if current >= tc.Value && previous < tc.Value {
			crossing = &b.cfg.ThresholdCrossing[i]
			break
		}
	}

	if !result.IsSignificant && crossing == nil {
		b.previousValue = current
		return nil
	}

	return b.emitLocked(current, now, correlationID, crossing)
}

func (b *Base) emitLocked(current float64, now time.Time, correlationID string, crossing *ThresholdCrossing) *model.Signal {
	priority := model.PriorityNormal
	if crossing != nil {
		priority = crossing.Priority
	}
	b.previousValue = current
	b.lastEmittedAt = now
	return &model.Signal{
		ID:            uuid.NewString(),
		Type:          b.cfg.SignalType,
		Source:        b.cfg.Source,
		Timestamp:     now,
		Priority:      priority,
		Metrics:       model.SignalMetrics{Value: current, Confidence: 1},
		CorrelationID: correlationID,
		ExpiresAt:     now.Add(model.DefaultSignalTTL),
	}
}

// Simple is a Neuron whose observed value is read straight from
// model.AgentState[cfg.StateKey].
type Simple struct {
	*Base
	stateKey string
}

// NewSimple builds a Neuron reading cfg.StateKey out of AgentState each tick.
func NewSimple(cfg Config) *Simple {
	return &Simple{Base: NewBase(cfg), stateKey: cfg.StateKey}
}

func (s *Simple) Check(state model.AgentState, alertness float64, correlationID string) (*model.Signal, error) {
	value, ok := state.Value(s.stateKey)
	if !ok {
		return nil, nil
	}
	return s.Evaluate(value, alertness, correlationID), nil
}

// Registry holds the live set of neurons plus a queue of pending
// register/unregister operations applied atomically at the start of each
// tick (spec §4.5, dynamic registration).
type Registry struct {
	mu      sync.RWMutex
	neurons map[string]Neuron
	pending []pendingOp
	log     *zap.Logger
}

type pendingOp struct {
	unregister bool
	id         string
	neuron     Neuron
}

// NewRegistry creates an empty Registry. log may be nil.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{neurons: make(map[string]Neuron), log: log}
}

// Register queues n for addition, applied at the next ApplyPendingChanges.
// A neuron already registered under the same id is replaced, not rejected.
func (r *Registry) Register(n Neuron) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingOp{id: n.ID(), neuron: n})
}

// Unregister queues id for removal, applied at the next ApplyPendingChanges.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingOp{unregister: true, id: id})
}

// ApplyPendingChanges drains the pending queue, mutating the live set.
// Must be called at the start of each tick, before CheckAll.
func (r *Registry) ApplyPendingChanges() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.pending {
		if op.unregister {
			delete(r.neurons, op.id)
			continue
		}
		r.neurons[op.id] = op.neuron
	}
	r.pending = nil
}

// ValidateRequiredNeurons returns an error if RequiredNeuronID is not
// registered. Call after initial plugin load (spec §4.5); the caller must
// treat a non-nil error as fatal.
func (r *Registry) ValidateRequiredNeurons() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.neurons[RequiredNeuronID]; !ok {
		return model.NewError(model.ErrValidationFailed,
			"required neuron %q is not registered", RequiredNeuronID)
	}
	return nil
}

// CheckAll runs every registered neuron's Check, collecting emitted
// signals. A neuron error (panic recovered, or returned error) is logged
// and does not interrupt the others (spec §4.5).
func (r *Registry) CheckAll(state model.AgentState, alertness float64, correlationID string) []model.Signal {
	r.mu.RLock()
	neurons := make([]Neuron, 0, len(r.neurons))
	for _, n := range r.neurons {
		neurons = append(neurons, n)
	}
	r.mu.RUnlock()

	signals := make([]model.Signal, 0, len(neurons))
	for _, n := range neurons {
		sig, err := safeCheck(n, state, alertness, correlationID)
		if err != nil {
			r.log.Error("neuron check failed", zap.String("neuronId", n.ID()), zap.Error(err))
			continue
		}
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func safeCheck(n Neuron, state model.AgentState, alertness float64, correlationID string) (sig *model.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("neuron %s panicked: %v", n.ID(), r)
		}
	}()
	return n.Check(state, alertness, correlationID)
}

// Get returns the currently-registered neuron with id, if any.
func (r *Registry) Get(id string) (Neuron, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.neurons[id]
	return n, ok
}

// List returns the ids of all currently-registered neurons.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.neurons))
	for id := range r.neurons {
		ids = append(ids, id)
	}
	return ids
}
