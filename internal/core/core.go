// Package core implements the tick loop (C14): the single-logical-thread
// orchestration described in spec §4.6 that drains the priority queue,
// runs it through filters and the AUTONOMIC layer, decides whether to
// wake cognition, and advances the scheduler service — once per tick.
//
// Grounded on cmd/octoreflex/main.go's top-level run loop (ordered
// subsystem steps per iteration, context-cancellation-driven shutdown)
// and internal/kernel/events.go's goroutine-owns-its-channel convention
// applied to the core loop's own ticker goroutine.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/aggregation"
	"github.com/shady2k/lifemodel-sub006/internal/cognition"
	"github.com/shady2k/lifemodel-sub006/internal/filter"
	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/neuron"
	"github.com/shady2k/lifemodel-sub006/internal/queue"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
	"github.com/shady2k/lifemodel-sub006/internal/stress"
)

var tracer = otel.Tracer("lifemodel-sub006/core")

// EventDrainLimit is the default number of queued events converted to
// signals per tick.
const EventDrainLimit = 64

// EventToSignal maps a drained model.Event to a model.Signal deterministically.
// Grounded on spec §4.6's "drain N events ... via a deterministic mapping".
func EventToSignal(e model.Event, correlationID string) model.Signal {
	value := 0.0
	if v, ok := e.Payload["value"].(float64); ok {
		value = v
	}
	return model.Signal{
		ID:            uuid.NewString(),
		Type:          e.Type,
		Source:        string(e.Source),
		Channel:       e.Channel,
		Timestamp:     e.Timestamp,
		Priority:      e.Priority,
		Metrics:       model.SignalMetrics{Value: value, Confidence: 1},
		Data:          e.Payload,
		CorrelationID: correlationID,
		ExpiresAt:     e.Timestamp.Add(model.DefaultSignalTTL),
	}
}

// StateMutator applies a cognition/aggregation intent to agent state.
// Intents are opaque key/value deltas; the core loop applies them
// directly rather than threading a separate typed Intent object through
// every layer, since every producer in this runtime (neurons, the
// aggregation layer, cognition) already expresses its effect as "set
// this state key to this value".
type StateMutator func(state model.AgentState, intents map[string]float64)

// ApplyIntents is the default StateMutator: each intent key is written
// verbatim into state.
func ApplyIntents(state model.AgentState, intents map[string]float64) {
	for k, v := range intents {
		state[k] = v
	}
}

// Loop owns one tick of orchestration across every other component.
type Loop struct {
	Queue      *queue.Queue
	Filters    *filter.Pipeline
	Neurons    *neuron.Registry
	Aggregator *aggregation.Layer
	Acks       *ack.Registry
	Stress     *stress.Monitor
	Scheduler  *schedulersvc.Service
	Cognition  *cognition.Dispatcher
	State      model.AgentState
	Log        *zap.Logger

	DrainLimit int
	EnableSmartRetry bool

	now func() time.Time

	tickCount  uint64
	resultMu   sync.RWMutex
	lastResult TickResult
}

// New wires the tick loop from its already-constructed collaborators.
func New(q *queue.Queue, filters *filter.Pipeline, neurons *neuron.Registry, agg *aggregation.Layer, acks *ack.Registry, stressMon *stress.Monitor, sched *schedulersvc.Service, cog *cognition.Dispatcher, state model.AgentState, log *zap.Logger) *Loop {
	return &Loop{
		Queue:      q,
		Filters:    filters,
		Neurons:    neurons,
		Aggregator: agg,
		Acks:       acks,
		Stress:     stressMon,
		Scheduler:  sched,
		Cognition:  cog,
		State:      state,
		Log:        log,
		DrainLimit: EventDrainLimit,
		now:        time.Now,
	}
}

// TickResult summarizes one tick for callers (tests, metrics).
type TickResult struct {
	CorrelationID string
	SignalCount   int
	Wake          bool
	WakeReason    aggregation.WakeReason
	StressLevel   model.StressLevel
	CognitionUsed bool
}

// Tick runs one full iteration of spec §4.6. emitSignal (optional) is
// invoked for every signal pushed through the bus-facing stage, letting
// callers mirror signals onto the signal bus without the loop importing it
// directly.
func (l *Loop) Tick(ctx context.Context, lagP99Ms, cpuPercent float64, emitSignal func(model.Signal)) TickResult {
	correlationID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "core.tick", trace.WithAttributes(attribute.String("correlationId", correlationID)))
	defer span.End()

	level := l.Stress.Sample(lagP99Ms, cpuPercent)
	mask := model.TierMaskFor(level)

	l.Scheduler.ApplyPendingChanges()
	l.Neurons.ApplyPendingChanges()

	drained := make([]model.Event, 0, l.DrainLimit)
	for i := 0; i < l.DrainLimit; i++ {
		e, ok := l.Queue.Pull()
		if !ok {
			break
		}
		drained = append(drained, e)
	}

	signals := make([]model.Signal, 0, len(drained))
	for _, e := range drained {
		signals = append(signals, EventToSignal(e, correlationID))
	}

	filtered := l.Filters.Process(signals, filter.Context{CorrelationID: correlationID})

	result := TickResult{CorrelationID: correlationID, StressLevel: level}

	if mask.Autonomic {
		alertness, _ := l.State.Value("alertness")
		autonomicSignals := l.Neurons.CheckAll(l.State, alertness, correlationID)
		filtered = append(filtered, autonomicSignals...)
	}

	if emitSignal != nil {
		for _, s := range filtered {
			emitSignal(s)
		}
	}
	result.SignalCount = len(filtered)

	if mask.Aggregation {
		wake := l.Aggregator.Process(filtered, l.State)
		result.Wake = wake.Wake
		result.WakeReason = wake.Reason

		if wake.Wake && mask.Cognition && l.Cognition != nil {
			cogCtx := cognition.Context{
				Aggregates:     wake.Aggregates,
				TriggerSignals: wake.TriggerSignals,
				WakeReason:     string(wake.Reason),
				AgentState:     l.State,
				CorrelationID:  correlationID,
				RuntimeConfig:  cognition.RuntimeConfig{EnableSmartRetry: l.EnableSmartRetry && mask.Smart},
			}
			out := l.Cognition.Process(ctx, cogCtx)
			ApplyIntents(l.State, out.Intents)
			result.CognitionUsed = out.UsedSmartRetry
		}
	}

	l.Scheduler.Tick(func(s model.Signal) {
		if emitSignal != nil {
			emitSignal(s)
		}
	})

	atomic.AddUint64(&l.tickCount, 1)
	l.resultMu.Lock()
	l.lastResult = result
	l.resultMu.Unlock()

	return result
}

// TickCount returns the number of ticks completed so far. Safe for
// concurrent use while Run is driving the loop on another goroutine.
func (l *Loop) TickCount() uint64 {
	return atomic.LoadUint64(&l.tickCount)
}

// LastResult returns a copy of the most recently completed tick's result.
// Safe for concurrent use while Run is driving the loop on another goroutine.
func (l *Loop) LastResult() TickResult {
	l.resultMu.RLock()
	defer l.resultMu.RUnlock()
	return l.lastResult
}

// Run drives Tick on a fixed interval until ctx is cancelled, sampling
// stress from the provided functions each iteration. It returns when ctx
// is done, after the in-flight tick (if any) completes.
func (l *Loop) Run(ctx context.Context, interval time.Duration, sampleLag, sampleCPU func() float64, emitSignal func(model.Signal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag := 0.0
			cpu := 0.0
			if sampleLag != nil {
				lag = sampleLag()
			}
			if sampleCPU != nil {
				cpu = sampleCPU()
			}
			res := l.Tick(ctx, lag, cpu, emitSignal)
			if l.Log != nil {
				l.Log.Debug("tick complete",
					zap.String("correlationId", res.CorrelationID),
					zap.Int("signals", res.SignalCount),
					zap.Bool("wake", res.Wake),
					zap.String("stressLevel", res.StressLevel.String()))
			}
		}
	}
}
