// Package integration drives the core loop across several ticks with real
// (non-mocked) subsystems wired together, the same "run the engine forward
// and assert on the resulting state" shape as the reference pack's
// escalation integration tests, adapted from process-state transitions to
// this runtime's wake/stress/intent semantics.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/aggregation"
	"github.com/shady2k/lifemodel-sub006/internal/changedetect"
	"github.com/shady2k/lifemodel-sub006/internal/cognition"
	"github.com/shady2k/lifemodel-sub006/internal/core"
	"github.com/shady2k/lifemodel-sub006/internal/filter"
	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/neuron"
	"github.com/shady2k/lifemodel-sub006/internal/queue"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
	"github.com/shady2k/lifemodel-sub006/internal/stress"
)

// respondingCollaborator always terminates on its first step with a fixed
// confidence and intents, standing in for an external LLM collaborator.
type respondingCollaborator struct {
	confidence float64
	intents    map[string]float64
}

func (c *respondingCollaborator) NextStep(ctx context.Context, cogCtx cognition.Context, modelTier string, history []cognition.ToolResult) (cognition.Step, error) {
	return cognition.Step{Final: &cognition.FinalPayload{
		Type:    cognition.FinalRespond,
		Intents: c.intents,
		Respond: &cognition.Response{
			Text:               "acknowledged",
			ConversationStatus: cognition.StatusActive,
			Confidence:         c.confidence,
		},
	}}, nil
}

func buildLoop(t *testing.T, collab cognition.Collaborator, state model.AgentState) (*core.Loop, *queue.Queue, *neuron.Registry) {
	t.Helper()
	q := queue.New()

	// Heart-rate neuron: fires when state["heart_rate"] moves enough,
	// with a named "high" threshold crossing at 110 bpm.
	neurons := neuron.NewRegistry(zap.NewNop())
	neurons.Register(neuron.NewSimple(neuron.Config{
		ID:            "alertness",
		SignalType:    "alertness",
		Source:        "internal",
		StateKey:      "alertness",
		MinIntervalMs: 0,
		Change:        changedetect.Params{MinAbsoluteChange: 0.01, BaseThreshold: 0.1, AlertnessInfluence: 0.5, MaxThreshold: 1},
	}))
	neurons.Register(neuron.NewSimple(neuron.Config{
		ID:            "heart_rate",
		SignalType:    "heart_rate",
		Source:        "sensor",
		StateKey:      "heart_rate",
		MinIntervalMs: 0,
		Change:        changedetect.Params{MinAbsoluteChange: 1, BaseThreshold: 0.05, AlertnessInfluence: 0.5, MaxThreshold: 1},
		ThresholdCrossing: []neuron.ThresholdCrossing{
			{Level: neuron.LevelHigh, Value: 110, Priority: model.PriorityHigh},
		},
	}))
	require.NoError(t, neurons.ValidateRequiredNeurons())

	pipeline := filter.New()
	acks := ack.New()
	agg := aggregation.New(aggregation.DefaultThresholds(), acks)
	stressMon := stress.New(stress.DefaultConfig())
	sched := schedulersvc.New(zap.NewNop(), schedulersvc.DefaultMaxFiresPerTick)
	cog := cognition.New(cognition.Config{Collaborator: collab, DefaultModelTier: "base"})

	return core.New(q, pipeline, neurons, agg, acks, stressMon, sched, cog, state, zap.NewNop()), q, neurons
}

// TestMultiTickConversationWakesAndAppliesIntents simulates a short
// conversation: a user message arrives, cognition wakes and responds with
// an energy-spending intent, and the resulting state change is visible on
// the next tick.
func TestMultiTickConversationWakesAndAppliesIntents(t *testing.T) {
	collab := &respondingCollaborator{confidence: 0.95, intents: map[string]float64{"energy": 0.4}}
	state := model.AgentState{"alertness": 0.5, "energy": 0.9, "heart_rate": 70}
	loop, q, _ := buildLoop(t, collab, state)

	var emitted []model.Signal
	emit := func(s model.Signal) { emitted = append(emitted, s) }

	// Tick 1: queue empty, quiet tick.
	res := loop.Tick(context.Background(), 5, 10, emit)
	assert.Equal(t, model.StressNormal, res.StressLevel)
	assert.False(t, res.Wake)

	// Tick 2: a user message arrives and wakes cognition.
	q.Push(model.Event{
		ID: "msg-1", Source: model.SourceCommunication, Type: "user_message",
		Priority: model.PriorityHigh, Timestamp: time.Now(),
		Payload: map[string]any{"value": 1.0},
	})
	res = loop.Tick(context.Background(), 5, 10, emit)
	require.True(t, res.Wake)
	assert.Equal(t, aggregation.ReasonUserMessage, res.WakeReason)

	v, ok := loop.State.Value("energy")
	require.True(t, ok)
	assert.Equal(t, 0.4, v)

	// Tick 3: quiet again, no further wake, state change persists.
	res = loop.Tick(context.Background(), 5, 10, emit)
	assert.False(t, res.Wake)
	v, _ = loop.State.Value("energy")
	assert.Equal(t, 0.4, v)
}

// TestAutonomicNeuronFiresUnderStress verifies the
// AUTONOMIC layer keeps firing (and the scheduler keeps ticking) even once
// stress has climbed high enough to disable cognition, per the degradation
// controller's tier mask (spec §4.8): autonomic and scheduler keep running
// at every stress level, only aggregation/cognition/smart get shed.
func TestAutonomicNeuronFiresUnderStress(t *testing.T) {
	collab := &respondingCollaborator{confidence: 0.9, intents: map[string]float64{"should_not_apply": 1}}
	state := model.AgentState{"alertness": 0.5, "heart_rate": 70}
	loop, q, _ := buildLoop(t, collab, state)

	q.Push(model.Event{
		ID: "e1", Source: model.SourceCommunication, Type: "user_message",
		Priority: model.PriorityHigh, Timestamp: time.Now(),
	})

	var emitted []model.Signal
	emit := func(s model.Signal) { emitted = append(emitted, s) }

	// lag=300ms crosses the "high" threshold: aggregation can still wake,
	// but mask.Cognition is false so the dispatcher is never invoked — the
	// heart-rate neuron's first-observation always-emit still fires since
	// the autonomic tier runs at every stress level.
	res := loop.Tick(context.Background(), 300, 10, emit)
	assert.Equal(t, model.StressHigh, res.StressLevel)

	_, applied := loop.State.Value("should_not_apply")
	assert.False(t, applied, "cognition intents must not apply while mask.Cognition is gated off")

	var sawHeartRate bool
	for _, s := range emitted {
		if s.Type == "heart_rate" {
			sawHeartRate = true
		}
	}
	assert.True(t, sawHeartRate, "autonomic neuron should still emit while cognition is gated off")
}
