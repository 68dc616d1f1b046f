package cognition

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCollaborator struct {
	steps []Step
	calls int
	err   error
}

func (s *scriptedCollaborator) NextStep(ctx context.Context, cogCtx Context, modelTier string, history []ToolResult) (Step, error) {
	if s.err != nil {
		return Step{}, s.err
	}
	if s.calls >= len(s.steps) {
		return Step{}, errors.New("scripted collaborator exhausted")
	}
	step := s.steps[s.calls]
	s.calls++
	return step, nil
}

func respondFinal(confidence float64) *FinalPayload {
	return &FinalPayload{
		Type: FinalRespond,
		Respond: &Response{
			Text:               "hello",
			ConversationStatus: StatusActive,
			Confidence:         confidence,
		},
	}
}

func TestProcessReturnsHighConfidenceFinalDirectly(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: respondFinal(0.9)}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base"})

	out := d.Process(context.Background(), Context{RuntimeConfig: RuntimeConfig{EnableSmartRetry: true}})
	require.NotNil(t, out.Response)
	assert.Equal(t, 0.9, out.Confidence)
	assert.False(t, out.UsedSmartRetry)
	assert.Equal(t, 1, collab.calls)
}

func TestProcessRetriesOnLowConfidenceWhenEnabled(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: respondFinal(0.3)}, {Final: respondFinal(0.8)}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base", SmartModelTier: "smart"})

	out := d.Process(context.Background(), Context{RuntimeConfig: RuntimeConfig{EnableSmartRetry: true}})
	require.NotNil(t, out.Response)
	assert.Equal(t, 0.8, out.Confidence)
	assert.True(t, out.UsedSmartRetry)
	assert.Equal(t, 2, collab.calls)
}

func TestProcessDoesNotRetryWhenSmartRetryDisabled(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: respondFinal(0.3)}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base", SmartModelTier: "smart"})

	out := d.Process(context.Background(), Context{RuntimeConfig: RuntimeConfig{EnableSmartRetry: false}})
	require.NotNil(t, out.Response)
	assert.Equal(t, 0.3, out.Confidence)
	assert.False(t, out.UsedSmartRetry)
	assert.Equal(t, 1, collab.calls)
}

func TestProcessRunsToolCallsBeforeFinal(t *testing.T) {
	executed := false
	collab := &scriptedCollaborator{steps: []Step{
		{ToolCall: &ToolCall{Tool: "read_state", Args: map[string]any{"key": "energy"}}},
		{Final: respondFinal(0.95)},
	}}
	d := New(Config{
		Collaborator:     collab,
		DefaultModelTier: "base",
		Tools: map[string]Tool{
			"read_state": {
				Validate: func(args map[string]any) error {
					if _, ok := args["key"]; !ok {
						return errors.New("missing key")
					}
					return nil
				},
				Execute: func(ctx context.Context, args map[string]any) (map[string]any, error) {
					executed = true
					return map[string]any{"value": 0.5}, nil
				},
			},
		},
	})

	out := d.Process(context.Background(), Context{})
	assert.True(t, executed)
	require.NotNil(t, out.Response)
}

func TestInvokeToolSurfacesValidationFailureWithoutExecuting(t *testing.T) {
	executed := false
	d := New(Config{Tools: map[string]Tool{
		"schedule": {
			Validate: func(args map[string]any) error { return errors.New("bad args") },
			Execute: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				executed = true
				return nil, nil
			},
		},
	}})

	result := d.invokeTool(context.Background(), ToolCall{Tool: "schedule"})
	assert.False(t, executed)
	assert.Contains(t, result.Error, "validation_failed")
}

func TestMalformedFinalReturnsNilResponseAndZeroConfidence(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: &FinalPayload{Type: "bogus"}}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base"})

	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 0.0, out.Confidence)
}

func TestRespondFinalMissingRespondFieldIsMalformed(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: &FinalPayload{Type: FinalRespond}}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base"})

	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 0.0, out.Confidence)
}

func TestNoActionAndDeferFinalsCarryNoResponse(t *testing.T) {
	collab := &scriptedCollaborator{steps: []Step{{Final: &FinalPayload{Type: FinalNoAction}}}}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base"})

	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 0.0, out.Confidence)
}

func TestCollaboratorErrorYieldsNilResponse(t *testing.T) {
	collab := &scriptedCollaborator{err: errors.New("boom")}
	d := New(Config{Collaborator: collab, DefaultModelTier: "base"})

	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 0.0, out.Confidence)
}

func TestToolLoopBoundedWhenNeverTerminal(t *testing.T) {
	collab := &infiniteToolCollaborator{}
	d := New(Config{
		Collaborator:      collab,
		DefaultModelTier:  "base",
		MaxToolIterations: 3,
		Tools: map[string]Tool{
			"noop": {Execute: func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil }},
		},
	})

	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 3, collab.calls)
}

type infiniteToolCollaborator struct{ calls int }

func (c *infiniteToolCollaborator) NextStep(ctx context.Context, cogCtx Context, modelTier string, history []ToolResult) (Step, error) {
	c.calls++
	return Step{ToolCall: &ToolCall{Tool: "noop"}}, nil
}

func TestNilCollaboratorReturnsEmptyOutput(t *testing.T) {
	d := New(Config{})
	out := d.Process(context.Background(), Context{})
	assert.Nil(t, out.Response)
	assert.Equal(t, 0.0, out.Confidence)
}
