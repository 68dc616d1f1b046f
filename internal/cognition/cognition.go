// Package cognition implements the cognition dispatcher (C15): the
// contract-only tool loop described in spec §4.9. It orchestrates an LLM
// collaborator through named, schema-validated tools until a terminal
// "final" tool call ends the loop, retries once with a higher-capability
// model when confidence is low, and never lets a malformed terminal
// payload leak partial or raw output to the caller.
//
// The ordered validate-then-act shape (schema check before execution,
// reject deterministically on the first violation) is grounded on the
// reference pack's internal/governance/constitutional.go ValidateDecision:
// a fixed sequence of named checks run in order, the first violation
// short-circuiting the rest.
package cognition

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

var tracer = otel.Tracer("lifemodel-sub006/cognition")

// DefaultConfidenceFloor is the threshold below which a smart retry is
// attempted when enabled (spec §4.9).
const DefaultConfidenceFloor = 0.6

// DefaultMaxToolIterations bounds the tool loop so a collaborator that
// never reaches a terminal call cannot spin the core loop forever.
const DefaultMaxToolIterations = 12

// ConversationStatus enumerates the terminal "respond" payload's status field.
type ConversationStatus string

const (
	StatusActive         ConversationStatus = "active"
	StatusAwaitingAnswer ConversationStatus = "awaiting_answer"
	StatusClosed         ConversationStatus = "closed"
	StatusIdle           ConversationStatus = "idle"
)

// FinalType enumerates the terminal tool's discriminated payload kinds.
type FinalType string

const (
	FinalRespond  FinalType = "respond"
	FinalNoAction FinalType = "no_action"
	FinalDefer    FinalType = "defer"
)

// RuntimeConfig is the subset of runtime configuration the dispatcher
// contract exposes to collaborators.
type RuntimeConfig struct {
	EnableSmartRetry bool
}

// Context is the input to Process (spec §4.9's CognitionContext).
type Context struct {
	Aggregates     []model.SignalAggregate
	TriggerSignals []model.Signal
	WakeReason     string
	AgentState     model.AgentState
	CorrelationID  string
	RuntimeConfig  RuntimeConfig
}

// Response is the "respond" final payload.
type Response struct {
	Text               string
	ConversationStatus ConversationStatus
	Confidence         float64
}

// FinalPayload is the terminal tool's discriminated output.
type FinalPayload struct {
	Type     FinalType
	Respond  *Response
	Intents  map[string]float64
}

// Output is what Process returns (spec §4.9).
type Output struct {
	Confidence     float64
	Response       *Response
	Intents        map[string]float64
	UsedSmartRetry bool
}

// Tool is one named, schema-validated capability exposed to the collaborator.
type Tool struct {
	Name     string
	Validate func(args map[string]any) error
	Execute  func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ToolCall is one step the collaborator requests.
type ToolCall struct {
	Tool string
	Args map[string]any
}

// ToolResult is fed back to the collaborator after a tool call executes
// (or fails schema validation).
type ToolResult struct {
	Tool  string
	Data  map[string]any
	Error string
}

// Step is either a ToolCall or a terminal Final, never both.
type Step struct {
	ToolCall *ToolCall
	Final    *FinalPayload
}

// Collaborator is the pluggable LLM-facing boundary: given the
// cognition context, the model tier to use, and the transcript of tool
// results so far, it returns the next step. Implementations own prompt
// construction and the actual model call; the dispatcher owns validation,
// execution, and the terminal/retry contract.
type Collaborator interface {
	NextStep(ctx context.Context, cogCtx Context, modelTier string, history []ToolResult) (Step, error)
}

// Config wires a Dispatcher.
type Config struct {
	Collaborator      Collaborator
	Tools             map[string]Tool
	DefaultModelTier  string
	SmartModelTier    string
	MaxToolIterations int
	Log               *zap.Logger
}

// Dispatcher is the cognition dispatcher (C15).
type Dispatcher struct {
	collaborator      Collaborator
	tools             map[string]Tool
	defaultModelTier  string
	smartModelTier    string
	maxToolIterations int
	log               *zap.Logger
}

// New constructs a Dispatcher from cfg, applying defaults for zero fields.
func New(cfg Config) *Dispatcher {
	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxToolIterations
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = make(map[string]Tool)
	}
	return &Dispatcher{
		collaborator:      cfg.Collaborator,
		tools:             tools,
		defaultModelTier:  cfg.DefaultModelTier,
		smartModelTier:    cfg.SmartModelTier,
		maxToolIterations: maxIter,
		log:               log,
	}
}

// Process runs the tool loop to a terminal result, retrying once with the
// smart model tier if confidence is below DefaultConfidenceFloor and
// enableSmartRetry is set (spec §4.9).
func (d *Dispatcher) Process(ctx context.Context, cogCtx Context) Output {
	ctx, span := tracer.Start(ctx, "cognition.process", trace.WithAttributes(
		attribute.String("correlationId", cogCtx.CorrelationID),
		attribute.String("wakeReason", cogCtx.WakeReason),
	))
	defer span.End()

	if d.collaborator == nil {
		return Output{Response: nil, Confidence: 0}
	}

	final, err := d.runToolLoop(ctx, cogCtx, d.defaultModelTier)
	if err != nil {
		d.log.Error("cognition tool loop failed", zap.Error(err), zap.String("correlationId", cogCtx.CorrelationID))
		return Output{Response: nil, Confidence: 0}
	}

	out := toOutput(final)

	if out.Confidence < DefaultConfidenceFloor && cogCtx.RuntimeConfig.EnableSmartRetry && d.smartModelTier != "" {
		retryFinal, err := d.runToolLoop(ctx, cogCtx, d.smartModelTier)
		if err != nil {
			d.log.Error("cognition smart retry failed", zap.Error(err), zap.String("correlationId", cogCtx.CorrelationID))
			return out
		}
		out = toOutput(retryFinal)
		out.UsedSmartRetry = true
	}
	return out
}

// toOutput converts a validated FinalPayload into the dispatcher's
// public Output, leaving Response nil for non-respond terminal types.
func toOutput(final *FinalPayload) Output {
	if final == nil {
		return Output{Response: nil, Confidence: 0}
	}
	out := Output{Intents: final.Intents}
	if final.Type == FinalRespond && final.Respond != nil {
		out.Response = final.Respond
		out.Confidence = final.Respond.Confidence
	}
	return out
}

// runToolLoop drives the collaborator through validated tool calls until
// it returns a terminal step or the iteration bound is hit. Malformed
// terminal output — an unrecognized Type, or type=respond with a nil
// Respond — returns a nil FinalPayload rather than surfacing partial data.
func (d *Dispatcher) runToolLoop(ctx context.Context, cogCtx Context, modelTier string) (*FinalPayload, error) {
	var history []ToolResult
	for i := 0; i < d.maxToolIterations; i++ {
		step, err := d.collaborator.NextStep(ctx, cogCtx, modelTier, history)
		if err != nil {
			return nil, fmt.Errorf("cognition: collaborator step: %w", err)
		}

		if step.Final != nil {
			return validateFinal(step.Final), nil
		}

		if step.ToolCall == nil {
			return nil, fmt.Errorf("cognition: collaborator returned neither a tool call nor a final payload")
		}

		result := d.invokeTool(ctx, *step.ToolCall)
		history = append(history, result)
	}
	d.log.Warn("cognition tool loop exceeded max iterations without a terminal call",
		zap.Int("maxIterations", d.maxToolIterations), zap.String("correlationId", cogCtx.CorrelationID))
	return nil, nil
}

// invokeTool validates a tool call's arguments against its declared
// schema before executing it. Validation and execution failures are
// both surfaced to the collaborator as a retryable ToolResult.Error,
// never as a panic or an unwound error (spec §4.9, §7 tool_invocation_error).
func (d *Dispatcher) invokeTool(ctx context.Context, call ToolCall) ToolResult {
	tool, ok := d.tools[call.Tool]
	if !ok {
		return ToolResult{Tool: call.Tool, Error: fmt.Sprintf("unknown tool %q", call.Tool)}
	}
	if tool.Validate != nil {
		if err := tool.Validate(call.Args); err != nil {
			return ToolResult{Tool: call.Tool, Error: fmt.Sprintf("validation_failed: %v", err)}
		}
	}
	if tool.Execute == nil {
		return ToolResult{Tool: call.Tool, Error: "tool has no executor"}
	}
	data, err := tool.Execute(ctx, call.Args)
	if err != nil {
		return ToolResult{Tool: call.Tool, Error: fmt.Sprintf("tool_invocation_error: %v", err)}
	}
	return ToolResult{Tool: call.Tool, Data: data}
}

// validateFinal rejects a terminal payload that does not match one of
// the three discriminated kinds, or a respond payload missing its
// Response, returning nil (malformed_response) instead.
func validateFinal(f *FinalPayload) *FinalPayload {
	switch f.Type {
	case FinalRespond:
		if f.Respond == nil {
			return nil
		}
		if f.Respond.Confidence < 0 || f.Respond.Confidence > 1 {
			return nil
		}
		switch f.Respond.ConversationStatus {
		case StatusActive, StatusAwaitingAnswer, StatusClosed, StatusIdle:
		default:
			return nil
		}
		return f
	case FinalNoAction, FinalDefer:
		return f
	default:
		return nil
	}
}
