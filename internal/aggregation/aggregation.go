// Package aggregation implements the aggregation layer (C7): it keeps a
// running SignalAggregate per (type, source), prunes expired signals,
// and decides whether the tick should wake cognition, and why.
//
// The ordered, first-match wake-rule evaluation mirrors the reference
// pack's internal/escalation/severity.go TargetState: a fixed, sequential
// list of named conditions evaluated highest-priority-first, returning
// the first one that matches, rather than a weighted/summed score.
package aggregation

import (
	"time"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// WakeReason names which rule in Thresholds triggered a wake.
type WakeReason string

const (
	ReasonUserMessage    WakeReason = "user_message"
	ReasonThresholdCross WakeReason = "threshold_crossed"
	ReasonPatternBreak   WakeReason = "pattern_break"
	ReasonScheduledEvent WakeReason = "scheduled_event"
)

// Thresholds configures the wake rules (spec §4.7), consolidated into one
// config block per the spec's own §9 suggestion.
type Thresholds struct {
	ContactPressure         float64
	SocialDebt              float64
	PatternBreakSensitivity float64
	LowEnergyMultiplier     float64
	LowEnergyThreshold      float64
}

// DefaultThresholds returns the spec's literal default values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ContactPressure:         0.35,
		SocialDebt:              0.5,
		PatternBreakSensitivity: 1.0,
		LowEnergyMultiplier:     1.3,
		LowEnergyThreshold:      0.3,
	}
}

// WakeResult is returned by Process.
type WakeResult struct {
	Wake           bool
	Reason         WakeReason
	Aggregates     []model.SignalAggregate
	TriggerSignals []model.Signal
}

// Layer is the aggregation layer described in spec §4.7.
type Layer struct {
	thresholds Thresholds
	acks       *ack.Registry
	aggregates map[string]model.SignalAggregate // key: type+"\x00"+source
	now        func() time.Time
}

// New creates a Layer backed by acks for override/suppression decisions.
func New(thresholds Thresholds, acks *ack.Registry) *Layer {
	return &Layer{
		thresholds: thresholds,
		acks:       acks,
		aggregates: make(map[string]model.SignalAggregate),
		now:        time.Now,
	}
}

func aggKey(typ, source string) string { return typ + "\x00" + source }

// update folds signal into its (type, source) aggregate and returns the
// updated aggregate.
func (l *Layer) update(s model.Signal) model.SignalAggregate {
	key := aggKey(s.Type, s.Source)
	agg, ok := l.aggregates[key]
	if !ok {
		agg = model.SignalAggregate{
			Type:        s.Type,
			Source:      s.Source,
			FirstSeenAt: s.Timestamp,
		}
	}
	agg.PreviousValue = agg.CurrentValue
	agg.CurrentValue = s.Metrics.Value
	agg.RateOfChange = agg.CurrentValue - agg.PreviousValue
	agg.SampleCount++
	agg.LastSeenAt = s.Timestamp
	l.aggregates[key] = agg
	return agg
}

// Expired-signal pruning: the spec prunes
// *signals*, not aggregates; since this layer only retains aggregates
// (not raw signal history), "pruning expired signals" is implemented as
// not considering an expired signal during Process at all (see below),
// and pruneStaleAggregates removes aggregates that have not been touched
// since before cutoff, bounding unbounded memory growth across (type,
// source) pairs that stop producing signals.
func (l *Layer) pruneStaleAggregates(cutoff time.Time) {
	for key, agg := range l.aggregates {
		if agg.LastSeenAt.Before(cutoff) {
			delete(l.aggregates, key)
		}
	}
}

// Process updates aggregates for every non-expired signal, then applies
// the spec §4.7 wake rules in order; the first matching rule determines
// the result. Expired signals are dropped before aggregation.
func (l *Layer) Process(signals []model.Signal, state model.AgentState) WakeResult {
	now := l.now()

	live := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Expired(now) {
			continue
		}
		live = append(live, s)
		l.update(s)
	}

	lowEnergy := false
	if energy, ok := state.Value("energy"); ok && energy < l.thresholds.LowEnergyThreshold {
		lowEnergy = true
	}
	multiplier := 1.0
	if lowEnergy {
		multiplier = l.thresholds.LowEnergyMultiplier
	}

	snapshot := l.snapshot()

	// Rule 1: any user_message signal always wakes.
	for _, s := range live {
		if s.Type == "user_message" {
			return WakeResult{Wake: true, Reason: ReasonUserMessage, Aggregates: snapshot, TriggerSignals: []model.Signal{s}}
		}
	}

	// ackGated reports whether s is suppressed by an ack override; it
	// centralizes rule 2's gating so rules 3-5 below share it.
	ackGated := func(s model.Signal) bool {
		if l.acks == nil {
			return false
		}
		disp, _ := l.acks.Evaluate(s)
		return disp == ack.DispositionSuppressed
	}

	// Rule 3: contact_pressure threshold crossing, full pass before rule 4.
	for _, s := range live {
		if s.Type != "contact_pressure" || ackGated(s) {
			continue
		}
		if s.Metrics.Value >= l.thresholds.ContactPressure*multiplier {
			return WakeResult{Wake: true, Reason: ReasonThresholdCross, Aggregates: snapshot, TriggerSignals: []model.Signal{s}}
		}
	}

	// Rule 4: social_debt threshold crossing, full pass before rule 5.
	for _, s := range live {
		if s.Type != "social_debt" || ackGated(s) {
			continue
		}
		if s.Metrics.Value >= l.thresholds.SocialDebt*multiplier {
			return WakeResult{Wake: true, Reason: ReasonThresholdCross, Aggregates: snapshot, TriggerSignals: []model.Signal{s}}
		}
	}

	// Rule 5: pattern_break threshold crossing, full pass before rule 6.
	for _, s := range live {
		if s.Type != "pattern_break" || ackGated(s) {
			continue
		}
		if s.Metrics.Value >= l.thresholds.PatternBreakSensitivity {
			return WakeResult{Wake: true, Reason: ReasonPatternBreak, Aggregates: snapshot, TriggerSignals: []model.Signal{s}}
		}
	}

	// Rule 6: scheduled plugin-event signals always wake.
	for _, s := range live {
		if s.Type == "plugin_event" {
			return WakeResult{Wake: true, Reason: ReasonScheduledEvent, Aggregates: snapshot, TriggerSignals: []model.Signal{s}}
		}
	}

	return WakeResult{Wake: false, Aggregates: snapshot}
}

// snapshot returns the current set of aggregates.
func (l *Layer) snapshot() []model.SignalAggregate {
	out := make([]model.SignalAggregate, 0, len(l.aggregates))
	for _, agg := range l.aggregates {
		out = append(out, agg)
	}
	return out
}

// PruneStale drops aggregates not updated within maxAge, bounding aggregate
// map growth. Process does not call it, and neither does the core loop;
// aggregates are only dropped when a caller invokes it.
func (l *Layer) PruneStale(maxAge time.Duration) {
	l.pruneStaleAggregates(l.now().Add(-maxAge))
}
