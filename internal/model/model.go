// Package model holds the data types shared across the runtime core:
// events entering the priority queue, signals flowing through the bus
// and autonomic layer, and the records owned by the longer-lived
// registries (recipients, schedules, plugin manifests).
package model

import "time"

// Priority orders events and signals. Lower numbers are higher priority.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityIdle     Priority = 4
)

// NumPriorities is the number of distinct priority levels (CRITICAL..IDLE).
const NumPriorities = 5

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityIdle
}

// EventSource enumerates where an Event originated.
type EventSource string

const (
	SourceCommunication EventSource = "communication"
	SourceThoughts      EventSource = "thoughts"
	SourceInternal      EventSource = "internal"
	SourceTime          EventSource = "time"
	SourceSystem        EventSource = "system"
	SourcePlugin        EventSource = "plugin"
)

// EventMeta carries aggregation bookkeeping attached to a merged event.
type EventMeta struct {
	AggregatedCount int       `json:"aggregatedCount,omitempty"`
	FirstOccurrence time.Time `json:"firstOccurrence,omitempty"`
}

// Event is a single item entering the priority queue (C1).
type Event struct {
	ID        string         `json:"id"`
	Source    EventSource    `json:"source"`
	Channel   string         `json:"channel,omitempty"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Meta      *EventMeta     `json:"meta,omitempty"`
}

// SignalMetrics carries the numeric payload a signal is judged on.
type SignalMetrics struct {
	Value        float64 `json:"value"`
	RateOfChange float64 `json:"rateOfChange,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// Signal is a typed, timestamped observation flowing through the bus,
// autonomic layer, and aggregation layer.
type Signal struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Channel       string         `json:"channel,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	Metrics       SignalMetrics  `json:"metrics"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ExpiresAt     time.Time      `json:"expiresAt"`
}

// Expired reports whether the signal is past its expiry at the given time.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// DefaultSignalTTL is the lifetime given to a signal when nothing more
// specific applies (spec §4.4.5's plugin_event "expires at now+60s").
const DefaultSignalTTL = 60 * time.Second

// SignalAggregate is the running summary kept per (type, source).
type SignalAggregate struct {
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	CurrentValue float64   `json:"currentValue"`
	PreviousValue float64  `json:"previousValue"`
	RateOfChange float64   `json:"rateOfChange"`
	SampleCount  int       `json:"sampleCount"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// AckType enumerates the disposition an Ack places on a signal class.
type AckType string

const (
	AckHandled    AckType = "handled"
	AckDeferred   AckType = "deferred"
	AckSuppressed AckType = "suppressed"
)

// Ack is an explicit record that a signal class is handled, deferred, or
// suppressed, optionally overridden once the tracked value moves enough.
type Ack struct {
	SignalType    string    `json:"signalType"`
	Source        string    `json:"source,omitempty"`
	AckType       AckType   `json:"ackType"`
	DeferUntil    time.Time `json:"deferUntil,omitempty"`
	ValueAtAck    float64   `json:"valueAtAck,omitempty"`
	OverrideDelta float64   `json:"overrideDelta,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// RecipientRecord maps an opaque recipient id to its (channel, destination).
type RecipientRecord struct {
	RecipientID  string    `json:"recipientId"`
	Channel      string    `json:"channel"`
	Destination  string    `json:"destination"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// RecurrenceFrequency enumerates the recurrence bases a ScheduleEntry can use.
type RecurrenceFrequency string

const (
	RecurrenceDaily   RecurrenceFrequency = "daily"
	RecurrenceWeekly  RecurrenceFrequency = "weekly"
	RecurrenceMonthly RecurrenceFrequency = "monthly"
)

// MonthlyConstraint enumerates the anchorDay-relative constraints a monthly
// recurrence may specify instead of a fixed dayOfMonth.
type MonthlyConstraint string

const (
	ConstraintNextWeekend  MonthlyConstraint = "next-weekend"
	ConstraintNextWeekday  MonthlyConstraint = "next-weekday"
	ConstraintNextSaturday MonthlyConstraint = "next-saturday"
	ConstraintNextSunday   MonthlyConstraint = "next-sunday"
)

// Recurrence describes how a ScheduleEntry's fireAt advances after firing.
type Recurrence struct {
	Frequency  RecurrenceFrequency `json:"frequency"`
	Interval   int                 `json:"interval"`
	DaysOfWeek []time.Weekday      `json:"daysOfWeek,omitempty"`
	DayOfMonth int                 `json:"dayOfMonth,omitempty"`
	AnchorDay  int                 `json:"anchorDay,omitempty"`
	Constraint MonthlyConstraint   `json:"constraint,omitempty"`
	Hour       int                 `json:"hour,omitempty"`
	Minute     int                 `json:"minute,omitempty"`
}

// ScheduleEntry is a durable, per-plugin scheduled fire, owned by the
// scheduler primitive (C11).
type ScheduleEntry struct {
	ID          string         `json:"id"`
	FireAt      time.Time      `json:"fireAt"`
	Recurrence  *Recurrence    `json:"recurrence,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	LastFiredAt time.Time      `json:"lastFiredAt,omitempty"`
	LastFireID  string         `json:"lastFireId,omitempty"`
	FiredIDs    []string       `json:"firedIds,omitempty"`
}

// ProvidesEntry names one capability a plugin registers into the shared
// provider registry.
type ProvidesEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DependencyEntry names a required plugin and an acceptable version range.
type DependencyEntry struct {
	ID         string `json:"id"`
	MinVersion string `json:"minVersion,omitempty"`
	MaxVersion string `json:"maxVersion,omitempty"`
}

// PluginLimits bounds the resources a plugin may consume.
type PluginLimits struct {
	MaxSchedules     int `json:"maxSchedules,omitempty"`
	MaxStorageMB     int `json:"maxStorageMB,omitempty"`
	SignalsPerMinute int `json:"signalsPerMinute,omitempty"`
}

// PluginManifest describes a plugin's identity, capabilities, and limits.
type PluginManifest struct {
	ManifestVersion int               `json:"manifestVersion"`
	ID              string            `json:"id"`
	Version         string            `json:"version"`
	Provides        []ProvidesEntry   `json:"provides"`
	Dependencies    []DependencyEntry `json:"dependencies,omitempty"`
	Limits          PluginLimits      `json:"limits,omitempty"`
}

// StressLevel is a totally-ordered, coarse measure of runtime health.
type StressLevel int

const (
	StressNormal StressLevel = iota
	StressElevated
	StressHigh
	StressCritical
)

func (s StressLevel) String() string {
	switch s {
	case StressNormal:
		return "normal"
	case StressElevated:
		return "elevated"
	case StressHigh:
		return "high"
	case StressCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AgentState is the flat numeric state neurons read from and the
// aggregation layer's low-energy multiplier consults. Keys are
// convention-named (e.g. "contact_pressure", "social_debt", "energy").
type AgentState map[string]float64

// Value returns state[key] and whether it was present.
func (s AgentState) Value(key string) (float64, bool) {
	v, ok := s[key]
	return v, ok
}

// ActiveTierMask reports which processing tiers are currently enabled.
type ActiveTierMask struct {
	Autonomic   bool
	Aggregation bool
	Cognition   bool
	Smart       bool
}

// TierMaskFor returns the active-tier mask for a stress level, per spec §4.8.
func TierMaskFor(level StressLevel) ActiveTierMask {
	switch level {
	case StressNormal:
		return ActiveTierMask{Autonomic: true, Aggregation: true, Cognition: true, Smart: true}
	case StressElevated:
		return ActiveTierMask{Autonomic: true, Aggregation: true, Cognition: true, Smart: false}
	case StressHigh:
		return ActiveTierMask{Autonomic: true, Aggregation: true, Cognition: false, Smart: false}
	case StressCritical:
		return ActiveTierMask{Autonomic: true, Aggregation: false, Cognition: false, Smart: false}
	default:
		return ActiveTierMask{}
	}
}
