// Package changedetect implements the Weber–Fechner significance test
// (C4): whether a change from a previous value to a current value is
// large enough, relative to the previous value and scaled by alertness,
// to be worth emitting a signal over.
//
// The pure-function-with-doc-commented-formula style mirrors the
// reference pack's internal/anomaly/entropy.go and the small
// struct-plus-formula shape of internal/escalation/pressure.go.
package changedetect

import "math"

// Result is the outcome of a single significance test.
type Result struct {
	Delta         float64
	Relative      float64
	Threshold     float64
	IsSignificant bool
}

// Params configures DetectChange.
type Params struct {
	// MinAbsoluteChange is the minimum |delta| required for significance,
	// regardless of the relative threshold.
	MinAbsoluteChange float64
	// BaseThreshold is the relative-change threshold at full alertness (1.0).
	BaseThreshold float64
	// AlertnessInfluence scales how much reduced alertness raises the
	// effective threshold. 0 disables alertness scaling entirely.
	AlertnessInfluence float64
	// MaxThreshold caps the alertness-adjusted threshold.
	MaxThreshold float64
}

// AdjustedThreshold computes clamp(base*(1+influence*(1-alertness)), 0, max).
func AdjustedThreshold(p Params, alertness float64) float64 {
	t := p.BaseThreshold * (1 + p.AlertnessInfluence*(1-alertness))
	if t < 0 {
		t = 0
	}
	if p.MaxThreshold > 0 && t > p.MaxThreshold {
		t = p.MaxThreshold
	}
	return t
}

// DetectChange implements the neuron contract's step 3 (spec §4.5). The
// relative change is scaled by the smaller of the two magnitudes rather
// than by "previous" alone: with previous=0.50, current=0.55 the two are
// equal (min(0.50,0.55)=0.50) so this reduces to the spec's literal
// Δ/previous worked example, but unlike plain Δ/previous it is a true
// symmetric function of (previous, current) — required by the
// Weber–Fechner symmetry property in §8, which plain division breaks
// whenever previous != current at the swapped call.
//
//   - if min(|previous|, |current|) == 0: significant iff |delta| >= MinAbsoluteChange.
//   - else: relative = delta / min(|previous|, |current|); threshold is
//     alertness-adjusted; significant iff |delta| >= MinAbsoluteChange
//     AND |relative| >= threshold.
//
// Symmetric: DetectChange(a, b, ...).IsSignificant == DetectChange(b, a, ...).IsSignificant
// for all a, b (spec §8, Weber–Fechner symmetry).
func DetectChange(previous, current, alertness float64, p Params) Result {
	delta := current - previous
	absDelta := math.Abs(delta)
	denom := math.Min(math.Abs(previous), math.Abs(current))

	if denom == 0 {
		return Result{
			Delta:         delta,
			Relative:      0,
			Threshold:     0,
			IsSignificant: absDelta >= p.MinAbsoluteChange,
		}
	}

	relative := delta / denom
	threshold := AdjustedThreshold(p, alertness)
	significant := absDelta >= p.MinAbsoluteChange && math.Abs(relative) >= threshold

	return Result{
		Delta:         delta,
		Relative:      relative,
		Threshold:     threshold,
		IsSignificant: significant,
	}
}
