// Package filter implements the signal filter pipeline (C6): an ordered
// list of stateless transforms applied to incoming signals before they
// are merged with AUTONOMIC output.
//
// The ordered-checks-run-in-sequence shape is grounded on the reference
// pack's internal/governance/constitutional.go, which runs a fixed
// sequence of named constraint checks over a decision and collects
// violations without aborting early; here the "checks" are transforms
// that may drop, mutate, or pass through a signal, ordered by priority
// rather than by a fixed axiom list.
package filter

import (
	"sort"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// Context carries tick-scoped data a transform may need (e.g. the
// correlation id), without exposing the whole core loop state.
type Context struct {
	CorrelationID string
	Now           func() model.AgentState // optional state accessor
}

// Transform is a single ordered, stateless signal transform. Returning
// an empty slice drops the signal; returning more than one splits it.
type Transform struct {
	ID       string
	Handles  []string // signal types this transform applies to; empty = all
	Priority int      // lower runs first
	Process  func(signals []model.Signal, ctx Context) []model.Signal
}

func (t Transform) handlesType(typ string) bool {
	if len(t.Handles) == 0 {
		return true
	}
	for _, h := range t.Handles {
		if h == typ {
			return true
		}
	}
	return false
}

// Pipeline holds an ordered set of transforms.
type Pipeline struct {
	transforms []Transform
}

// New builds a Pipeline from an unordered set of transforms, sorting them
// by Priority (stable, so equal-priority transforms keep registration order).
func New(transforms ...Transform) *Pipeline {
	ts := make([]Transform, len(transforms))
	copy(ts, transforms)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Priority < ts[j].Priority })
	return &Pipeline{transforms: ts}
}

// Add appends a transform and re-sorts by priority (stable).
func (p *Pipeline) Add(t Transform) {
	p.transforms = append(p.transforms, t)
	sort.SliceStable(p.transforms, func(i, j int) bool { return p.transforms[i].Priority < p.transforms[j].Priority })
}

// Process runs every transform in priority order. Each transform only
// receives (and only its output replaces) the subset of signals it
// handles; signals of other types pass through untouched, preserving
// relative order.
func (p *Pipeline) Process(signals []model.Signal, ctx Context) []model.Signal {
	current := signals
	for _, t := range p.transforms {
		if t.Process == nil {
			continue
		}
		var handled, rest []model.Signal
		for _, s := range current {
			if t.handlesType(s.Type) {
				handled = append(handled, s)
			} else {
				rest = append(rest, s)
			}
		}
		if len(handled) == 0 {
			continue
		}
		transformed := t.Process(handled, ctx)
		current = append(rest, transformed...)
	}
	return current
}
