// Package stress implements the stress monitor and degradation controller
// (C9): it samples event-loop lag and process CPU, computes a stress
// level with hysteresis, and publishes the active-tier mask the core
// loop must honor.
//
// The instant-rise/delayed-one-level-at-a-time-decay hysteresis is
// grounded on the reference pack's internal/gossip/quorum.go
// UpdatePeerReachability: partition mode there rises as soon as
// reachability crosses the threshold but is otherwise evaluated fresh
// each sample, and transitions are only emitted when the computed mode
// actually changes. Here the same "recompute every sample, act only on
// change" shape is kept, plus an explicit recovery-delay timer and a
// one-level-per-step cap on the way down that quorum.go doesn't need
// (it has only two modes, not four ordered levels).
package stress

import (
	"math"
	"sync"
	"time"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// LagThresholds configures the lag (ms) boundaries for each level.
type LagThresholds struct {
	Elevated float64
	High     float64
	Critical float64
}

// CPUThresholds configures the CPU percent boundaries for each level.
type CPUThresholds struct {
	Elevated float64
	High     float64
	Critical float64
}

// Config configures the Monitor.
type Config struct {
	Lag            LagThresholds
	CPU            CPUThresholds
	RecoveryDelay  time.Duration
	LagSampleEvery time.Duration
	CPUSampleEvery time.Duration
}

// DefaultConfig returns the spec's literal default thresholds.
func DefaultConfig() Config {
	return Config{
		Lag:            LagThresholds{Elevated: 100, High: 250, Critical: 500},
		CPU:            CPUThresholds{Elevated: 70, High: 85, Critical: 95},
		RecoveryDelay:  5 * time.Second,
		LagSampleEvery: 20 * time.Millisecond,
		CPUSampleEvery: time.Second,
	}
}

func levelForLag(lag float64, t LagThresholds) model.StressLevel {
	switch {
	case lag >= t.Critical:
		return model.StressCritical
	case lag >= t.High:
		return model.StressHigh
	case lag >= t.Elevated:
		return model.StressElevated
	default:
		return model.StressNormal
	}
}

func levelForCPU(cpu float64, t CPUThresholds) model.StressLevel {
	switch {
	case cpu >= t.Critical:
		return model.StressCritical
	case cpu >= t.High:
		return model.StressHigh
	case cpu >= t.Elevated:
		return model.StressElevated
	default:
		return model.StressNormal
	}
}

func clampCPU(cpu float64) float64 {
	return math.Max(0, math.Min(100, cpu))
}

// Monitor tracks measured stress and applies hysteresis to derive the
// effective (published) stress level.
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	effective model.StressLevel

	// belowSince is when measurements first settled at or below the next
	// lower level than effective; zero when not currently decaying.
	belowSince time.Time
	now        func() time.Time
}

// New creates a Monitor starting at StressNormal.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, now: time.Now}
}

// Sample feeds one (lag, cpu) measurement and returns the effective
// stress level after applying hysteresis.
func (m *Monitor) Sample(lagP99Ms float64, cpuPercent float64) model.StressLevel {
	cpuPercent = clampCPU(cpuPercent)
	measured := levelForLag(lagP99Ms, m.cfg.Lag)
	if c := levelForCPU(cpuPercent, m.cfg.CPU); c > measured {
		measured = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if measured > m.effective {
		// Stress can rise instantly, any number of levels at once.
		m.effective = measured
		m.belowSince = time.Time{}
		return m.effective
	}

	if measured >= m.effective {
		// Holding steady at or above effective: no decay in progress.
		m.belowSince = time.Time{}
		return m.effective
	}

	// measured < m.effective: candidate for decay.
	if m.belowSince.IsZero() {
		m.belowSince = now
		return m.effective
	}
	if now.Sub(m.belowSince) >= m.cfg.RecoveryDelay {
		m.effective--
		m.belowSince = time.Time{}
	}
	return m.effective
}

// Level returns the current effective stress level without sampling.
func (m *Monitor) Level() model.StressLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective
}

// TierMask returns the active-tier mask for the current effective level.
func (m *Monitor) TierMask() model.ActiveTierMask {
	return model.TierMaskFor(m.Level())
}
