package stress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newMonitorWithFakeClock(cfg Config) (*Monitor, *fakeClock) {
	m := New(cfg)
	clock := &fakeClock{t: time.Unix(0, 0)}
	m.now = clock.now
	return m, clock
}

func TestStressRisesInstantly(t *testing.T) {
	m, _ := newMonitorWithFakeClock(DefaultConfig())
	level := m.Sample(600, 0) // lag 600ms >= critical 500
	assert.Equal(t, model.StressCritical, level)
}

func TestHysteresisScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryDelay = 5 * time.Second
	m, clock := newMonitorWithFakeClock(cfg)

	lags := []float64{50, 300, 300, 300, 50, 50, 50, 50, 50, 50}
	var levels []model.StressLevel
	for i, lag := range lags {
		if i > 0 {
			clock.advance(time.Second)
		}
		levels = append(levels, m.Sample(lag, 0))
	}

	require.Len(t, levels, 10)
	assert.Equal(t, model.StressNormal, levels[0])
	assert.Equal(t, model.StressHigh, levels[1])
	assert.Equal(t, model.StressHigh, levels[2])
	assert.Equal(t, model.StressHigh, levels[3])
	// Samples 5-9 (index 4-8) stay high: belowSince was set at index 4,
	// and recoveryDelay (5s) has not yet elapsed by index 8.
	for i := 4; i <= 8; i++ {
		assert.Equalf(t, model.StressHigh, levels[i], "index %d", i)
	}
	// Index 9 (the 10th sample, 5s after belowSince was set) sees the
	// single permitted one-level decay.
	assert.Equal(t, model.StressElevated, levels[9])
}

func TestDecayRequiresFreshDelayPerLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryDelay = 5 * time.Second
	m, clock := newMonitorWithFakeClock(cfg)

	m.Sample(600, 0) // critical
	clock.advance(time.Second)
	// Hold at normal measurements for 11 one-second samples; expect exactly
	// one one-level decrement (critical -> high at the 6th sample), not a
	// cascade to normal: the next delay restarts at the 7th sample and has
	// not elapsed by the 11th, since each decrement needs its own fresh delay.
	for i := 0; i < 11; i++ {
		m.Sample(0, 0)
		clock.advance(time.Second)
	}
	assert.Equal(t, model.StressHigh, m.Level())
}

func TestCPUDominatesWhenHigherThanLag(t *testing.T) {
	m, _ := newMonitorWithFakeClock(DefaultConfig())
	level := m.Sample(0, 96)
	assert.Equal(t, model.StressCritical, level)
}

func TestTierMaskMatchesLevel(t *testing.T) {
	m, _ := newMonitorWithFakeClock(DefaultConfig())
	m.Sample(600, 0)
	mask := m.TierMask()
	assert.True(t, mask.Autonomic)
	assert.False(t, mask.Aggregation)
	assert.False(t, mask.Cognition)
	assert.False(t, mask.Smart)
}
