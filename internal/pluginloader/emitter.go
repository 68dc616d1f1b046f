package pluginloader

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// DefaultWarningThreshold is used when a plugin has no explicit rateLimit.
const DefaultWarningThreshold = 120

// signalEmitter is the per-plugin rate-limited signal emitter (spec §4.4.5).
type signalEmitter struct {
	mu               sync.Mutex
	pluginID         string
	rateLimit        int // 0 means unset: warn only, never reject
	warningThreshold int
	log              *zap.Logger
	push             EmitFunc

	emitCount     int
	minuteStart   time.Time
	warningLogged bool
	now           func() time.Time
}

func newSignalEmitter(pluginID string, rateLimit int, log *zap.Logger, push EmitFunc) *signalEmitter {
	warningThreshold := rateLimit
	if warningThreshold <= 0 {
		warningThreshold = DefaultWarningThreshold
	}
	return &signalEmitter{
		pluginID:         pluginID,
		rateLimit:        rateLimit,
		warningThreshold: warningThreshold,
		log:              log,
		push:             push,
		now:              time.Now,
	}
}

// Emit validates and rate-limits kind, builds a plugin_event signal, and
// hands it to the push callback. kind must be prefixed "pluginId:".
func (e *signalEmitter) Emit(kind string, data map[string]any) error {
	if !strings.HasPrefix(kind, e.pluginID+":") {
		return model.NewError(model.ErrValidationFailed,
			"event kind %q must be prefixed %q", kind, e.pluginID+":")
	}

	e.mu.Lock()
	now := e.now()
	if e.minuteStart.IsZero() || now.Sub(e.minuteStart) > 60*time.Second {
		e.minuteStart = now
		e.emitCount = 0
		e.warningLogged = false
	}
	e.emitCount++

	if e.emitCount > e.warningThreshold && !e.warningLogged {
		e.warningLogged = true
		if e.log != nil {
			e.log.Warn("plugin signal emission exceeds warning threshold",
				zap.String("plugin", e.pluginID), zap.Int("count", e.emitCount), zap.Int("threshold", e.warningThreshold))
		}
	}

	if e.rateLimit > 0 && e.emitCount > e.rateLimit {
		e.mu.Unlock()
		return model.NewError(model.ErrRateLimited,
			"plugin %q exceeded rateLimit=%d this minute", e.pluginID, e.rateLimit)
	}
	e.mu.Unlock()

	signal := model.Signal{
		ID:        uuid.NewString(),
		Type:      "plugin_event",
		Source:    "plugin." + e.pluginID,
		Timestamp: now,
		Priority:  model.PriorityNormal,
		ExpiresAt: now.Add(model.DefaultSignalTTL),
		Data:      data,
	}
	if data == nil {
		signal.Data = map[string]any{}
	}
	signal.Data["eventKind"] = kind

	if e.push != nil {
		e.push(signal)
	}
	return nil
}
