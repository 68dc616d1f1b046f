// Package schedulersvc implements the scheduler service (C12): a tick-
// driven fan-out over every registered plugin's scheduler primitive,
// honoring pause/resume and a per-tick global fire cap.
package schedulersvc

import (
	"time"

	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginscheduler"
)

// DefaultMaxFiresPerTick is the spec's literal default.
const DefaultMaxFiresPerTick = 10

// EmitFunc pushes a plugin_event signal into the pipeline.
type EmitFunc func(model.Signal)

// OnEventFunc is the plugin's onEvent callback, invoked after emission.
type OnEventFunc func(due pluginscheduler.DueEntry)

// pluginEntry pairs a plugin's scheduler with its event callback.
type pluginEntry struct {
	scheduler *pluginscheduler.Scheduler
	onEvent   OnEventFunc
}

// Service holds the pluginId → scheduler mapping plus pause/unregister state.
type Service struct {
	log               *zap.Logger
	maxFiresPerTick   int
	plugins           map[string]pluginEntry
	paused            map[string]bool
	pendingUnregister map[string]bool
	order             []string // iteration order, registration order
	now               func() time.Time
}

// New creates a Service. log must not be nil.
func New(log *zap.Logger, maxFiresPerTick int) *Service {
	if maxFiresPerTick <= 0 {
		maxFiresPerTick = DefaultMaxFiresPerTick
	}
	return &Service{
		log:               log,
		maxFiresPerTick:   maxFiresPerTick,
		plugins:           make(map[string]pluginEntry),
		paused:            make(map[string]bool),
		pendingUnregister: make(map[string]bool),
		now:               time.Now,
	}
}

// RegisterScheduler registers or replaces pluginId's scheduler and event
// callback. Re-registering clears any pending unregister for this id.
func (s *Service) RegisterScheduler(pluginID string, sched *pluginscheduler.Scheduler, onEvent OnEventFunc) {
	if _, exists := s.plugins[pluginID]; !exists {
		s.order = append(s.order, pluginID)
	}
	s.plugins[pluginID] = pluginEntry{scheduler: sched, onEvent: onEvent}
	delete(s.pendingUnregister, pluginID)
}

// QueueUnregister marks pluginId for removal at the next applyPendingChanges.
func (s *Service) QueueUnregister(pluginID string) {
	s.pendingUnregister[pluginID] = true
}

// ClearPendingUnregister cancels a queued unregister for pluginId.
func (s *Service) ClearPendingUnregister(pluginID string) {
	delete(s.pendingUnregister, pluginID)
}

// PausePlugin stops pluginId's schedules from firing until resumed.
func (s *Service) PausePlugin(pluginID string) {
	s.paused[pluginID] = true
}

// ResumePlugin re-enables pluginId's schedules.
func (s *Service) ResumePlugin(pluginID string) {
	delete(s.paused, pluginID)
}

// ApplyPendingChanges must be called at the start of every tick. Removal
// errors are logged, never returned, per spec §4.4.3.
func (s *Service) ApplyPendingChanges() {
	for pluginID := range s.pendingUnregister {
		delete(s.plugins, pluginID)
		delete(s.paused, pluginID)
		s.removeFromOrder(pluginID)
	}
	s.pendingUnregister = make(map[string]bool)
}

func (s *Service) removeFromOrder(pluginID string) {
	for i, id := range s.order {
		if id == pluginID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Tick checks due schedules for every unpaused plugin, in registration
// order, firing at most maxFiresPerTick total across all plugins.
func (s *Service) Tick(emit EmitFunc) {
	now := s.now()
	totalFired := 0

	for _, pluginID := range s.order {
		if s.paused[pluginID] {
			continue
		}
		entry, ok := s.plugins[pluginID]
		if !ok {
			continue
		}

		due, err := entry.scheduler.CheckDueSchedules(now)
		if err != nil {
			s.log.Error("checkDueSchedules failed", zap.String("plugin", pluginID), zap.Error(err))
			continue
		}

		for _, d := range due {
			if totalFired >= s.maxFiresPerTick {
				break
			}
			if err := entry.scheduler.MarkFired(d.Schedule.ID, d.FireID, now); err != nil {
				s.log.Error("markFired failed", zap.String("plugin", pluginID), zap.Error(err))
				continue
			}
			totalFired++

			if emit != nil {
				emit(pluginEventSignal(pluginID, d, now))
			}
			if entry.onEvent != nil {
				entry.onEvent(d)
			}
		}
	}
}

func pluginEventSignal(pluginID string, due pluginscheduler.DueEntry, now time.Time) model.Signal {
	return model.Signal{
		ID:        due.FireID,
		Type:      "plugin_event",
		Source:    "plugin." + pluginID,
		Timestamp: now,
		Priority:  model.PriorityNormal,
		ExpiresAt: now.Add(model.DefaultSignalTTL),
		Data: map[string]any{
			"scheduleId": due.Schedule.ID,
			"fireId":     due.FireID,
		},
	}
}
