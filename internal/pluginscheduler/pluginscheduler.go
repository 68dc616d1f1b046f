// Package pluginscheduler implements the per-plugin scheduler primitive
// (C11): durable schedules with idempotent at-most-once firing and IANA
// timezone-aware recurrence advancement.
//
// The mutex-guarded in-memory state plus a bounded per-schedule history
// (firedIds trimmed to the most recent N) is grounded on the reference
// pack's internal/budget/token_bucket.go Bucket: both are small,
// mutex-protected accounting structures that must never grow unbounded
// and whose state transitions (refill / fire) must be safe to call
// repeatedly without double effect. Durability is delegated to the
// storage primitive (C10) rather than re-implemented here, per spec
// §4.4.2 ("state persisted via storage").
package pluginscheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginstorage"
)

// MaxFiredIDsPerSchedule bounds the idempotency-tracking set per schedule.
const MaxFiredIDsPerSchedule = 64

const scheduleKeyPrefix = "schedule:"

func scheduleKey(id string) string { return scheduleKeyPrefix + id }

// ScheduleOptions are the caller-supplied parameters for schedule(opts).
type ScheduleOptions struct {
	FireAt     time.Time
	Recurrence *model.Recurrence
	Timezone   string
	Data       map[string]any
}

// DueEntry is one schedule that is due to fire, with a freshly minted fireId.
type DueEntry struct {
	Schedule model.ScheduleEntry
	FireID   string
}

// Scheduler is the per-plugin scheduler primitive, backed by a
// pluginstorage.Store for durability.
type Scheduler struct {
	pluginID    string
	store       *pluginstorage.Store
	maxSchedules int
	now         func() time.Time
}

// New creates a Scheduler for pluginID, persisting schedules via store.
func New(pluginID string, store *pluginstorage.Store, maxSchedules int) *Scheduler {
	return &Scheduler{pluginID: pluginID, store: store, maxSchedules: maxSchedules, now: time.Now}
}

func (s *Scheduler) load(id string) (model.ScheduleEntry, bool, error) {
	raw, ok, err := s.store.Get(scheduleKey(id))
	if err != nil || !ok {
		return model.ScheduleEntry{}, ok, err
	}
	var e model.ScheduleEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.ScheduleEntry{}, false, err
	}
	return e, true, nil
}

func (s *Scheduler) save(e model.ScheduleEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.store.Set(scheduleKey(e.ID), raw)
}

// Schedule registers a new schedule entry, enforcing maxSchedules.
func (s *Scheduler) Schedule(opts ScheduleOptions) (string, error) {
	existing, err := s.GetSchedules()
	if err != nil {
		return "", err
	}
	if s.maxSchedules > 0 && len(existing) >= s.maxSchedules {
		return "", model.NewError(model.ErrScheduleLimitExceed,
			"plugin %q already has %d schedules (limit %d)", s.pluginID, len(existing), s.maxSchedules)
	}

	e := model.ScheduleEntry{
		ID:         uuid.NewString(),
		FireAt:     opts.FireAt.UTC(),
		Recurrence: opts.Recurrence,
		Timezone:   opts.Timezone,
		Data:       opts.Data,
	}
	if err := s.save(e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// Cancel removes schedule id. Returns false if it did not exist.
func (s *Scheduler) Cancel(id string) (bool, error) {
	_, ok, err := s.load(id)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.Delete(scheduleKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

// GetSchedules returns all currently registered schedule entries.
func (s *Scheduler) GetSchedules() ([]model.ScheduleEntry, error) {
	entries, err := s.store.Query(pluginstorage.QueryOptions{Prefix: scheduleKeyPrefix})
	if err != nil {
		return nil, err
	}
	out := make([]model.ScheduleEntry, 0, len(entries))
	for _, e := range entries {
		var se model.ScheduleEntry
		if err := json.Unmarshal(e.Value, &se); err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, nil
}

// CheckDueSchedules returns every schedule whose fireAt <= now, minting a
// fresh fireId for each and advancing recurring schedules' fireAt to the
// next occurrence.
func (s *Scheduler) CheckDueSchedules(now time.Time) ([]DueEntry, error) {
	entries, err := s.GetSchedules()
	if err != nil {
		return nil, err
	}

	var due []DueEntry
	for _, e := range entries {
		if e.FireAt.After(now) {
			continue
		}
		fireID := uuid.NewString()
		due = append(due, DueEntry{Schedule: e, FireID: fireID})

		if e.Recurrence != nil {
			next, err := NextOccurrence(e.FireAt, *e.Recurrence, e.Timezone)
			if err != nil {
				return nil, err
			}
			e.FireAt = next
			if err := s.save(e); err != nil {
				return nil, err
			}
		} else {
			if _, err := s.Cancel(e.ID); err != nil {
				return nil, err
			}
		}
	}
	return due, nil
}

// MarkFired records fireId against schedule id, idempotently. Repeated
// calls with the same fireId are no-ops. The firedIds history is
// trimmed to MaxFiredIDsPerSchedule most recent entries.
func (s *Scheduler) MarkFired(id, fireID string, now time.Time) error {
	e, ok, err := s.load(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, seen := range e.FiredIDs {
		if seen == fireID {
			return nil
		}
	}
	e.FiredIDs = append(e.FiredIDs, fireID)
	if len(e.FiredIDs) > MaxFiredIDsPerSchedule {
		e.FiredIDs = e.FiredIDs[len(e.FiredIDs)-MaxFiredIDsPerSchedule:]
	}
	e.LastFiredAt = now.UTC()
	e.LastFireID = fireID
	return s.save(e)
}

// MigrationBundle is the schedule state handed across a hot-swap.
type MigrationBundle struct {
	Schedules []model.ScheduleEntry `json:"schedules"`
}

// GetMigrationData returns every schedule for bundling into a hot-swap.
func (s *Scheduler) GetMigrationData() (MigrationBundle, error) {
	entries, err := s.GetSchedules()
	if err != nil {
		return MigrationBundle{}, err
	}
	return MigrationBundle{Schedules: entries}, nil
}

// RestoreFromMigration replaces this scheduler's entries with bundle's.
func (s *Scheduler) RestoreFromMigration(bundle MigrationBundle) error {
	existing, err := s.GetSchedules()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if err := s.store.Delete(scheduleKey(e.ID)); err != nil {
			return err
		}
	}
	for _, e := range bundle.Schedules {
		if err := s.save(e); err != nil {
			return err
		}
	}
	return nil
}

// locationFor resolves an IANA timezone name, defaulting to UTC.
func locationFor(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("pluginscheduler: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
