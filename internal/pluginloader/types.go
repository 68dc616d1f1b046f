// Package pluginloader implements the plugin loader (C13): manifest
// validation, dependency/version resolution, activation lifecycle, and
// hot-swap-with-rollback.
//
// The ordered, fail-fast manifest/dependency validation chain is
// grounded on the reference pack's internal/governance/constitutional.go
// ValidateDecision: a fixed sequence of named checks, each returning
// immediately on the first violation rather than collecting all of them.
package pluginloader

import (
	"context"

	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginscheduler"
	"github.com/shady2k/lifemodel-sub006/internal/pluginstorage"
)

// EmitFunc pushes a signal into the pipeline.
type EmitFunc func(model.Signal)

// EventSchema validates a plugin_event payload for one event kind.
type EventSchema func(payload map[string]any) error

// RegisterEventSchemaFunc lets a plugin register validators for event
// kinds it owns, scoped to its own pluginId by the loader.
type RegisterEventSchemaFunc func(kind string, schema EventSchema) error

// EmitEventFunc is the rate-limited, kind-validated plugin event emitter
// (spec §4.4.5), distinct from Emit which pushes arbitrary raw signals.
type EmitEventFunc func(kind string, data map[string]any) error

// Primitives is everything the loader constructs and hands to a plugin's
// Activate call (spec §4.4.4).
type Primitives struct {
	Storage             *pluginstorage.Store
	Scheduler           *pluginscheduler.Scheduler
	Emit                EmitFunc
	EmitEvent           EmitEventFunc
	RegisterEventSchema RegisterEventSchemaFunc
}

// MigrationBundle is the cross-version state handed to Migrate on hot-swap.
type MigrationBundle struct {
	Storage   []pluginstorage.Entry           `json:"storage"`
	Schedules pluginscheduler.MigrationBundle `json:"schedules"`
	Config    map[string]any                  `json:"config"`
}

// Module is the plugin lifecycle contract every loadable plugin implements.
type Module interface {
	Manifest() model.PluginManifest
	Activate(ctx context.Context, p Primitives) error
	Deactivate(ctx context.Context) error
}

// Migrator is optionally implemented by a plugin that supports hot-swap.
type Migrator interface {
	Migrate(ctx context.Context, oldVersion string, bundle MigrationBundle) (MigrationBundle, error)
}

// EventHandler is optionally implemented by a plugin that wants scheduled
// fires or dispatched plugin events delivered to it.
type EventHandler interface {
	OnEvent(kind string, payload map[string]any)
}
