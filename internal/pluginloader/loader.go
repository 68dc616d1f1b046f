package pluginloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginregistry"
	"github.com/shady2k/lifemodel-sub006/internal/pluginscheduler"
	"github.com/shady2k/lifemodel-sub006/internal/pluginstorage"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
)

type loadedPlugin struct {
	module   Module
	manifest model.PluginManifest
	version  *semver.Version
	storage  *pluginstorage.Store
	sched    *pluginscheduler.Scheduler
	emitter  *signalEmitter
}

// Loader is the plugin loader (C13).
type Loader struct {
	mu sync.RWMutex

	db          *bolt.DB
	schedulerSvc *schedulersvc.Service
	registry    *pluginregistry.Registry
	log         *zap.Logger
	emit        EmitFunc

	plugins      map[string]*loadedPlugin
	eventSchemas map[string]map[string]EventSchema // pluginId -> kind -> schema
}

// New creates a Loader. db backs per-plugin storage; schedulerSvc fans out
// tick-driven firing; registry collects plugin-provided capabilities;
// emit pushes signals (including plugin_event) into the pipeline.
func New(db *bolt.DB, schedulerSvc *schedulersvc.Service, registry *pluginregistry.Registry, log *zap.Logger, emit EmitFunc) *Loader {
	return &Loader{
		db:           db,
		schedulerSvc: schedulerSvc,
		registry:     registry,
		log:          log,
		emit:         emit,
		plugins:      make(map[string]*loadedPlugin),
		eventSchemas: make(map[string]map[string]EventSchema),
	}
}

// Load validates module's manifest, resolves its dependencies against
// already-loaded plugins, constructs its primitives, and activates it.
// On activation failure, the plugin's storage is cleared and the error
// is returned labeled activation_failed.
func (l *Loader) Load(ctx context.Context, module Module) error {
	manifest := module.Manifest()
	version, err := validateManifest(manifest)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.plugins[manifest.ID]; exists {
		return model.NewError(model.ErrAlreadyLoaded, "plugin %q is already loaded", manifest.ID)
	}

	for _, dep := range manifest.Dependencies {
		existing, loaded := l.plugins[dep.ID]
		var loadedVersion *semver.Version
		if loaded {
			loadedVersion = existing.version
		}
		if err := checkDependency(dep, loadedVersion, loaded); err != nil {
			return err
		}
	}

	lp, err := l.activate(ctx, module, manifest, version)
	if err != nil {
		return err
	}
	l.plugins[manifest.ID] = lp
	return nil
}

// activate constructs primitives for module and calls its Activate hook.
// Callers must hold l.mu.
func (l *Loader) activate(ctx context.Context, module Module, manifest model.PluginManifest, version *semver.Version) (*loadedPlugin, error) {
	store, err := pluginstorage.Open(l.db, manifest.ID, float64(manifest.Limits.MaxStorageMB)*0.8, float64(manifest.Limits.MaxStorageMB))
	if err != nil {
		return nil, fmt.Errorf("pluginloader: open storage for %q: %w", manifest.ID, err)
	}
	sched := pluginscheduler.New(manifest.ID, store, manifest.Limits.MaxSchedules)
	emitter := newSignalEmitter(manifest.ID, manifest.Limits.SignalsPerMinute, l.log, l.emit)

	lp := &loadedPlugin{module: module, manifest: manifest, version: version, storage: store, sched: sched, emitter: emitter}

	// Plugins emit raw signals via Primitives.Emit (l.emit, pipeline-facing)
	// and their own rate-limited, kind-validated events via
	// Primitives.EmitEvent (emitter.Emit).
	primitives := Primitives{
		Storage:   store,
		Scheduler: sched,
		Emit:      l.emit,
		EmitEvent: emitter.Emit,
		RegisterEventSchema: func(kind string, schema EventSchema) error {
			return l.registerEventSchema(manifest.ID, kind, schema)
		},
	}

	if err := module.Activate(ctx, primitives); err != nil {
		_ = store.Clear()
		return nil, model.NewError(model.ErrActivationFailed, "plugin %q activation failed: %v", manifest.ID, err)
	}

	l.schedulerSvc.RegisterScheduler(manifest.ID, sched, func(due pluginscheduler.DueEntry) {
		if handler, ok := module.(EventHandler); ok {
			handler.OnEvent("scheduled_fire", map[string]any{"scheduleId": due.Schedule.ID, "fireId": due.FireID})
		}
	})

	for _, p := range manifest.Provides {
		if err := l.registry.Register(manifest.ID, p.Type, p.ID, module); err != nil {
			_ = module.Deactivate(ctx)
			_ = store.Clear()
			return nil, err
		}
	}

	return lp, nil
}

func (l *Loader) registerEventSchema(pluginID, kind string, schema EventSchema) error {
	if l.eventSchemas[pluginID] == nil {
		l.eventSchemas[pluginID] = make(map[string]EventSchema)
	}
	l.eventSchemas[pluginID][kind] = schema
	return nil
}

// GetPlugin returns the manifest and version of a loaded plugin.
func (l *Loader) GetPlugin(id string) (model.PluginManifest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.plugins[id]
	if !ok {
		return model.PluginManifest{}, false
	}
	return lp.manifest, true
}

// ValidatePluginEvent runs the registered schema (if any) for kind under
// the event's declared pluginId prefix.
func (l *Loader) ValidatePluginEvent(pluginID, kind string, payload map[string]any) error {
	l.mu.RLock()
	schema, ok := l.eventSchemas[pluginID][kind]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema(payload)
}

// DispatchPluginEvent validates and delivers a plugin event to its
// EventHandler, if the plugin implements one.
func (l *Loader) DispatchPluginEvent(id, kind string, payload map[string]any) error {
	if err := l.ValidatePluginEvent(id, kind, payload); err != nil {
		return err
	}
	l.mu.RLock()
	lp, ok := l.plugins[id]
	l.mu.RUnlock()
	if !ok {
		return model.NewError(model.ErrNotLoaded, "plugin %q is not loaded", id)
	}
	if handler, ok := lp.module.(EventHandler); ok {
		handler.OnEvent(kind, payload)
	}
	return nil
}

// Unload deactivates id, unregisters its scheduler/tools/event schemas,
// and drops it from the loader. Deactivation errors are logged, never
// returned (they must not block unload).
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lp, ok := l.plugins[id]
	if !ok {
		return model.NewError(model.ErrNotLoaded, "plugin %q is not loaded", id)
	}
	if err := lp.module.Deactivate(ctx); err != nil && l.log != nil {
		l.log.Error("plugin deactivate failed during unload", zap.String("plugin", id), zap.Error(err))
	}
	l.schedulerSvc.QueueUnregister(id)
	l.registry.UnregisterPlugin(id)
	delete(l.eventSchemas, id)
	delete(l.plugins, id)
	return nil
}

// HealthCheck returns, for every loaded plugin, whether it is present
// and its manifest version — a cheap liveness surface for the operator API.
func (l *Loader) HealthCheck() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.plugins))
	for id, lp := range l.plugins {
		out[id] = lp.manifest.Version
	}
	return out
}

// HotSwap replaces a loaded plugin in place with a new version of the
// same id, migrating its storage and schedule state. If newModule has
// no Migrate hook, the swap is refused. If the new plugin's Activate
// fails, the old plugin is restored from the gathered bundle and
// re-activated, and the error is wrapped as "rolled back" (spec §4.4.4,
// scenario 5 in §8).
func (l *Loader) HotSwap(ctx context.Context, id string, newModule Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.plugins[id]
	if !ok {
		return model.NewError(model.ErrNotLoaded, "plugin %q is not loaded", id)
	}

	migrator, ok := newModule.(Migrator)
	if !ok {
		return model.NewError(model.ErrValidationFailed, "plugin %q has no migrate hook, cannot hot-swap", id)
	}

	newManifest := newModule.Manifest()
	newVersion, err := validateManifest(newManifest)
	if err != nil {
		return err
	}

	oldData, err := old.storage.GetAllData()
	if err != nil {
		return fmt.Errorf("pluginloader: gather storage for hot-swap of %q: %w", id, err)
	}
	oldSchedules, err := old.sched.GetMigrationData()
	if err != nil {
		return fmt.Errorf("pluginloader: gather schedules for hot-swap of %q: %w", id, err)
	}
	oldBundle := MigrationBundle{Storage: oldData, Schedules: oldSchedules, Config: map[string]any{}}

	newBundle, err := migrator.Migrate(ctx, old.manifest.Version, oldBundle)
	if err != nil {
		return model.NewError(model.ErrActivationFailed, "plugin %q migrate failed: %v", id, err)
	}

	if err := old.module.Deactivate(ctx); err != nil && l.log != nil {
		l.log.Error("old plugin deactivate failed during hot-swap", zap.String("plugin", id), zap.Error(err))
	}
	l.registry.UnregisterPlugin(id)

	newLP, activateErr := l.activate(ctx, newModule, newManifest, newVersion)
	if activateErr == nil {
		if err := newLP.storage.RestoreData(newBundle.Storage); err != nil {
			activateErr = fmt.Errorf("restore storage: %w", err)
		} else if err := newLP.sched.RestoreFromMigration(newBundle.Schedules); err != nil {
			activateErr = fmt.Errorf("restore schedules: %w", err)
		}
	}
	if activateErr == nil {
		l.plugins[id] = newLP
		return nil
	}

	// The new module partially activated (and may have registered
	// provides) before failing; tear it down so rollback doesn't leave it
	// dangling in the registry or holding acquired resources.
	if newLP != nil {
		if err := newModule.Deactivate(ctx); err != nil && l.log != nil {
			l.log.Error("half-activated new plugin deactivate failed during hot-swap rollback", zap.String("plugin", id), zap.Error(err))
		}
	}
	l.registry.UnregisterPlugin(id)

	// Rollback: rebuild the old plugin's primitives, restore its original
	// bundle, and re-activate it.
	rolledBackLP, rollbackErr := l.activate(ctx, old.module, old.manifest, old.version)
	if rollbackErr != nil {
		return fmt.Errorf("pluginloader: hot-swap of %q failed (%v) AND rollback failed (%w)", id, activateErr, rollbackErr)
	}
	if err := rolledBackLP.storage.RestoreData(oldBundle.Storage); err != nil {
		return fmt.Errorf("pluginloader: hot-swap of %q failed (%v) AND rollback storage restore failed: %w", id, activateErr, err)
	}
	if err := rolledBackLP.sched.RestoreFromMigration(oldBundle.Schedules); err != nil {
		return fmt.Errorf("pluginloader: hot-swap of %q failed (%v) AND rollback schedule restore failed: %w", id, activateErr, err)
	}
	l.plugins[id] = rolledBackLP
	return model.NewError(model.ErrActivationFailed, "plugin %q hot-swap failed and was rolled back: %v", id, activateErr)
}
