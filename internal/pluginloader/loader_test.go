package pluginloader

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginregistry"
	"github.com/shady2k/lifemodel-sub006/internal/pluginstorage"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
)

type fakeModule struct {
	manifest    model.PluginManifest
	activateErr error
	activated   bool
	deactivated bool
	migrateFn   func(ctx context.Context, oldVersion string, bundle MigrationBundle) (MigrationBundle, error)
}

func (f *fakeModule) Manifest() model.PluginManifest { return f.manifest }

func (f *fakeModule) Activate(ctx context.Context, p Primitives) error {
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = true
	return nil
}

func (f *fakeModule) Deactivate(ctx context.Context) error {
	f.deactivated = true
	return nil
}

func (f *fakeModule) Migrate(ctx context.Context, oldVersion string, bundle MigrationBundle) (MigrationBundle, error) {
	if f.migrateFn != nil {
		return f.migrateFn(ctx, oldVersion, bundle)
	}
	return bundle, nil
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugins.db")
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc := schedulersvc.New(zap.NewNop(), 10)
	reg := pluginregistry.New()
	return New(db, svc, reg, zap.NewNop(), func(model.Signal) {})
}

func manifestFor(id, version string) model.PluginManifest {
	return model.PluginManifest{
		ManifestVersion: 2,
		ID:              id,
		Version:         version,
		Provides:        []model.ProvidesEntry{{Type: "tool", ID: id + ".create"}},
	}
}

func TestLoadActivatesPlugin(t *testing.T) {
	l := newTestLoader(t)
	m := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), m))
	assert.True(t, m.activated)

	manifest, ok := l.GetPlugin("reminders")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", manifest.Version)
}

func TestLoadRejectsInvalidManifestVersion(t *testing.T) {
	l := newTestLoader(t)
	m := &fakeModule{manifest: model.PluginManifest{ManifestVersion: 1, ID: "x", Version: "1.0.0", Provides: []model.ProvidesEntry{{Type: "tool", ID: "a"}}}}
	err := l.Load(context.Background(), m)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrValidationFailed, kind)
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	l := newTestLoader(t)
	m1 := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), m1))
	m2 := &fakeModule{manifest: manifestFor("reminders", "1.0.1")}
	err := l.Load(context.Background(), m2)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrAlreadyLoaded, kind)
}

func TestLoadRejectsMissingDependency(t *testing.T) {
	l := newTestLoader(t)
	m := &fakeModule{manifest: manifestFor("news", "1.0.0")}
	m.manifest.Dependencies = []model.DependencyEntry{{ID: "reminders", MinVersion: "1.0.0"}}
	err := l.Load(context.Background(), m)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrDependencyMissing, kind)
}

func TestLoadRejectsDependencyVersionOutOfRange(t *testing.T) {
	l := newTestLoader(t)
	dep := &fakeModule{manifest: manifestFor("reminders", "0.5.0")}
	require.NoError(t, l.Load(context.Background(), dep))

	m := &fakeModule{manifest: manifestFor("news", "1.0.0")}
	m.manifest.Dependencies = []model.DependencyEntry{{ID: "reminders", MinVersion: "1.0.0"}}
	err := l.Load(context.Background(), m)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrDependencyVersion, kind)
}

func TestActivationFailureClearsStorageAndPropagates(t *testing.T) {
	l := newTestLoader(t)
	m := &fakeModule{manifest: manifestFor("reminders", "1.0.0"), activateErr: assertErr{}}
	err := l.Load(context.Background(), m)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrActivationFailed, kind)

	_, ok := l.GetPlugin("reminders")
	assert.False(t, ok)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestUnloadRemovesPluginAndRegistryEntries(t *testing.T) {
	l := newTestLoader(t)
	m := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), m))

	require.NoError(t, l.Unload(context.Background(), "reminders"))
	assert.True(t, m.deactivated)
	_, ok := l.GetPlugin("reminders")
	assert.False(t, ok)
	_, ok = l.registry.Get("tool", "reminders.create")
	assert.False(t, ok)
}

func TestHotSwapRollsBackOnActivationFailure(t *testing.T) {
	l := newTestLoader(t)
	old := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), old))

	newMod := &fakeModule{manifest: manifestFor("reminders", "1.1.0"), activateErr: assertErr{}}
	err := l.HotSwap(context.Background(), "reminders", newMod)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrActivationFailed, kind)

	manifest, ok := l.GetPlugin("reminders")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", manifest.Version)
}

func TestHotSwapRefusedWithoutMigrateHook(t *testing.T) {
	l := newTestLoader(t)
	old := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), old))

	newMod := &noMigrateModule{manifest: manifestFor("reminders", "1.1.0")}
	err := l.HotSwap(context.Background(), "reminders", newMod)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrValidationFailed, kind)
}

type noMigrateModule struct {
	manifest model.PluginManifest
}

func (n *noMigrateModule) Manifest() model.PluginManifest            { return n.manifest }
func (n *noMigrateModule) Activate(ctx context.Context, p Primitives) error { return nil }
func (n *noMigrateModule) Deactivate(ctx context.Context) error            { return nil }

// TestHotSwapCleansUpHalfActivatedPluginOnRestoreFailure covers the case
// where the new module's Activate succeeds but the subsequent storage
// restore fails: the half-activated new module must be deactivated and
// fully unregistered (including any (type,id) it introduced that the old
// manifest never provided) before the old plugin is rolled back.
func TestHotSwapCleansUpHalfActivatedPluginOnRestoreFailure(t *testing.T) {
	l := newTestLoader(t)
	old := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), old))

	newMod := &fakeModule{manifest: manifestFor("reminders", "1.1.0")}
	newMod.manifest.Provides = append(newMod.manifest.Provides, model.ProvidesEntry{Type: "tool", ID: "reminders.snooze"})
	newMod.migrateFn = func(ctx context.Context, oldVersion string, bundle MigrationBundle) (MigrationBundle, error) {
		bundle.Storage = []pluginstorage.Entry{{Key: "bad", Value: []byte("not-json")}}
		return bundle, nil
	}

	err := l.HotSwap(context.Background(), "reminders", newMod)
	require.Error(t, err)
	kind, _ := model.KindOf(err)
	assert.Equal(t, model.ErrActivationFailed, kind)
	assert.True(t, newMod.deactivated, "half-activated new module must be deactivated on rollback")

	manifest, ok := l.GetPlugin("reminders")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", manifest.Version)

	_, ok = l.registry.Get("tool", "reminders.create")
	assert.True(t, ok, "old plugin's provides entry must be restored after rollback")
	_, ok = l.registry.Get("tool", "reminders.snooze")
	assert.False(t, ok, "new plugin's extra provides entry must not survive rollback")
}

func TestHotSwapSucceeds(t *testing.T) {
	l := newTestLoader(t)
	old := &fakeModule{manifest: manifestFor("reminders", "1.0.0")}
	require.NoError(t, l.Load(context.Background(), old))

	newMod := &fakeModule{manifest: manifestFor("reminders", "1.1.0")}
	require.NoError(t, l.HotSwap(context.Background(), "reminders", newMod))

	manifest, ok := l.GetPlugin("reminders")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", manifest.Version)
}
