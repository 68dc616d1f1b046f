package pluginregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("reminders", "tool", "reminder.create", func() {}))
	p, ok := r.Get("tool", "reminder.create")
	assert.True(t, ok)
	assert.NotNil(t, p)
}

func TestDuplicateRegistrationFromDifferentPluginRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("reminders", "tool", "x", 1))
	err := r.Register("news", "tool", "x", 2)
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrValidationFailed, kind)
}

func TestSamePluginReRegisterAllowed(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("reminders", "tool", "x", 1))
	require.NoError(t, r.Register("reminders", "tool", "x", 2))
}

func TestUnregisterPluginRemovesOnlyItsEntries(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("reminders", "tool", "a", 1))
	require.NoError(t, r.Register("news", "tool", "b", 2))
	r.UnregisterPlugin("reminders")

	_, ok := r.Get("tool", "a")
	assert.False(t, ok)
	_, ok = r.Get("tool", "b")
	assert.True(t, ok)
}
