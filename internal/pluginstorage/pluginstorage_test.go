package pluginstorage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugins.db")
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.Set("a", json.RawMessage(`{"x":1}`)))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(v))
}

func TestDeleteSubtractsSize(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.Set("a", json.RawMessage(`"12345"`)))
	sizeBefore, _ := s.SizeBytes()
	assert.Greater(t, sizeBefore, int64(0))

	require.NoError(t, s.Delete("a"))
	sizeAfter, _ := s.SizeBytes()
	assert.Equal(t, int64(0), sizeAfter)
}

func TestSetRejectsOverMaxSize(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0.000001) // ~1 byte cap
	require.NoError(t, err)

	err = s.Set("a", json.RawMessage(`"this is definitely more than one byte"`))
	require.Error(t, err)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrStorageLimitExceeded, kind)
}

func TestQueryPrefixAndPagination(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "news", 0, 0)
	require.NoError(t, err)

	for _, k := range []string{"item:1", "item:2", "item:3", "other:1"} {
		require.NoError(t, s.Set(k, json.RawMessage(`1`)))
	}

	entries, err := s.Query(QueryOptions{Prefix: "item:", Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "item:1", entries[0].Key)
	assert.Equal(t, "item:2", entries[1].Key)

	page2, err := s.Query(QueryOptions{Prefix: "item:", Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "item:3", page2[0].Key)
}

func TestQueryLimitCappedAt1000(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "bulk", 0, 0)
	require.NoError(t, err)
	entries, err := s.Query(QueryOptions{Limit: 5000})
	require.NoError(t, err)
	assert.Len(t, entries, 0) // nothing stored, but limit silently clamps rather than erroring
}

func TestGetAllDataRestoreDataRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", json.RawMessage(`1`)))
	require.NoError(t, s.Set("b", json.RawMessage(`2`)))

	data, err := s.GetAllData()
	require.NoError(t, err)
	require.Len(t, data, 2)

	other, err := Open(db, "news", 0, 0)
	require.NoError(t, err)
	require.NoError(t, other.RestoreData(data))

	restored, err := other.GetAllData()
	require.NoError(t, err)
	assert.Len(t, restored, 2)
}

func TestClearResetsSize(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set("a", json.RawMessage(`"hello"`)))
	require.NoError(t, s.Clear())
	n, err := s.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_, ok, _ := s.Get("a")
	assert.False(t, ok)
}

func TestKeysGlobPattern(t *testing.T) {
	db := openTestDB(t)
	s, err := Open(db, "reminders", 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Set("alpha", json.RawMessage(`1`)))
	require.NoError(t, s.Set("beta", json.RawMessage(`1`)))

	keys, err := s.Keys("a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, keys)
}
