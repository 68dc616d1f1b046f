package operatorapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shady2k/lifemodel-sub006/internal/ack"
	"github.com/shady2k/lifemodel-sub006/internal/model"
	"github.com/shady2k/lifemodel-sub006/internal/pluginloader"
	"github.com/shady2k/lifemodel-sub006/internal/pluginregistry"
	"github.com/shady2k/lifemodel-sub006/internal/recipient"
	"github.com/shady2k/lifemodel-sub006/internal/schedulersvc"
)

type fakeStatus struct{ snap StatusSnapshot }

func (f *fakeStatus) Status() StatusSnapshot { return f.snap }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "plugins.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sched := schedulersvc.New(zap.NewNop(), schedulersvc.DefaultMaxFiresPerTick)
	reg := pluginregistry.New()
	loader := pluginloader.New(db, sched, reg, zap.NewNop(), func(model.Signal) {})
	recipients := recipient.New()
	acks := ack.New()
	status := &fakeStatus{snap: StatusSnapshot{TickCount: 42, StressLevel: model.StressElevated}}

	return New(status, loader, recipients, acks, zap.NewNop())
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(42), got.TickCount)
	assert.Equal(t, model.StressElevated, got.StressLevel)
}

func TestPluginsListsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/plugins", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPluginPauseUnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/plugins/unknown-id/pause", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecipientsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recipients", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recipients":[]}`, rec.Body.String())
}

func TestRecipientsOmitsDestination(t *testing.T) {
	s := newTestServer(t)
	_, err := s.recipients.GetOrCreate("telegram", "chat-id-secret")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recipients", nil)
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "chat-id-secret")
	assert.NotContains(t, rec.Body.String(), "destination")
	assert.Contains(t, rec.Body.String(), "telegram")
}

func TestSetAckRoundTrips(t *testing.T) {
	s := newTestServer(t)
	body, err := json.Marshal(setAckRequest{
		SignalType: "heart_rate",
		Source:     "wearable-1",
		AckType:    string(model.AckHandled),
		ValueAtAck: 72,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := s.acks.Get("heart_rate", "wearable-1")
	assert.True(t, ok)
}

func TestSetAckRejectsMissingFields(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ack", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
