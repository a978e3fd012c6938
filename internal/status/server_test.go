package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
	"github.com/i5heu/ouroboros-cctv/pkg/metrics"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) ActiveStreams() map[string]string {
	args := m.Called()
	return args.Get(0).(map[string]string)
}

func (m *MockPipeline) Streams() ([]string, error) {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPipeline) List(streamID string) ([]ledger.Entry, error) {
	args := m.Called(streamID)
	if e := args.Get(0); e != nil {
		return e.([]ledger.Entry), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestServer(m *MockPipeline, reg *prometheus.Registry) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewServer(m, m, reg, logger)
}

func serve(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(newTestServer(new(MockPipeline), prometheus.NewRegistry()), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ChunksStored.WithLabelValues("door").Inc()

	rec := serve(newTestServer(new(MockPipeline), reg), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cctv_chunks_stored_total{stream="door"} 1`)
}

func TestStreamsMergesActiveAndRecorded(t *testing.T) {
	m := new(MockPipeline)
	m.On("ActiveStreams").Return(map[string]string{"door": "s-2", "yard": "s-3"})
	m.On("Streams").Return([]string{"door", "garage"}, nil)
	m.On("List", "door").Return([]ledger.Entry{
		{StreamID: "door", Index: 0, Address: "QmA", Frames: 10},
		{StreamID: "door", Index: 1, Address: "QmB", Frames: 5},
	}, nil)
	m.On("List", "garage").Return([]ledger.Entry{{StreamID: "garage", Address: "QmC", Frames: 3}}, nil)
	m.On("List", "yard").Return(nil, nil)

	rec := serve(newTestServer(m, prometheus.NewRegistry()), "/streams")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []streamView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Equal(t, []streamView{
		{ID: "door", Active: true, Session: "s-2", Chunks: 2, Frames: 15, LastAddress: "QmB"},
		{ID: "garage", Chunks: 1, Frames: 3, LastAddress: "QmC"},
		{ID: "yard", Active: true, Session: "s-3"},
	}, views)
	m.AssertExpectations(t)
}

func TestLedger(t *testing.T) {
	m := new(MockPipeline)
	m.On("List", "door").Return([]ledger.Entry{{StreamID: "door", Index: 4, SessionID: "s", Address: "QmA", Frames: 60, StrongFrames: 1}}, nil)

	rec := serve(newTestServer(m, prometheus.NewRegistry()), "/ledger/door")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []entryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, uint64(4), views[0].Index)
	assert.Equal(t, "QmA", views[0].Address)
	assert.Equal(t, uint64(1), views[0].StrongFrames)
}

func TestLedgerErrors(t *testing.T) {
	m := new(MockPipeline)
	m.On("List", "broken").Return(nil, errors.New("disk gone"))
	s := newTestServer(m, prometheus.NewRegistry())

	assert.Equal(t, http.StatusInternalServerError, serve(s, "/ledger/broken").Code)
	assert.Equal(t, http.StatusBadRequest, serve(s, "/ledger/%00").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, "/nothing").Code)
}

func TestShutdownStopsServer(t *testing.T) {
	s := newTestServer(new(MockPipeline), prometheus.NewRegistry())
	done := make(chan error, 1)
	go func() { done <- s.Start("127.0.0.1:0") }()

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept running after shutdown")
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	s := newTestServer(new(MockPipeline), prometheus.NewRegistry())
	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, s.Start("127.0.0.1:0"))
}
