package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmetrics/pulse/pkg/cache"
	cachemem "github.com/flowmetrics/pulse/pkg/cache/memory"
	"github.com/flowmetrics/pulse/pkg/data"
	"github.com/flowmetrics/pulse/pkg/measurement"
	queuemem "github.com/flowmetrics/pulse/pkg/queue/memory"
	"github.com/flowmetrics/pulse/pkg/realtime"
	storemem "github.com/flowmetrics/pulse/pkg/store/memory"
)

type testServer struct {
	router *mux.Router
	store  *storemem.Store
	broker *queuemem.Broker
}

func newTestServer() *testServer {
	st := storemem.New()
	c := cache.New(cachemem.New(), cache.Options{})
	broker := queuemem.New(queuemem.Config{})
	svc := data.New(st, c, broker)

	router := mux.NewRouter()
	SetupRoutes(router, NewHandlers(svc, realtime.NewHub()))
	return &testServer{router: router, store: st, broker: broker}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestIngestEndpoint_SmallBatch(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, "POST", "/v1/data/ingest", IngestRequest{
		Data: []measurement.Measurement{
			{Type: "temperature", Value: 21.5},
			{Type: "temperature", Value: 22.1},
		},
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var result measurement.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Queued)
	assert.Contains(t, result.BatchID, "immediate_")

	count, err := ts.store.Count(context.Background(), "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestIngestEndpoint_LargeBatchAccepted(t *testing.T) {
	ts := newTestServer()

	points := make([]measurement.Measurement, 11)
	for i := range points {
		points[i] = measurement.Measurement{Type: "cpu", Value: float64(i)}
	}
	w := ts.do(t, "POST", "/v1/data/ingest", IngestRequest{Data: points})

	require.Equal(t, http.StatusAccepted, w.Code)
	var result measurement.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Queued)
	assert.Contains(t, result.BatchID, "batch_")

	// Deferred: nothing written until a worker picks up the job
	count, err := ts.store.Count(context.Background(), "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	depth, err := ts.broker.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestIngestEndpoint_RejectsNonNumericValue(t *testing.T) {
	ts := newTestServer()

	// A string value fails JSON decoding into the float field; the whole
	// batch is rejected and nothing reaches the store
	body := []byte(`{"data":[{"type":"cpu","value":1},{"type":"cpu","value":"abc"}]}`)
	req := httptest.NewRequest("POST", "/v1/data/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	count, err := ts.store.Count(context.Background(), "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestIngestEndpoint_RejectsMissingType(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, "POST", "/v1/data/ingest", IngestRequest{
		Data: []measurement.Measurement{{Value: 1}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["message"], "type is required")
}

func TestBulkIngestEndpoint(t *testing.T) {
	ts := newTestServer()

	points := make([]measurement.Measurement, 5)
	for i := range points {
		points[i] = measurement.Measurement{Type: "cpu", Value: float64(i)}
	}
	w := ts.do(t, "POST", "/v1/data/ingest/bulk", IngestRequest{Data: points})

	// Bulk always queues, even below the synchronous threshold
	require.Equal(t, http.StatusAccepted, w.Code)
	depth, err := ts.broker.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer()
	ts.store.InsertMany(context.Background(), []measurement.Measurement{
		{Type: "cpu", Value: 10},
		{Type: "mem", Value: 30},
	})

	w := ts.do(t, "GET", "/v1/data/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap measurement.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap.TotalPoints)
	assert.Equal(t, float64(20), snap.AvgValue)
	assert.Equal(t, 1, snap.DataByType["cpu"])
}

func TestStatsEndpoint_EmptyStoreIsZeros(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, "GET", "/v1/data/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap measurement.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(0), snap.TotalPoints)
	assert.Equal(t, float64(0), snap.AvgValue)
	assert.NotNil(t, snap.DataByType)
}

func TestRealtimeStatsEndpoint(t *testing.T) {
	ts := newTestServer()
	ts.store.InsertMany(context.Background(), []measurement.Measurement{
		{Type: "cpu", Value: 1, Timestamp: time.Now()},
		{Type: "cpu", Value: 2, Timestamp: time.Now().Add(-time.Hour)},
	})

	w := ts.do(t, "GET", "/v1/data/stats/realtime", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap measurement.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalPoints)
}

func TestHistoryEndpoint_Pagination(t *testing.T) {
	ts := newTestServer()
	points := make([]measurement.Measurement, 7)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range points {
		points[i] = measurement.Measurement{
			Type: "cpu", Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	ts.store.InsertMany(context.Background(), points)

	w := ts.do(t, "GET", "/v1/data/history?page=1&limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page measurement.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Data, 3)
	assert.Equal(t, int64(7), page.Pagination.Total)
	assert.True(t, page.Pagination.HasNext)
	assert.False(t, page.Pagination.HasPrev)
	// Newest first
	assert.Equal(t, float64(6), page.Data[0].Value)
}

func TestHistoryEndpoint_BadTimeParam(t *testing.T) {
	ts := newTestServer()
	w := ts.do(t, "GET", "/v1/data/history?start=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAggregateEndpoint(t *testing.T) {
	ts := newTestServer()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ts.store.InsertMany(context.Background(), []measurement.Measurement{
		{Type: "cpu", Value: 2, Timestamp: base.Add(5 * time.Minute)},
		{Type: "cpu", Value: 4, Timestamp: base.Add(10 * time.Minute)},
		{Type: "cpu", Value: 6, Timestamp: base.Add(70 * time.Minute)},
	})

	path := fmt.Sprintf("/v1/data/aggregate?type=cpu&interval=hour&start=%s&end=%s",
		base.Format(time.RFC3339), base.Add(2*time.Hour).Format(time.RFC3339))
	w := ts.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var buckets []measurement.Bucket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &buckets))
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, float64(3), buckets[0].AvgValue)
	assert.Equal(t, float64(6), buckets[0].SumValue)
}

func TestAggregateEndpoint_Validation(t *testing.T) {
	ts := newTestServer()

	w := ts.do(t, "GET", "/v1/data/aggregate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "GET", "/v1/data/aggregate?type=cpu&interval=month", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer()
	w := ts.do(t, "GET", "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
