package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
)

func newController(t *testing.T) *nvmeq.Controller {
	t.Helper()

	ctrl, err := nvmeq.New(nvmeq.DefaultParams(backend.NewMemory(1<<20)), &nvmeq.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close() })

	require.NoError(t, ctrl.ConfigureAdminQueues(0x1000, 0x2000, 7, 7))
	require.NoError(t, ctrl.CreateCompletionQueue(nvmeq.CQParams{ID: 1, Size: 15, Base: 0x4000, Contiguous: true, IRQEnabled: true, Vector: 1}))
	require.NoError(t, ctrl.CreateSubmissionQueue(nvmeq.SQParams{ID: 1, CQID: 1, Size: 15, Base: 0x8000, Contiguous: true}))
	return ctrl
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListQueues(t *testing.T) {
	ctrl := newController(t)
	m := New(ctrl, "127.0.0.1:0", nil)

	rec := get(t, m.Handler(), "/api/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp queuesResponse
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ctrl.ID(), resp.Controller)
	require.Len(t, resp.Queues, 4)
	assert.Equal(t, "sq", resp.Queues[0].Kind)
	assert.Equal(t, uint16(0), resp.Queues[0].ID)
	assert.Equal(t, "cq", resp.Queues[3].Kind)
	assert.Equal(t, uint16(1), resp.Queues[3].ID)
}

func TestQueueDetails(t *testing.T) {
	ctrl := newController(t)
	m := New(ctrl, "127.0.0.1:0", nil)

	rec := get(t, m.Handler(), "/api/queue/1")
	require.Equal(t, http.StatusOK, rec.Code)

	var states []nvmeq.QueueState
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 2)
	for _, s := range states {
		assert.Equal(t, uint16(1), s.ID)
		assert.Equal(t, uint16(15), s.Size)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/queue/9", http.StatusNotFound},
		{"/api/queue/abc", http.StatusBadRequest},
		{"/api/queue/70000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, m.Handler(), tt.path).Code)
		})
	}
}

func TestAbortsEndpoint(t *testing.T) {
	ctrl := newController(t)
	m := New(ctrl, "127.0.0.1:0", nil)

	rec := get(t, m.Handler(), "/api/aborts")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp abortsResponse
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Pending)
	assert.Empty(t, resp.Queues)

	require.NoError(t, ctrl.Abort(1, 42))
	require.NoError(t, ctrl.Abort(1, 7))

	rec = get(t, m.Handler(), "/api/aborts")
	resp = abortsResponse{}
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Pending)
	require.Len(t, resp.Queues, 1)
	assert.Equal(t, uint16(1), resp.Queues[0].SQID)
	assert.ElementsMatch(t, []uint16{42, 7}, resp.Queues[0].CIDs)
}

func TestMetricsAndController(t *testing.T) {
	ctrl := newController(t)
	m := New(ctrl, "127.0.0.1:0", nil)

	rec := get(t, m.Handler(), "/api/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap nvmeq.MetricsSnapshot
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(0), snap.Completed)

	rec = get(t, m.Handler(), "/api/controller")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, ctrl.ID(), info["id"])
}

func TestMethodNotAllowed(t *testing.T) {
	m := New(newController(t), "127.0.0.1:0", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/queues", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartShutdown(t *testing.T) {
	m := New(newController(t), "127.0.0.1:0", nil)

	addr, err := m.Start()
	require.NoError(t, err)
	_, err = m.Start()
	assert.Error(t, err)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/queues")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.NoError(t, m.Shutdown(ctx), "second shutdown is a no-op")
}
