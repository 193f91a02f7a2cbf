package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/pipeline"
)

type fakeController struct {
	jobs    map[string][]*job.Job
	stopped atomic.Bool
}

func (f *fakeController) Status() pipeline.Status {
	return pipeline.Status{RunID: "run-1", State: pipeline.Transferring, Total: 2, Completed: 0, Progress: "0/2"}
}

func (f *fakeController) Jobs(stage string) []*job.Job {
	jobs, ok := f.jobs[stage]
	if !ok {
		return nil
	}
	return jobs
}

func (f *fakeController) RequestStop(bool) { f.stopped.Store(true) }

func newTestRouter(t *testing.T) (*gin.Engine, *fakeController) {
	gin.SetMode(gin.TestMode)

	tr := job.New(inventory.Device{Alias: "A", Address: "10.0.0.1"})
	tr.Start()
	tr.AddLog("Connecting to 10.0.0.1")
	ctrl := &fakeController{jobs: map[string][]*job.Job{
		pipeline.StageDownload: {},
		pipeline.StageTransfer: {tr},
		pipeline.StageInstall:  {job.New(inventory.Device{Alias: "A", Address: "10.0.0.1"})},
	}}

	mc := cache.NewMemCache()
	mc.Set("10.0.0.2", cache.Result{Alias: "B", Status: "error", Err: errors.New("boom")})

	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "probe_deployer_test_gauge", Help: "test"})
	g.Set(3)
	reg.MustRegister(g)

	return NewRouter(ctrl, mc, reg), ctrl
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestStatusAndJobs(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "Transferring", st["state"])
	assert.Equal(t, "0/2", st["progress"])

	w = do(r, http.MethodGet, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs map[string][]job.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs[pipeline.StageTransfer], 1)
	assert.Equal(t, "A", jobs[pipeline.StageTransfer][0].Device)
	assert.True(t, jobs[pipeline.StageTransfer][0].InProgress)
	assert.Empty(t, jobs[pipeline.StageDownload])
}

func TestJobLogs(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/v1/jobs/transfer/0/logs")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"Connecting to 10.0.0.1"}, body.Logs)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/bogus/0/logs").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/transfer/5/logs").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/transfer/x/logs").Code)
}

func TestDevices(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/v1/devices")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"boom"`)
	assert.Contains(t, w.Body.String(), `"alias":"B"`)
}

func TestStop(t *testing.T) {
	r, ctrl := newTestRouter(t)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/stop").Code)
	assert.False(t, ctrl.stopped.Load())

	w := do(r, http.MethodPost, "/api/v1/stop")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, ctrl.stopped.Load())
}

func TestMetrics(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "probe_deployer_test_gauge 3"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	r, _ := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, r) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
