package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-manager/internal/adapter/device"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/domain"
)

type statusCtrl struct {
	fakeCtrl
	statuses []domain.ModelStatusInfo
	logs     map[string][]domain.LogEntry
	started  []string
	stopped  []string
}

func (c *statusCtrl) StartModel(ctx context.Context, primary string) (bool, string) {
	c.started = append(c.started, primary)
	return true, ""
}

func (c *statusCtrl) StopModel(primary string) (bool, string) {
	c.stopped = append(c.stopped, primary)
	return true, ""
}

func (c *statusCtrl) ListStatus() []domain.ModelStatusInfo { return c.statuses }

func (c *statusCtrl) GetLog(primary string) ([]domain.LogEntry, bool) {
	entries, ok := c.logs[primary]
	return entries, ok
}

type stubDevice struct{ name string }

func (d *stubDevice) Name() string                      { return d.name }
func (d *stubDevice) IsOnline() bool                    { return true }
func (d *stubDevice) MemoryInfo() (int64, int64, int64) { return 1000, 600, 400 }

func handlersFixture(t *testing.T) (*statusCtrl, http.Handler) {
	t.Helper()
	yaml := `
models:
  m:
    aliases: ["my-model", "short"]
    mode: Chat
    port: 18300
    variants:
      - name: default
        required_devices: [cpu]
        script_path: run.sh
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfgMgr, err := config.NewManager(path)
	require.NoError(t, err)

	ctrl := &statusCtrl{
		statuses: []domain.ModelStatusInfo{
			{Name: "my-model", Status: domain.StatusRouting, Pending: 2},
		},
		logs: map[string][]domain.LogEntry{
			"my-model": {{Timestamp: time.Now(), Message: "loaded weights"}},
		},
	}
	srv := NewServer(cfgMgr, ctrl, device.NewRegistry(&stubDevice{name: "cpu"}))

	r := chi.NewRouter()
	r.Get("/health", srv.Health)
	r.Get("/v1/models", srv.ListModels)
	r.Get("/api/models/status", srv.ModelsStatus)
	r.Post("/api/models/{alias}/start", srv.StartModel)
	r.Post("/api/models/{alias}/stop", srv.StopModel)
	r.Get("/api/models/{alias}/logs", srv.ModelLogs)
	r.Get("/api/devices/info", srv.DevicesInfo)
	return ctrl, r
}

func doJSON(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]interface{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestListModelsIncludesAliasesAndMode(t *testing.T) {
	t.Parallel()
	_, h := handlersFixture(t)
	rr, body := doJSON(t, h, http.MethodGet, "/v1/models")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "list", body["object"])
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	entry := data[0].(map[string]interface{})
	assert.Equal(t, "my-model", entry["id"])
	assert.Equal(t, "model", entry["object"])
	assert.Equal(t, "Chat", entry["mode"])
	aliases := entry["aliases"].([]interface{})
	assert.Equal(t, []interface{}{"my-model", "short"}, aliases)
}

func TestHealthCountsRoutingModels(t *testing.T) {
	t.Parallel()
	_, h := handlersFixture(t)
	rr, body := doJSON(t, h, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["models_running"])
}

func TestStartStopResolveAliases(t *testing.T) {
	t.Parallel()
	ctrl, h := handlersFixture(t)

	rr, _ := doJSON(t, h, http.MethodPost, "/api/models/short/start")
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = doJSON(t, h, http.MethodPost, "/api/models/my-model/stop")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, []string{"my-model"}, ctrl.started)
	assert.Equal(t, []string{"my-model"}, ctrl.stopped)

	rr, body := doJSON(t, h, http.MethodPost, "/api/models/ghost/start")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, body["detail"], "ghost")
}

func TestModelLogsEndpoint(t *testing.T) {
	t.Parallel()
	_, h := handlersFixture(t)
	rr, body := doJSON(t, h, http.MethodGet, "/api/models/short/logs")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "my-model", body["model"])
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
	assert.Equal(t, "loaded weights", logs[0].(map[string]interface{})["message"])
}

func TestDevicesInfoEndpoint(t *testing.T) {
	t.Parallel()
	_, h := handlersFixture(t)
	rr, body := doJSON(t, h, http.MethodGet, "/api/devices/info")

	require.Equal(t, http.StatusOK, rr.Code)
	devices := body["devices"].([]interface{})
	require.Len(t, devices, 1)
	d := devices[0].(map[string]interface{})
	assert.Equal(t, "cpu", d["name"])
	assert.Equal(t, float64(600), d["available_mb"])
}

func TestModelsStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, h := handlersFixture(t)
	rr, body := doJSON(t, h, http.MethodGet, "/api/models/status")

	require.Equal(t, http.StatusOK, rr.Code)
	models := body["models"].([]interface{})
	require.Len(t, models, 1)
	m := models[0].(map[string]interface{})
	assert.Equal(t, "routing", m["status"])
	assert.Equal(t, float64(2), m["pending_requests"])
}
