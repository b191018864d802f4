package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdlogout/comfyui-agent/internal/assets"
	"github.com/rdlogout/comfyui-agent/internal/backend"
	"github.com/rdlogout/comfyui-agent/internal/config"
	"github.com/rdlogout/comfyui-agent/internal/controlplane"
	"github.com/rdlogout/comfyui-agent/internal/download"
	"github.com/rdlogout/comfyui-agent/internal/hostinfo"
	"github.com/rdlogout/comfyui-agent/internal/hostsync"
	"github.com/rdlogout/comfyui-agent/internal/modelhub"
	"github.com/rdlogout/comfyui-agent/internal/orchestrator"
	"github.com/rdlogout/comfyui-agent/internal/plugins"
	"github.com/rdlogout/comfyui-agent/internal/progress"
	"github.com/rdlogout/comfyui-agent/internal/tunnel"
	"github.com/rdlogout/comfyui-agent/internal/workflow"
)

// stubCatalog satisfies workflow.Catalog for handler tests.
type stubCatalog map[string]*workflow.NodeInfo

func (c stubCatalog) Info(_ context.Context, nodeType string) *workflow.NodeInfo {
	return c[nodeType]
}

// testEnv wires a full router against httptest collaborators.
type testEnv struct {
	router    http.Handler
	tracker   *progress.Tracker
	downloads *download.Manager
}

// newTestEnv builds the router. backendHandler serves the fake ComfyUI API;
// planeHandler serves the fake control plane. connectTracker spins up a
// websocket endpoint so the tracker reports connected.
func newTestEnv(t *testing.T, backendHandler, planeHandler http.HandlerFunc, connectTracker bool) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	if backendHandler == nil {
		backendHandler = func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) }
	}
	if planeHandler == nil {
		planeHandler = func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) }
	}
	backendSrv := httptest.NewServer(backendHandler)
	t.Cleanup(backendSrv.Close)
	planeSrv := httptest.NewServer(planeHandler)
	t.Cleanup(planeSrv.Close)

	cfg := &config.Config{
		ComfyPath:    t.TempDir(),
		CriticalDeps: config.DefaultCriticalDeps,
	}

	plane := controlplane.New(planeSrv.URL, "m-123", logger)
	be := backend.NewWithBaseURL(backendSrv.URL, logger)
	downloads := download.NewManager(cfg.ComfyPath, logger)
	tun := tunnel.New(8188, logger)
	syncer := hostsync.New(cfg, plane, tun, hostinfo.NewCollector(logger), downloads,
		modelhub.New(t.TempDir(), cfg.SharedModelsDir(), logger),
		plugins.NewInstaller(cfg, logger), logger)

	tracker := progress.NewTrackerWithURL("ws://localhost:0/ws", logger)
	if connectTracker {
		var upgrader websocket.Upgrader
		wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}))
		t.Cleanup(wsSrv.Close)

		tracker = progress.NewTrackerWithURL("ws"+strings.TrimPrefix(wsSrv.URL, "http")+"/ws", logger)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go tracker.Run(ctx)
		require.Eventually(t, func() bool { return tracker.Connected() },
			5*time.Second, 10*time.Millisecond)
	}

	normalizer := workflow.NewNormalizer(stubCatalog{
		"SaveImage": {OutputNode: true, InputOrder: []string{"images"}},
	}, logger)
	rewriter := assets.NewRewriter("assets.invalid", cfg.InputDir(), logger)
	orch := orchestrator.New(plane, be, rewriter, tracker, logger)

	router := NewRouter(RouterConfig{
		Logger:       logger,
		Tunnel:       tun,
		Downloads:    downloads,
		Syncer:       syncer,
		Orchestrator: orch,
		Tracker:      tracker,
		Normalizer:   normalizer,
		Updater:      plugins.NewUpdater(cfg, logger),
	})
	return &testEnv{router: router, tracker: tracker, downloads: downloads}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var decoded map[string]any
	json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func TestConvertRejectsInvalidDocument(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)

	rec, body := env.do(t, http.MethodPost, "/workflow/convert", `{"not": "a workflow"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "Invalid workflow format - missing nodes or links", body["error"])
}

func TestConvertEditorGraph(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)

	rec, _ := env.do(t, http.MethodPost, "/workflow/convert", `{
		"nodes": [{"id": 1, "type": "SaveImage", "title": "out", "outputs": []}],
		"links": []
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, "SaveImage", result["1"]["class_type"])
	require.Contains(t, rec.Body.String(), "\n  ", "output is pretty-printed")
}

func TestConvertExecutionFormatIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)
	doc := `{"3": {"class_type": "KSampler", "inputs": {"seed": 1}, "_meta": {"title": "KSampler"}}}`

	rec1, _ := env.do(t, http.MethodPost, "/workflow/convert", doc)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2, _ := env.do(t, http.MethodPost, "/workflow/convert", rec1.Body.String())
	require.Equal(t, http.StatusOK, rec2.Code)
	require.JSONEq(t, rec1.Body.String(), rec2.Body.String())
}

func TestTunnelStatusWhileDown(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)

	rec, body := env.do(t, http.MethodGet, "/tunnel/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, body["url"])
	require.Equal(t, false, body["running"])
	require.Equal(t, float64(8188), body["port"])
}

func TestServiceStatusReflectsTracker(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)
	rec, body := env.do(t, http.MethodGet, "/api/service-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "disconnected", body["service_status"])
	require.Equal(t, false, body["connected"])

	env = newTestEnv(t, nil, nil, true)
	_, body = env.do(t, http.MethodGet, "/api/service-status", "")
	require.Equal(t, "connected", body["service_status"])
}

func TestPromptStatusWhileDisconnected(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)

	rec, body := env.do(t, http.MethodGet, "/api/prompt-status?id=p-1", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "disconnected", body["service_status"])
}

func TestPromptStatusMissingID(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)

	rec, body := env.do(t, http.MethodGet, "/api/prompt-status", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, body["error"], "Missing required query parameter")
}

func TestPromptStatusUnknownID(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, nil, true)

	rec, body := env.do(t, http.MethodGet, "/api/prompt-status?id=p-ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "p-ghost", body["prompt_id"])
	require.Contains(t, body["error"], "No progress data found for prompt_id: p-ghost")
}

func TestPromptStatusFromBackendHistory(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/history/p-1" {
			w.Write([]byte(`{"p-1": {"status": {"status_str": "success", "messages": []}}}`))
			return
		}
		w.Write([]byte(`{}`))
	}, nil, true)

	rec, body := env.do(t, http.MethodGet, "/api/prompt-status?id=p-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, "connected", body["service_status"])

	data := body["data"].(map[string]any)
	require.Equal(t, "completed", data["status"])
	require.Equal(t, float64(100), data["progress"])
}

func TestAllPromptStatus(t *testing.T) {
	env := newTestEnv(t, nil, nil, true)

	rec, body := env.do(t, http.MethodGet, "/api/prompt-status/all", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(0), body["count"])
}

func TestQueuePromptWrappedBody(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/prompt", r.URL.Path)
		w.Write([]byte(`{"prompt_id": "p-9", "number": 2}`))
	}, nil, false)

	rec, body := env.do(t, http.MethodPost, "/api/queue-prompt",
		`{"id": "r1", "prompt": {"1": {"class_type": "KSampler", "inputs": {}}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, "p-9", body["prompt_id"])
	require.Equal(t, float64(2), body["number"])
}

func TestQueuePromptBareBody(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id": "p-10"}`))
	}, nil, false)

	rec, body := env.do(t, http.MethodPost, "/api/queue-prompt",
		`{"1": {"class_type": "KSampler", "inputs": {}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "p-10", body["prompt_id"])
}

func TestQueuePromptBackendFailure(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "bad graph"}`, http.StatusBadRequest)
	}, nil, false)

	rec, body := env.do(t, http.MethodPost, "/api/queue-prompt",
		`{"1": {"class_type": "KSampler"}}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, false, body["success"])
}

func TestQueuePromptInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)
	rec, _ := env.do(t, http.MethodPost, "/api/queue-prompt", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadModelValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)

	rec, _ := env.do(t, http.MethodPost, "/download_model", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/download_model", `{"url": "https://x/file"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, body["error"], "url and path are required")
}

func TestDownloadRoutes(t *testing.T) {
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer fileSrv.Close()

	env := newTestEnv(t, nil, nil, false)

	rec, body := env.do(t, http.MethodPost, "/download_model",
		`{"url": "`+fileSrv.URL+`/m.bin", "path": "models/m.bin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	task := body["task"].(map[string]any)
	taskID := task["task_id"].(string)
	require.NotEmpty(t, taskID)

	rec, body = env.do(t, http.MethodGet, "/download_progress/x?id=no-such-task", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, body["error"], "No task found for id")

	require.Eventually(t, func() bool {
		snapshot, ok := env.downloads.Get(taskID)
		return ok && snapshot.Status == download.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	rec, body = env.do(t, http.MethodGet, "/download_tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["count"])
}

func TestWorkflowRunEndpoint(t *testing.T) {
	env := newTestEnv(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"prompt_id": "p-1"}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.Write([]byte(`[{"id": "r1", "prompt": {"1": {"class_type": "KSampler"}}}]`))
				return
			}
			w.Write([]byte(`{}`))
		}, false)

	rec, body := env.do(t, http.MethodGet, "/api/workflow-run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, "Processed 1 workflow items", body["message"])

	results := body["results"].(map[string]any)
	require.Equal(t, float64(1), results["queued"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, false)
	rec, _ := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "comfyui_agent_")
}

func TestSyncHostEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	}, false)

	rec, body := env.do(t, http.MethodGet, "/api/sync-host", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Contains(t, body, "machine")
}
