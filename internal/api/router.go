package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rdlogout/comfyui-agent/internal/download"
	"github.com/rdlogout/comfyui-agent/internal/hostsync"
	"github.com/rdlogout/comfyui-agent/internal/orchestrator"
	"github.com/rdlogout/comfyui-agent/internal/plugins"
	"github.com/rdlogout/comfyui-agent/internal/progress"
	"github.com/rdlogout/comfyui-agent/internal/tunnel"
	"github.com/rdlogout/comfyui-agent/internal/workflow"
)

// RouterConfig holds every dependency the handlers need. It is populated in
// cmd/agent after all components are initialized and passed to NewRouter as
// one struct so the constructor signature stays manageable.
type RouterConfig struct {
	Logger       *zap.Logger
	Tunnel       *tunnel.Supervisor
	Downloads    *download.Manager
	Syncer       *hostsync.Syncer
	Orchestrator *orchestrator.Orchestrator
	Tracker      *progress.Tracker
	Normalizer   *workflow.Normalizer
	Updater      *plugins.Updater
}

// server carries the router dependencies for the handler methods.
type server struct {
	cfg    RouterConfig
	logger *zap.Logger
}

// NewRouter builds the fully configured Chi router serving the agent's
// local surface.
func NewRouter(cfg RouterConfig) http.Handler {
	s := &server{cfg: cfg, logger: cfg.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	// Recoverer catches handler panics and returns a 500 instead of taking
	// the supervisor process down.
	r.Use(middleware.Recoverer)

	r.Get("/workflow/convert", s.handleConvertInfo)
	r.Post("/workflow/convert", s.handleConvert)

	r.Get("/tunnel/status", s.handleTunnelStatus)

	r.Get("/api/sync-host", s.handleSyncHost)
	r.Get("/api/sync-nodes", s.handleSyncNodes)
	r.Post("/api/sync-nodes", s.handleSyncNodes)
	r.Get("/api/sync-models", s.handleSyncModels)
	r.Post("/api/sync-models", s.handleSyncModels)
	r.Get("/api/dependencies", s.handleDependencies)
	r.Get("/api/workflow-run", s.handleWorkflowRun)
	r.Post("/api/workflow-run", s.handleWorkflowRun)
	r.Post("/api/queue-prompt", s.handleQueuePrompt)

	r.Post("/download_model", s.handleDownloadModel)
	r.Get("/download_progress/*", s.handleDownloadProgress)
	r.Get("/download_tasks", s.handleDownloadTasks)

	r.Get("/api/prompt-status", s.handlePromptStatus)
	r.Get("/api/prompt-status/all", s.handleAllPromptStatus)
	r.Get("/api/service-status", s.handleServiceStatus)

	r.Get("/api/pull-update", s.handlePullUpdate)
	r.Post("/api/pull-update", s.handlePullUpdate)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
