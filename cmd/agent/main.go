// Package main is the entry point for the comfyui-agent binary.
// It wires all internal packages together and serves the local HTTP surface.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Construct the component graph (control plane, backend, downloads,
//     tunnel, syncer, tracker, normalizer, orchestrator)
//  4. Start the tunnel and the progress subscriber
//  5. Serve HTTP until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rdlogout/comfyui-agent/internal/api"
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

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "comfyui-agent",
		Short: "Attach a local ComfyUI backend to the control plane",
		Long: `ComfyUI agent runs next to a local ComfyUI install.
It exposes the backend through a cloudflared tunnel, registers the machine
with the control plane, converges local custom nodes and models on the
control plane's desired state, and queues workflow runs on the backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.MachineID, "machine-id", envOrDefault("MACHINE_ID", ""), "Machine identifier sent as x-machine-id on every control-plane call")
	root.PersistentFlags().StringVar(&cfg.BaseURL, "base-url", envOrDefault("COMFYUI_AGENT_BASE_URL", config.DefaultBaseURL), "Control-plane base URL")
	root.PersistentFlags().StringVar(&cfg.AssetHost, "asset-host", envOrDefault("COMFYUI_AGENT_ASSET_HOST", config.DefaultAssetHost), "Hostname whose workflow asset URLs are localized before queueing")
	root.PersistentFlags().IntVar(&cfg.ComfyPort, "comfy-port", envIntOrDefault("COMFYUI_PORT", config.DefaultComfyPort), "Loopback port the ComfyUI backend listens on")
	root.PersistentFlags().StringVar(&cfg.ComfyPath, "comfy-path", envOrDefault("COMFYUI_PATH", config.DefaultComfyPath()), "ComfyUI install directory (custom_nodes, models, input, venv)")
	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen", envOrDefault("COMFYUI_AGENT_LISTEN", config.DefaultListenAddr), "Local address the agent's HTTP surface binds to")
	root.PersistentFlags().StringVar(&cfg.HFHome, "hf-home", envOrDefault("HF_HOME", ""), "Hugging Face hub cache root (empty = hub default)")
	root.PersistentFlags().StringVar(&cfg.UpdateRepoURL, "update-repo", envOrDefault("COMFYUI_AGENT_UPDATE_REPO", config.DefaultUpdateRepoURL), "Repository the self-update endpoint pulls")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", envOrDefault("COMFYUI_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	cfg.CriticalDeps = config.DefaultCriticalDeps

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("comfyui-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.MachineID == "" {
		logger.Warn("machine-id not configured, control-plane operations will fail (set MACHINE_ID)")
	}

	logger.Info("starting comfyui agent",
		zap.String("version", version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("comfy_path", cfg.ComfyPath),
		zap.Int("comfy_port", cfg.ComfyPort),
		zap.String("listen", cfg.ListenAddr),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Component graph ---
	plane := controlplane.New(cfg.BaseURL, cfg.MachineID, logger)
	be := backend.New(cfg.ComfyPort, logger)

	downloads := download.NewManager(cfg.ComfyPath, logger)
	// New model files are invisible to the backend until it rescans its
	// model folders.
	downloads.OnComplete(be.RefreshModelCache)

	hub := modelhub.New(cfg.HFHome, cfg.SharedModelsDir(), logger)
	installer := plugins.NewInstaller(cfg, logger)
	updater := plugins.NewUpdater(cfg, logger)
	collector := hostinfo.NewCollector(logger)

	tun := tunnel.New(cfg.ComfyPort, logger)
	syncer := hostsync.New(cfg, plane, tun, collector, downloads, hub, installer, logger)

	tracker := progress.NewTracker(cfg.ComfyPort, logger)
	catalog := workflow.NewCatalog(be, logger)
	normalizer := workflow.NewNormalizer(catalog, logger)
	rewriter := assets.NewRewriter(cfg.AssetHost, cfg.InputDir(), logger)
	orch := orchestrator.New(plane, be, rewriter, tracker, logger)

	// --- Tunnel lifecycle ---
	// Registration rides on the tunnel: the first URL sighting registers the
	// machine, and the heartbeat re-registers it every 30s so the control
	// plane keeps the machine online.
	register := func() {
		regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
		defer regCancel()
		if _, err := syncer.SyncHost(regCtx); err != nil {
			logger.Error("host registration failed", zap.Error(err))
		}
	}
	tun.OnURLReady(func(string) { register() })
	tun.OnHeartbeat(register)

	if !tun.Start() {
		logger.Warn("tunnel not started, machine will not register until cloudflared is available")
	}
	defer tun.Stop()

	// --- Progress subscriber ---
	go tracker.Run(ctx)

	// --- HTTP surface ---
	router := api.NewRouter(api.RouterConfig{
		Logger:       logger,
		Tunnel:       tun,
		Downloads:    downloads,
		Syncer:       syncer,
		Orchestrator: orch,
		Tracker:      tracker,
		Normalizer:   normalizer,
		Updater:      updater,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http surface listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	logger.Info("comfyui agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
