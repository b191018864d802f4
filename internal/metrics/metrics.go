// Package metrics holds the agent's Prometheus instrumentation. Collectors
// are package-level and auto-registered; the api package serves them on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsSubmitted counts tasks accepted by the transfer manager,
	// deduplicated submits excluded.
	DownloadsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_downloads_submitted_total",
		Help: "Download tasks started by the transfer manager.",
	})

	// DownloadsCompleted counts tasks that published their file.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_downloads_completed_total",
		Help: "Download tasks that reached completed.",
	})

	// DownloadsFailed counts terminal failures, permanent ones included.
	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_downloads_failed_total",
		Help: "Download tasks that reached error or failed_permanent.",
	})

	// RunsQueued counts workflow runs accepted by the backend.
	RunsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_workflow_runs_queued_total",
		Help: "Workflow runs queued to the backend.",
	})

	// RunsFailed counts workflow runs the backend refused.
	RunsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_workflow_runs_failed_total",
		Help: "Workflow runs that failed to queue.",
	})

	// WorkflowConversions counts normalizer invocations via the convert
	// endpoint.
	WorkflowConversions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_workflow_conversions_total",
		Help: "Editor-to-execution workflow conversions served.",
	})

	// WebsocketReconnects counts subscriber session re-establishments after
	// the first connect.
	WebsocketReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyui_agent_websocket_reconnects_total",
		Help: "Backend event stream reconnections.",
	})

	// TunnelConnected is 1 while the tunnel child process is running with a
	// known public URL.
	TunnelConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comfyui_agent_tunnel_connected",
		Help: "Whether the tunnel is up with a public URL.",
	})
)
