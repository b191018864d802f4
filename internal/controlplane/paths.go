package controlplane

import "fmt"

// Relative control-plane paths. Note the asymmetry: workflow runs live under
// the singular "machine" segment while registration and desired-state lists
// use the plural "machines". Both are part of the wire contract.
const (
	PathConnect      = "api/machines/connect"
	PathCustomNodes  = "api/machines/custom_nodes"
	PathModels       = "api/machines/models"
	PathDependencies = "api/machines/dependencies"
	PathWorkflowRuns = "api/machine/workflow-run"
)

// PathRunQueue is the ack route for a successfully queued run.
func PathRunQueue(runID string) string {
	return fmt.Sprintf("api/workflow-run/%s/queue", runID)
}

// PathRun is the terminal-state route for a run.
func PathRun(runID string) string {
	return fmt.Sprintf("api/workflow-run/%s", runID)
}
