package autopilot

import "github.com/mizutanik/flotilla/internal/model"

// State is a project's scheduling state as of the last sweep.
type State string

const (
	StateDisabled State = "disabled"
	StatePaused   State = "paused"
	StateRunning  State = "running"
	StateIdle     State = "idle"
)

// Blocked reasons attached to non-schedulable states.
const (
	ReasonVMNotReady   = "vm_not_ready"
	ReasonFailureLimit = "failure_limit"
	ReasonActiveRun    = "active_run"
	ReasonOffSchedule  = "off_schedule"
)

// ProjectStatus is one project's admission-control verdict for a cycle.
type ProjectStatus struct {
	ProjectID           string           `json:"project_id"`
	State               State            `json:"state"`
	BlockedReason       string           `json:"blocked_reason,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	NextCandidate       *model.WorkOrder `json:"next_candidate,omitempty"`
	EnqueuedRunID       string           `json:"enqueued_run_id,omitempty"`
}

// ResourceProber reports compute readiness for a project's runtime.
// Implementations wrap whatever VM or container layer runs the agents.
type ResourceProber interface {
	Probe(projectID string) model.ResourceState
}

// StaticProber reports a fixed state per project, defaulting to running.
// It stands in where no runtime layer is wired.
type StaticProber struct {
	States map[string]model.ResourceState
}

func (p StaticProber) Probe(projectID string) model.ResourceState {
	if state, ok := p.States[projectID]; ok {
		return state
	}
	return model.ResourceRunning
}
