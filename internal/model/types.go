package model

import "time"

// WorkOrder is a project-scoped unit of agent-executable work. Rows are
// created and updated externally (spec files or API); the control plane
// reads them only.
type WorkOrder struct {
	ID        string          `yaml:"id" json:"id"`
	ProjectID string          `yaml:"project_id" json:"project_id"`
	Title     string          `yaml:"title" json:"title"`
	Status    WorkOrderStatus `yaml:"status" json:"status"`
	Priority  int             `yaml:"priority" json:"priority"` // 1-5, lower = more urgent
	Tags      []string        `yaml:"tags" json:"tags,omitempty"`
	DependsOn []string        `yaml:"depends_on" json:"depends_on,omitempty"` // raw refs: "project:wo" or "wo"
	UpdatedAt time.Time       `yaml:"updated_at" json:"updated_at"`
}

// Run is one execution of a work order by a coding agent.
type Run struct {
	ID          string
	ProjectID   string
	WorkOrderID string
	Status      RunStatus
	TriggeredBy string  // "manual" | "autopilot"
	ThreadID    *string // conversation thread surfacing this run, if any
	CreatedAt   time.Time
}

const (
	TriggerManual    = "manual"
	TriggerAutopilot = "autopilot"
)

// MergeLock guards the merge step of a run. One holder per project.
type MergeLock struct {
	ProjectID  string
	RunID      string
	AcquiredAt time.Time
}

// AutopilotPolicy is the per-project admission-control policy.
type AutopilotPolicy struct {
	ProjectID          string   `json:"project_id"`
	Enabled            bool     `json:"enabled"`
	MaxConcurrentRuns  int      `json:"max_concurrent_runs"`
	AllowedTags        []string `json:"allowed_tags,omitempty"` // nil = match all
	MinPriority        *int     `json:"min_priority,omitempty"` // nil = no bound; otherwise clamped to [1,5]
	StopOnFailureCount int      `json:"stop_on_failure_count"`
	ScheduleCron       *string  `json:"schedule_cron,omitempty"`
}

// PolicyPatch is a validated partial update to an AutopilotPolicy. Nil
// fields are left untouched.
type PolicyPatch struct {
	Enabled            *bool
	MaxConcurrentRuns  *int
	AllowedTags        *[]string // pointer-to-slice: set to nil slice clears the allowlist
	MinPriority        *int
	ClearMinPriority   bool
	StopOnFailureCount *int
	ScheduleCron       *string
	ClearScheduleCron  bool
}

// AttentionCode is one discrete signal class indicating a thread needs
// human review.
type AttentionCode string

const (
	AttentionPendingAction   AttentionCode = "pending_action"
	AttentionPendingApproval AttentionCode = "pending_approval"
	AttentionNeedsUserInput  AttentionCode = "needs_user_input"
	AttentionRunFailed       AttentionCode = "run_failed"
	AttentionUndoFailed      AttentionCode = "undo_failed"
)

type AttentionReason struct {
	Code         AttentionCode `json:"code"`
	CreatedAt    time.Time     `json:"created_at"`
	Count        int           `json:"count"`
	ActionTitles []string      `json:"action_titles,omitempty"` // pending_action only
}

type AttentionSummary struct {
	ThreadID    string            `json:"thread_id"`
	DisplayName string            `json:"display_name"`
	NeedsYou    bool              `json:"needs_you"`
	Reasons     []AttentionReason `json:"reasons,omitempty"`
	LastEventAt time.Time         `json:"last_event_at"`
}

// GlobalShift is one bounded execution window of the fleet decision loop.
// At most one is active at any time.
type GlobalShift struct {
	ID          string      `json:"id"`
	Status      ShiftStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	AgentType   string      `json:"agent_type"`
	AgentID     string      `json:"agent_id"`
	HandoffID   *string     `json:"handoff_id,omitempty"`
	Error       *string     `json:"error,omitempty"`
}

// DecisionRecord pairs an executed action with its stated rationale.
type DecisionRecord struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// ShiftHandoff is the end-of-shift record. Created exactly once per
// completed or failed shift.
type ShiftHandoff struct {
	ID              string
	ShiftID         string
	Summary         string
	ActionsTaken    []string
	PendingItems    []string
	ContextSnapshot string
	DecisionsMade   []DecisionRecord
	DurationMinutes int
	CreatedAt       time.Time
}

// Escalation is a standing request for human input blocking a run.
type Escalation struct {
	ID         string
	ProjectID  string
	RunID      string
	Question   string
	Status     EscalationStatus
	Resolution *string
	CreatedAt  time.Time
}

// PendingSend is an outbound message awaiting user approval.
type PendingSend struct {
	ID        string
	ThreadID  string
	Status    string // "pending" | "resolved" | "canceled"
	CreatedAt time.Time
}

// LedgerEntry records an applied assistant-proposed action, keyed by
// message id + action index. UndoStatus tracks reversal outcome.
type LedgerEntry struct {
	MessageID   string
	ActionIndex int
	ThreadID    string
	UndoStatus  *string // nil = no reversal attempted; "pending" | "done" | "error"
	UndoError   *string
	CreatedAt   time.Time
}

// Thread is a conversation thread with an acknowledgment high-water mark.
type Thread struct {
	ID          string
	DisplayName string
	LastAckAt   *time.Time
}

// ProposedAction is one assistant-proposed action carried on a message.
type ProposedAction struct {
	Title string `json:"title"`
}

// Message is an assistant message within a thread.
type Message struct {
	ID            string
	ThreadID      string
	Actions       []ProposedAction
	RequiresReply bool
	CreatedAt     time.Time
}

// Project is a discovered repository under a configured root.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// ResourceState reports compute readiness for a project's runtime.
type ResourceState string

const (
	ResourceRunning  ResourceState = "running"
	ResourceStopped  ResourceState = "stopped"
	ResourceStarting ResourceState = "starting"
	ResourceError    ResourceState = "error"
	ResourceUnknown  ResourceState = "unknown"
)

// Ready reports whether the resource state permits scheduling new work.
func (s ResourceState) Ready() bool {
	return s == ResourceRunning || s == ResourceStopped
}
