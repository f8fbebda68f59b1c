package model

import "fmt"

// WorkOrderStatus is the lifecycle state of a work order. Work orders are
// owned by external subsystems; the control plane only reads them.
type WorkOrderStatus string

const (
	WorkOrderReady   WorkOrderStatus = "ready"
	WorkOrderDone    WorkOrderStatus = "done"
	WorkOrderBlocked WorkOrderStatus = "blocked"
	WorkOrderDraft   WorkOrderStatus = "draft"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunBuilding        RunStatus = "building"
	RunWaitingForInput RunStatus = "waiting_for_input"
	RunTesting         RunStatus = "testing"
	RunYouReview       RunStatus = "you_review"
	RunMerged          RunStatus = "merged"
	RunFailed          RunStatus = "failed"
	RunBaselineFailed  RunStatus = "baseline_failed"
	RunMergeConflict   RunStatus = "merge_conflict"
	RunCanceled        RunStatus = "canceled"
)

type ShiftStatus string

const (
	ShiftActive    ShiftStatus = "active"
	ShiftCompleted ShiftStatus = "completed"
	ShiftFailed    ShiftStatus = "failed"
)

type EscalationStatus string

const (
	EscalationPending         EscalationStatus = "pending"
	EscalationClaimed         EscalationStatus = "claimed"
	EscalationEscalatedToUser EscalationStatus = "escalated_to_user"
	EscalationResolved        EscalationStatus = "resolved"
	EscalationDismissed       EscalationStatus = "dismissed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunMerged:         true,
	RunFailed:         true,
	RunBaselineFailed: true,
	RunMergeConflict:  true,
	RunCanceled:       true,
}

// Failure terminals for circuit-breaker counting. Any other terminal state
// (merged, canceled) resets the consecutive count.
var failedRunStatuses = map[RunStatus]bool{
	RunFailed:         true,
	RunBaselineFailed: true,
	RunMergeConflict:  true,
}

var terminalShiftStatuses = map[ShiftStatus]bool{
	ShiftCompleted: true,
	ShiftFailed:    true,
}

// Escalations may be acted on by the global agent only in these states.
var resolvableEscalationStatuses = map[EscalationStatus]bool{
	EscalationPending:         true,
	EscalationClaimed:         true,
	EscalationEscalatedToUser: true,
}

var validShiftTransitions = map[ShiftStatus]map[ShiftStatus]bool{
	ShiftActive: {
		ShiftCompleted: true,
		ShiftFailed:    true,
	},
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func IsRunFailure(s RunStatus) bool {
	return failedRunStatuses[s]
}

func IsShiftTerminal(s ShiftStatus) bool {
	return terminalShiftStatuses[s]
}

func IsEscalationResolvable(s EscalationStatus) bool {
	return resolvableEscalationStatuses[s]
}

func ValidateShiftTransition(from, to ShiftStatus) error {
	if IsShiftTerminal(from) {
		return fmt.Errorf("cannot transition from terminal shift status %q", from)
	}
	allowed, ok := validShiftTransitions[from]
	if !ok {
		return fmt.Errorf("unknown shift status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid shift transition: %q to %q", from, to)
	}
	return nil
}
