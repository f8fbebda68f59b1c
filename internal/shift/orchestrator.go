// Package shift runs the global agent shift: one bounded session in
// which an agent inspects fleet state, takes actions, and hands off.
package shift

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/events"
	"github.com/mizutanik/flotilla/internal/model"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarn
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

const (
	DefaultMaxIterations = 1
	DefaultStaleAfter    = 2 * time.Hour
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	StartShift(shift *model.GlobalShift) (bool, *model.GlobalShift, error)
	FinishShift(id string, status model.ShiftStatus, handoffID, errMsg *string, completedAt time.Time) error
	CreateHandoff(h *model.ShiftHandoff) error
	SweepStaleShifts(cutoff time.Time) (int, error)
	GetEscalation(id string) (*model.Escalation, error)
	ResolveEscalation(id, resolution string) (bool, error)
	ResolveRunInput(id string, payload string) error
	RecordGlobalReport(message string, postedAt time.Time) error
	LastGlobalReportAt() (*time.Time, error)
}

// DecisionFunc produces the agent's raw response to a shift prompt.
type DecisionFunc func(ctx context.Context, prompt string) (string, error)

// Result reports how a shift ended. RunShift never returns an error:
// every failure mode lands here so callers always get the shift record.
type Result struct {
	OK      bool
	Shift   *model.GlobalShift
	Handoff *model.ShiftHandoff
	Error   string
}

// Orchestrator owns the shift lifecycle: exclusive start, the
// decide/execute loop, and the unconditional handoff.
type Orchestrator struct {
	store    Store
	registry *discovery.Registry
	builder  ContextBuilder
	decide   DecisionFunc
	starter  ProjectShiftStarter
	bus      *events.Bus
	report   model.ReportConfig

	maxIterations int
	staleAfter    time.Duration
	now           func() time.Time

	logger   *log.Logger
	logLevel LogLevel
}

type Options struct {
	Store    Store
	Registry *discovery.Registry
	Builder  ContextBuilder
	Decide   DecisionFunc
	Starter  ProjectShiftStarter
	Bus      *events.Bus
	Report   model.ReportConfig

	MaxIterations int
	StaleAfter    time.Duration

	Logger   *log.Logger
	LogLevel LogLevel
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:         opts.Store,
		registry:      opts.Registry,
		builder:       opts.Builder,
		decide:        opts.Decide,
		starter:       opts.Starter,
		bus:           opts.Bus,
		report:        opts.Report,
		maxIterations: opts.MaxIterations,
		staleAfter:    opts.StaleAfter,
		now:           time.Now,
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
	}
	if o.maxIterations <= 0 {
		o.maxIterations = DefaultMaxIterations
	}
	if o.staleAfter <= 0 {
		o.staleAfter = DefaultStaleAfter
	}
	return o
}

// RunShift executes one full shift. The returned Result carries the
// shift and handoff records; OK is false when the shift failed or when
// another shift was already active.
func (o *Orchestrator) RunShift(ctx context.Context, agentType, agentID string) Result {
	shiftID, err := model.GenerateID(model.IDTypeShift)
	if err != nil {
		return Result{Error: fmt.Sprintf("generate shift id: %v", err)}
	}

	started := o.now()

	// A shift abandoned by a crashed process would otherwise hold the
	// exclusive slot indefinitely.
	if n, err := o.store.SweepStaleShifts(started.Add(-o.staleAfter)); err != nil {
		o.log(LogLevelWarn, "stale_sweep_failed: %v", err)
	} else if n > 0 {
		o.log(LogLevelInfo, "stale_shifts_swept count=%d", n)
	}

	shift := &model.GlobalShift{
		ID:        shiftID,
		Status:    model.ShiftActive,
		StartedAt: started,
		AgentType: agentType,
		AgentID:   agentID,
	}

	ok, existing, err := o.store.StartShift(shift)
	if err != nil {
		return Result{Error: fmt.Sprintf("start shift: %v", err)}
	}
	if !ok {
		o.log(LogLevelInfo, "shift_rejected active=%s", existing.ID)
		return Result{Shift: existing, Error: "a shift is already active"}
	}

	o.log(LogLevelInfo, "shift_started id=%s agent=%s/%s", shift.ID, agentType, agentID)
	if o.bus != nil {
		o.bus.Publish(events.EventShiftStarted, map[string]any{
			"shift_id":   shift.ID,
			"agent_type": agentType,
			"agent_id":   agentID,
		})
	}

	var (
		fatalErr  error
		details   []string
		decisions []model.DecisionRecord
		snapshot  string
	)

	for i := 0; i < o.maxIterations; i++ {
		fc, err := o.builder.Build(ctx)
		if err != nil {
			fatalErr = fmt.Errorf("build context: %w", err)
			break
		}
		prompt := RenderPrompt(fc)
		if snapshot == "" {
			snapshot = prompt
		}

		raw, err := o.decide(ctx, prompt)
		if err != nil {
			fatalErr = fmt.Errorf("agent decision: %w", err)
			break
		}

		decision, err := ParseDecision(raw)
		if err != nil {
			// A garbled response ends the loop but not the shift.
			o.log(LogLevelWarn, "decision_unparseable shift=%s: %v", shift.ID, err)
			decisions = append(decisions, model.DecisionRecord{
				Action:    string(DecisionWait),
				Rationale: fmt.Sprintf("unparseable response: %v", err),
			})
			details = append(details, fmt.Sprintf("failed: unparseable agent response: %v", err))
			break
		}

		res := o.execute(ctx, decision)
		record := model.DecisionRecord{Action: string(decision.Type), Rationale: decision.Rationale}
		decisions = append(decisions, record)
		if res.OK {
			details = append(details, res.Detail)
			o.log(LogLevelInfo, "action_done shift=%s action=%s detail=%q", shift.ID, decision.Type, res.Detail)
		} else {
			details = append(details, fmt.Sprintf("failed: %s", res.Detail))
			o.log(LogLevelWarn, "action_failed shift=%s action=%s detail=%q", shift.ID, decision.Type, res.Detail)
		}

		if decision.Type == DecisionWait {
			break
		}
	}

	return o.finish(ctx, shift, fatalErr, details, decisions, snapshot)
}

// finish writes the handoff and terminal status. Runs for every shift
// that got past the start gate, whatever happened inside the loop.
func (o *Orchestrator) finish(ctx context.Context, shift *model.GlobalShift, fatalErr error, details []string, decisions []model.DecisionRecord, snapshot string) Result {
	now := o.now()

	// The handoff describes the fleet after the actions ran, so the
	// context is rebuilt here. A rebuild failure keeps the pre-action
	// snapshot and never outranks an earlier error.
	var pending []string
	if fc, bErr := o.builder.Build(ctx); bErr != nil {
		o.log(LogLevelWarn, "end_context_failed shift=%s: %v", shift.ID, bErr)
	} else {
		snapshot = RenderPrompt(fc)
		pending = pendingItems(fc)
	}

	summary := "No actions taken."
	if fatalErr != nil {
		summary = fatalErr.Error()
	} else if len(details) > 0 {
		summary = strings.Join(details, "; ")
	}

	handoffID, err := model.GenerateID(model.IDTypeHandoff)
	if err != nil && fatalErr == nil {
		fatalErr = fmt.Errorf("generate handoff id: %w", err)
	}

	var handoff *model.ShiftHandoff
	if err == nil {
		handoff = &model.ShiftHandoff{
			ID:              handoffID,
			ShiftID:         shift.ID,
			Summary:         summary,
			ActionsTaken:    details,
			PendingItems:    pending,
			ContextSnapshot: snapshot,
			DecisionsMade:   decisions,
			DurationMinutes: int(now.Sub(shift.StartedAt).Minutes()),
			CreatedAt:       now,
		}
		if hErr := o.store.CreateHandoff(handoff); hErr != nil {
			handoff = nil
			if fatalErr == nil {
				fatalErr = fmt.Errorf("create handoff: %w", hErr)
			} else {
				o.log(LogLevelWarn, "handoff_failed shift=%s: %v", shift.ID, hErr)
			}
		}
	}

	status := model.ShiftCompleted
	var errMsg *string
	if fatalErr != nil {
		status = model.ShiftFailed
		msg := fatalErr.Error()
		errMsg = &msg
	}
	var hid *string
	if handoff != nil {
		hid = &handoff.ID
	}
	if fErr := o.store.FinishShift(shift.ID, status, hid, errMsg, now); fErr != nil {
		if fatalErr == nil {
			fatalErr = fmt.Errorf("finish shift: %w", fErr)
			status = model.ShiftFailed
		} else {
			o.log(LogLevelError, "finish_failed shift=%s: %v", shift.ID, fErr)
		}
	}

	if n, sErr := o.store.SweepStaleShifts(now.Add(-o.staleAfter)); sErr != nil {
		o.log(LogLevelWarn, "stale_sweep_failed: %v", sErr)
	} else if n > 0 {
		o.log(LogLevelInfo, "stale_shifts_swept count=%d", n)
	}

	shift.Status = status
	shift.CompletedAt = &now
	shift.HandoffID = hid
	shift.Error = errMsg

	result := Result{OK: fatalErr == nil, Shift: shift, Handoff: handoff}
	if fatalErr != nil {
		result.Error = fatalErr.Error()
	}

	o.log(LogLevelInfo, "shift_finished id=%s status=%s", shift.ID, status)
	if o.bus != nil {
		o.bus.Publish(events.EventShiftFinished, map[string]any{
			"shift_id": shift.ID,
			"status":   string(status),
		})
	}
	return result
}

// pendingItems lists what the next shift should pick up first: every
// escalation still open and every attention thread still flagged.
func pendingItems(fc *FleetContext) []string {
	var items []string
	for _, esc := range fc.Escalations {
		items = append(items, fmt.Sprintf("escalation %s (%s): %s", esc.ID, esc.ProjectID, esc.Question))
	}
	for _, a := range fc.Attention {
		if !a.NeedsYou {
			continue
		}
		items = append(items, fmt.Sprintf("attention thread %s (%s)", a.ThreadID, a.DisplayName))
	}
	return items
}

func (o *Orchestrator) publishProjectCreated(projectID, path string) {
	o.bus.Publish(events.EventProjectCreated, map[string]any{
		"project_id": projectID,
		"path":       path,
	})
}

func (o *Orchestrator) publishReportDeferred(reason string, retryMin int) {
	o.bus.Publish(events.EventReportDeferred, map[string]any{
		"reason":    reason,
		"retry_min": retryMin,
	})
}

func (o *Orchestrator) log(level LogLevel, format string, args ...interface{}) {
	if o.logger == nil || level > o.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelError:
		levelStr = "ERROR"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelDebug:
		levelStr = "DEBUG"
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("%s %s shift: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
