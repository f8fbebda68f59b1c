package shift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/store"
	"github.com/mizutanik/flotilla/internal/yaml"
)

// ErrShiftAlreadyActive is returned by project shift starters when the
// target project already has a shift underway. DELEGATE treats it as
// success: the work the agent wanted is already happening.
var ErrShiftAlreadyActive = errors.New("shift already active")

// ProjectShiftStarter kicks off a per-project work shift. The real
// implementation lives with the run engine; the orchestrator only needs
// this one call.
type ProjectShiftStarter interface {
	StartProjectShift(ctx context.Context, projectID string) error
}

// ActionResult is the recorded outcome of one executed decision. A
// failed action does not abort the shift loop.
type ActionResult struct {
	OK     bool
	Detail string
}

const gitInitTimeout = 60 * time.Second

func (o *Orchestrator) execute(ctx context.Context, d Decision) ActionResult {
	switch d.Type {
	case DecisionDelegate:
		return o.executeDelegate(ctx, d)
	case DecisionResolve:
		return o.executeResolve(d)
	case DecisionCreateProject:
		return o.executeCreateProject(ctx, d)
	case DecisionReport:
		return o.executeReport(d)
	case DecisionWait:
		detail := "waiting"
		if d.Reason != "" {
			detail = fmt.Sprintf("waiting: %s", d.Reason)
		}
		if d.RetryAfterMin > 0 {
			detail = fmt.Sprintf("%s (retry after %dm)", detail, d.RetryAfterMin)
		}
		return ActionResult{OK: true, Detail: detail}
	}
	return ActionResult{OK: false, Detail: fmt.Sprintf("unknown action %q", d.Type)}
}

func (o *Orchestrator) executeDelegate(ctx context.Context, d Decision) ActionResult {
	if _, ok := o.registry.Get(d.ProjectID); !ok {
		return ActionResult{OK: false, Detail: fmt.Sprintf("project %s not found", d.ProjectID)}
	}
	if o.starter == nil {
		return ActionResult{OK: false, Detail: "no project shift starter configured"}
	}

	err := o.starter.StartProjectShift(ctx, d.ProjectID)
	if errors.Is(err, ErrShiftAlreadyActive) {
		return ActionResult{OK: true, Detail: fmt.Sprintf("delegated to %s (shift already active)", d.ProjectID)}
	}
	if err != nil {
		return ActionResult{OK: false, Detail: fmt.Sprintf("delegate to %s: %v", d.ProjectID, err)}
	}
	return ActionResult{OK: true, Detail: fmt.Sprintf("delegated to %s", d.ProjectID)}
}

// executeResolve tries the id as an escalation first, then falls back to
// a run awaiting structured input.
func (o *Orchestrator) executeResolve(d Decision) ActionResult {
	esc, err := o.store.GetEscalation(d.TargetID)
	switch {
	case err == nil:
		if esc.Status == model.EscalationResolved {
			return ActionResult{OK: true, Detail: fmt.Sprintf("escalation %s already resolved", d.TargetID)}
		}
		resolved, err := o.store.ResolveEscalation(d.TargetID, d.Resolution)
		if err != nil {
			return ActionResult{OK: false, Detail: fmt.Sprintf("resolve escalation %s: %v", d.TargetID, err)}
		}
		if !resolved {
			return ActionResult{OK: false, Detail: fmt.Sprintf("escalation %s not in a resolvable state", d.TargetID)}
		}
		return ActionResult{OK: true, Detail: fmt.Sprintf("resolved escalation %s", d.TargetID)}

	case errors.Is(err, store.ErrNotFound):
		// Run-input fallback: the payload must be an object, because the
		// run worker deserializes it into structured fields.
		var obj map[string]any
		if jErr := json.Unmarshal([]byte(d.Resolution), &obj); jErr != nil {
			return ActionResult{OK: false, Detail: fmt.Sprintf("resolution for run %s is not a JSON object", d.TargetID)}
		}
		if rErr := o.store.ResolveRunInput(d.TargetID, d.Resolution); rErr != nil {
			return ActionResult{OK: false, Detail: fmt.Sprintf("resolve run input %s: %v", d.TargetID, rErr)}
		}
		return ActionResult{OK: true, Detail: fmt.Sprintf("resolved input for run %s", d.TargetID)}

	default:
		return ActionResult{OK: false, Detail: fmt.Sprintf("look up %s: %v", d.TargetID, err)}
	}
}

func (o *Orchestrator) executeCreateProject(ctx context.Context, d Decision) ActionResult {
	path := filepath.Clean(d.ProjectPath)
	for _, seg := range strings.Split(d.ProjectPath, string(os.PathSeparator)) {
		if seg == ".." {
			return ActionResult{OK: false, Detail: fmt.Sprintf("path %s contains traversal segments", d.ProjectPath)}
		}
	}
	if !o.registry.WithinRoots(path) {
		return ActionResult{OK: false, Detail: fmt.Sprintf("path %s is outside the discovery roots", d.ProjectPath)}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return ActionResult{OK: false, Detail: fmt.Sprintf("create directory %s: %v", path, err)}
	}

	if d.GitInit {
		if err := gitInit(ctx, path); err != nil {
			return ActionResult{OK: false, Detail: fmt.Sprintf("git init %s: %v", path, err)}
		}
	}

	descriptor := filepath.Join(path, discovery.DescriptorFile)
	if _, err := os.Stat(descriptor); os.IsNotExist(err) {
		desc := discovery.Descriptor{Name: d.ProjectName}
		if err := yaml.AtomicWrite(descriptor, &desc); err != nil {
			return ActionResult{OK: false, Detail: fmt.Sprintf("write descriptor: %v", err)}
		}
	}

	if _, err := o.registry.Rescan(); err != nil {
		return ActionResult{OK: false, Detail: fmt.Sprintf("rescan after create: %v", err)}
	}
	for _, p := range o.registry.List() {
		if p.Path == path {
			if o.bus != nil {
				o.publishProjectCreated(p.ID, path)
			}
			return ActionResult{OK: true, Detail: fmt.Sprintf("created project %s at %s", p.ID, path)}
		}
	}
	return ActionResult{OK: false, Detail: fmt.Sprintf("path %s not discoverable after creation", path)}
}

func gitInit(ctx context.Context, dir string) error {
	gitCtx, cancel := context.WithTimeout(ctx, gitInitTimeout)
	defer cancel()

	cmd := exec.CommandContext(gitCtx, "git", "init")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if gitCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %v", gitInitTimeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// executeReport posts a fleet report unless a deferral policy holds it
// back. Deferral is not a failure: the report is logged and retried on a
// later shift.
func (o *Orchestrator) executeReport(d Decision) ActionResult {
	now := o.now()

	if reason, retryMin, deferred := o.reportDeferral(now); deferred {
		o.log(LogLevelInfo, "report_deferred reason=%s retry_min=%d", reason, retryMin)
		if o.bus != nil {
			o.publishReportDeferred(reason, retryMin)
		}
		return ActionResult{OK: true, Detail: fmt.Sprintf("report deferred (%s, retry in %dm)", reason, retryMin)}
	}

	if err := o.store.RecordGlobalReport(d.Message, now); err != nil {
		return ActionResult{OK: false, Detail: fmt.Sprintf("record report: %v", err)}
	}
	return ActionResult{OK: true, Detail: "posted fleet report"}
}

// reportDeferral checks the two independent hold-back policies: the
// user's quiet hours and the cooldown since the last report.
func (o *Orchestrator) reportDeferral(now time.Time) (reason string, retryMin int, deferred bool) {
	if inQuietHours(now, o.report.QuietHoursStart, o.report.QuietHoursEnd) {
		return "quiet_hours", minutesUntilQuietEnd(now, o.report.QuietHoursEnd), true
	}

	if o.report.CooldownMin > 0 {
		last, err := o.store.LastGlobalReportAt()
		if err == nil && last != nil {
			elapsed := now.Sub(*last)
			cooldown := time.Duration(o.report.CooldownMin) * time.Minute
			if elapsed < cooldown {
				return "cooldown", int((cooldown - elapsed).Minutes()) + 1, true
			}
		}
	}
	return "", 0, false
}

// inQuietHours handles windows crossing midnight; equal bounds disable
// the window.
func inQuietHours(now time.Time, start, end int) bool {
	if start == end {
		return false
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func minutesUntilQuietEnd(now time.Time, end int) int {
	endToday := time.Date(now.Year(), now.Month(), now.Day(), end, 0, 0, 0, now.Location())
	if !endToday.After(now) {
		endToday = endToday.Add(24 * time.Hour)
	}
	return int(endToday.Sub(now).Minutes()) + 1
}
