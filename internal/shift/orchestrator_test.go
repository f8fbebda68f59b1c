package shift

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/store"
)

type stubBuilder struct {
	fc  *FleetContext
	err error
}

func (b *stubBuilder) Build(ctx context.Context) (*FleetContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.fc != nil {
		return b.fc, nil
	}
	return &FleetContext{FleetName: "testfleet", GeneratedAt: time.Now()}, nil
}

type stubStarter struct {
	started []string
	err     error
}

func (s *stubStarter) StartProjectShift(ctx context.Context, projectID string) error {
	s.started = append(s.started, projectID)
	return s.err
}

func decisionResponse(j string) DecisionFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		return j, nil
	}
}

type testHarness struct {
	store    *store.Store
	registry *discovery.Registry
	starter  *stubStarter
	root     string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	projectDir := filepath.Join(root, "frontend")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(projectDir, discovery.DescriptorFile),
		[]byte("name: Frontend\n"), 0o644,
	))

	reg := discovery.NewRegistry([]string{root})
	_, err = reg.Rescan()
	require.NoError(t, err)

	return &testHarness{store: st, registry: reg, starter: &stubStarter{}, root: root}
}

func (h *testHarness) orchestrator(decide DecisionFunc) *Orchestrator {
	return NewOrchestrator(Options{
		Store:    h.store,
		Registry: h.registry,
		Builder:  &stubBuilder{},
		Decide:   decide,
		Starter:  h.starter,
	})
}

func TestRunShiftWait(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(decisionResponse(`{"action": "WAIT", "reason": "nothing pending"}`))

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	require.NotNil(t, res.Shift)
	assert.Equal(t, model.ShiftCompleted, res.Shift.Status)

	require.NotNil(t, res.Handoff)
	assert.Contains(t, res.Handoff.Summary, "nothing pending")
	require.Len(t, res.Handoff.DecisionsMade, 1)
	assert.Equal(t, "WAIT", res.Handoff.DecisionsMade[0].Action)

	stored, err := h.store.GetShift(res.Shift.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ShiftCompleted, stored.Status)
	require.NotNil(t, stored.HandoffID)
	assert.Equal(t, res.Handoff.ID, *stored.HandoffID)
}

func TestRunShiftRejectsConcurrent(t *testing.T) {
	h := newHarness(t)

	existing := &model.GlobalShift{
		ID: "shift_existing", Status: model.ShiftActive,
		StartedAt: time.Now().UTC(), AgentType: "global", AgentID: "agent-0",
	}
	ok, _, err := h.store.StartShift(existing)
	require.NoError(t, err)
	require.True(t, ok)

	o := h.orchestrator(decisionResponse(`{"action": "WAIT"}`))
	res := o.RunShift(context.Background(), "global", "agent-1")

	assert.False(t, res.OK)
	require.NotNil(t, res.Shift)
	assert.Equal(t, "shift_existing", res.Shift.ID)
	assert.Equal(t, model.ShiftActive, res.Shift.Status)
	assert.Nil(t, res.Handoff)

	stored, err := h.store.GetShift("shift_existing")
	require.NoError(t, err)
	assert.Equal(t, model.ShiftActive, stored.Status)
}

func TestRunShiftSweepsStaleBeforeStart(t *testing.T) {
	h := newHarness(t)

	stale := &model.GlobalShift{
		ID: "shift_stale", Status: model.ShiftActive,
		StartedAt: time.Now().UTC().Add(-3 * time.Hour), AgentType: "global", AgentID: "agent-0",
	}
	ok, _, err := h.store.StartShift(stale)
	require.NoError(t, err)
	require.True(t, ok)

	o := h.orchestrator(decisionResponse(`{"action": "WAIT"}`))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)

	swept, err := h.store.GetShift("shift_stale")
	require.NoError(t, err)
	assert.Equal(t, model.ShiftFailed, swept.Status)
}

// seqBuilder numbers its contexts so tests can tell the pre-action
// snapshot from the end-of-shift rebuild.
type seqBuilder struct {
	calls int
}

func (b *seqBuilder) Build(ctx context.Context) (*FleetContext, error) {
	b.calls++
	fc := &FleetContext{FleetName: fmt.Sprintf("fleet-build-%d", b.calls), GeneratedAt: time.Now()}
	if b.calls > 1 {
		fc.Escalations = []model.Escalation{{
			ID: "esc_9", ProjectID: "frontend", Question: "still open?",
			Status: model.EscalationPending,
		}}
		fc.Attention = []model.AttentionSummary{{
			ThreadID: "th-7", DisplayName: "Checkout flow", NeedsYou: true,
		}}
	}
	return fc, nil
}

func TestHandoffCarriesEndOfShiftContext(t *testing.T) {
	h := newHarness(t)
	b := &seqBuilder{}
	o := NewOrchestrator(Options{
		Store:   h.store,
		Builder: b,
		Decide:  decisionResponse(`{"action": "WAIT", "reason": "quiet"}`),
	})

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	require.NotNil(t, res.Handoff)

	// The context is rebuilt after the loop; the snapshot must reflect
	// the fleet after the actions, not the pre-action prompt.
	assert.GreaterOrEqual(t, b.calls, 2)
	assert.Contains(t, res.Handoff.ContextSnapshot, "fleet-build-2")
	assert.NotContains(t, res.Handoff.ContextSnapshot, "fleet-build-1")

	require.NotEmpty(t, res.Handoff.PendingItems)
	assert.Contains(t, res.Handoff.PendingItems[0], "esc_9")
	assert.Contains(t, res.Handoff.PendingItems[1], "th-7")

	stored, err := h.store.GetHandoff(res.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Handoff.PendingItems, stored.PendingItems)
}

func TestRunShiftUnparseableDecision(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(decisionResponse("I would rather write a poem."))

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, model.ShiftCompleted, res.Shift.Status)

	require.NotNil(t, res.Handoff)
	require.Len(t, res.Handoff.DecisionsMade, 1)
	assert.Equal(t, "WAIT", res.Handoff.DecisionsMade[0].Action)
	assert.Contains(t, res.Handoff.Summary, "unparseable")
}

func TestRunShiftBuilderFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	o := NewOrchestrator(Options{
		Store:   h.store,
		Builder: &stubBuilder{err: fmt.Errorf("store offline")},
		Decide:  decisionResponse(`{"action": "WAIT"}`),
	})

	res := o.RunShift(context.Background(), "global", "agent-1")
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "store offline")
	assert.Equal(t, model.ShiftFailed, res.Shift.Status)

	// The handoff is still written so the failure is visible to the next shift.
	require.NotNil(t, res.Handoff)
	assert.Contains(t, res.Handoff.Summary, "store offline")
}

func TestRunShiftAgentErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("agent process exited 1")
	})

	res := o.RunShift(context.Background(), "global", "agent-1")
	assert.False(t, res.OK)
	assert.Equal(t, model.ShiftFailed, res.Shift.Status)
	assert.Contains(t, res.Error, "agent process exited 1")
}

func TestDelegate(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(decisionResponse(`{"action": "DELEGATE", "project_id": "frontend", "rationale": "ready work queued"}`))

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []string{"frontend"}, h.starter.started)
	require.Len(t, res.Handoff.ActionsTaken, 1)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "delegated to frontend")
}

func TestDelegateAlreadyActiveIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.starter.err = ErrShiftAlreadyActive
	o := h.orchestrator(decisionResponse(`{"action": "DELEGATE", "project_id": "frontend"}`))

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "already active")
}

func TestDelegateUnknownProjectFails(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(decisionResponse(`{"action": "DELEGATE", "project_id": "ghost"}`))

	res := o.RunShift(context.Background(), "global", "agent-1")
	// The action failed but the shift itself completed.
	require.True(t, res.OK, res.Error)
	assert.Empty(t, h.starter.started)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "failed")
	assert.Contains(t, res.Handoff.ActionsTaken[0], "not found")
}

func TestResolveEscalation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateEscalation(&model.Escalation{
		ID: "esc_1", ProjectID: "frontend", RunID: "run_1",
		Question: "Delete the legacy table?", Status: model.EscalationPending,
		CreatedAt: time.Now().UTC(),
	}))

	o := h.orchestrator(decisionResponse(`{"action": "RESOLVE", "target_id": "esc_1", "resolution": "Yes, the data was migrated last week."}`))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)

	esc, err := h.store.GetEscalation("esc_1")
	require.NoError(t, err)
	assert.Equal(t, model.EscalationResolved, esc.Status)
	require.NotNil(t, esc.Resolution)
	// Stored as the plain string, not its JSON encoding.
	assert.Equal(t, "Yes, the data was migrated last week.", *esc.Resolution)
}

func TestResolveAlreadyResolvedIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateEscalation(&model.Escalation{
		ID: "esc_1", ProjectID: "frontend", RunID: "run_1",
		Question: "?", Status: model.EscalationPending, CreatedAt: time.Now().UTC(),
	}))
	_, err := h.store.ResolveEscalation("esc_1", "handled earlier")
	require.NoError(t, err)

	o := h.orchestrator(decisionResponse(`{"action": "RESOLVE", "target_id": "esc_1", "resolution": "redundant answer"}`))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "already resolved")

	esc, err := h.store.GetEscalation("esc_1")
	require.NoError(t, err)
	assert.Equal(t, "handled earlier", *esc.Resolution)
}

func TestResolveRunInputFallback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateRun(&model.Run{
		ID: "run_1", ProjectID: "frontend", WorkOrderID: "wo-1",
		Status: model.RunWaitingForInput, TriggeredBy: model.TriggerManual,
		CreatedAt: time.Now().UTC(),
	}))

	o := h.orchestrator(decisionResponse(`{"action": "RESOLVE", "target_id": "run_1", "resolution": {"api_key_env": "STRIPE_KEY"}}`))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "resolved input for run run_1")

	run, err := h.store.GetRun("run_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunBuilding, run.Status)
}

func TestResolveRunInputRequiresObject(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateRun(&model.Run{
		ID: "run_1", ProjectID: "frontend", WorkOrderID: "wo-1",
		Status: model.RunWaitingForInput, TriggeredBy: model.TriggerManual,
		CreatedAt: time.Now().UTC(),
	}))

	o := h.orchestrator(decisionResponse(`{"action": "RESOLVE", "target_id": "run_1", "resolution": "just use the default"}`))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "failed")
	assert.Contains(t, res.Handoff.ActionsTaken[0], "not a JSON object")

	run, err := h.store.GetRun("run_1")
	require.NoError(t, err)
	assert.Equal(t, model.RunWaitingForInput, run.Status)
}

func TestCreateProject(t *testing.T) {
	h := newHarness(t)
	target := filepath.Join(h.root, "billing")
	payload := fmt.Sprintf(`{"action": "CREATE_PROJECT", "project_name": "Billing", "project_path": %q}`, target)

	o := h.orchestrator(decisionResponse(payload))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "created project billing")

	_, err := os.Stat(filepath.Join(target, discovery.DescriptorFile))
	require.NoError(t, err)

	p, ok := h.registry.Get("billing")
	require.True(t, ok)
	assert.Equal(t, "Billing", p.Name)
}

func TestCreateProjectOutsideRootsFails(t *testing.T) {
	h := newHarness(t)
	outside := filepath.Join(t.TempDir(), "rogue")
	payload := fmt.Sprintf(`{"action": "CREATE_PROJECT", "project_name": "Rogue", "project_path": %q}`, outside)

	o := h.orchestrator(decisionResponse(payload))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "failed")
	assert.Contains(t, res.Handoff.ActionsTaken[0], "outside the discovery roots")

	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
}

func TestCreateProjectRejectsTraversal(t *testing.T) {
	h := newHarness(t)
	sneaky := filepath.Join(h.root, "ok", "..", "..", "escape")
	payload := fmt.Sprintf(`{"action": "CREATE_PROJECT", "project_name": "Escape", "project_path": %q}`, sneaky)

	o := h.orchestrator(decisionResponse(payload))
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "failed")
}

func TestReportPosted(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(decisionResponse(`{"action": "REPORT", "message": "all three projects merged today"}`))

	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "posted fleet report")

	last, err := h.store.LastGlobalReportAt()
	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestReportDeferredByCooldown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.RecordGlobalReport("earlier report", time.Now().UTC().Add(-10*time.Minute)))

	o := NewOrchestrator(Options{
		Store:   h.store,
		Builder: &stubBuilder{},
		Decide:  decisionResponse(`{"action": "REPORT", "message": "too soon"}`),
		Report:  model.ReportConfig{CooldownMin: 60},
	})
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "report deferred")
	assert.Contains(t, res.Handoff.ActionsTaken[0], "cooldown")
}

func TestReportDeferredByQuietHours(t *testing.T) {
	h := newHarness(t)
	hour := time.Now().Hour()
	o := NewOrchestrator(Options{
		Store:   h.store,
		Builder: &stubBuilder{},
		Decide:  decisionResponse(`{"action": "REPORT", "message": "late night"}`),
		Report:  model.ReportConfig{QuietHoursStart: hour, QuietHoursEnd: (hour + 2) % 24},
	})
	res := o.RunShift(context.Background(), "global", "agent-1")
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Handoff.ActionsTaken[0], "report deferred")
	assert.Contains(t, res.Handoff.ActionsTaken[0], "quiet_hours")

	last, err := h.store.LastGlobalReportAt()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestInQuietHours(t *testing.T) {
	at := func(h int) time.Time {
		return time.Date(2026, 3, 1, h, 30, 0, 0, time.UTC)
	}
	cases := []struct {
		name       string
		hour       int
		start, end int
		want       bool
	}{
		{"inside simple window", 23, 22, 7, true},
		{"after midnight inside wrapped window", 3, 22, 7, true},
		{"outside wrapped window", 12, 22, 7, false},
		{"inside daytime window", 10, 9, 17, true},
		{"outside daytime window", 18, 9, 17, false},
		{"equal bounds disable", 10, 10, 10, false},
		{"end hour is exclusive", 7, 22, 7, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inQuietHours(at(tc.hour), tc.start, tc.end))
		})
	}
}

func TestRenderPromptContainsFleetState(t *testing.T) {
	fc := &FleetContext{
		FleetName:   "prod-fleet",
		GeneratedAt: time.Now(),
		Projects: []model.Project{
			{ID: "frontend", Name: "Frontend", Path: "/srv/frontend"},
		},
		Resources: map[string]model.ResourceState{
			"frontend": model.ResourceRunning,
		},
		Escalations: []model.Escalation{
			{ID: "esc_1", ProjectID: "frontend", Question: "merge strategy?", Status: model.EscalationPending},
		},
		Attention: []model.AttentionSummary{
			{ThreadID: "th-1", DisplayName: "Checkout flow", NeedsYou: true,
				Reasons: []model.AttentionReason{{Code: model.AttentionRunFailed, Count: 2}}},
		},
	}

	prompt := RenderPrompt(fc)
	assert.Contains(t, prompt, "prod-fleet")
	assert.Contains(t, prompt, "frontend")
	assert.Contains(t, prompt, "merge strategy?")
	assert.Contains(t, prompt, "Checkout flow")
	assert.Contains(t, prompt, "DELEGATE")
	assert.Contains(t, prompt, "WAIT")
}
