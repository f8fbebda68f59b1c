// Package autopilot is the admission-control scheduler. One polling loop
// sweeps every project with an enabled policy and enqueues at most one
// run per project per cycle, gated by resource readiness, the failure
// circuit breaker, concurrency limits, and dependency satisfaction.
package autopilot

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mizutanik/flotilla/internal/deps"
	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/events"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/workorder"
)

const (
	DefaultSweepInterval = 60 * time.Second
	// DefaultRecentRunWindow bounds the circuit breaker's history scan.
	DefaultRecentRunWindow = 20
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Store is the slice of the state layer the scheduler needs.
type Store interface {
	ListEnabledPolicies() ([]model.AutopilotPolicy, error)
	ActiveRuns(projectID string) ([]model.Run, error)
	RecentRunsByTrigger(projectID, triggeredBy string, limit int) ([]model.Run, error)
	CreateRun(run *model.Run) error
	UpsertWorkOrderStatus(wo *model.WorkOrder) error
	WorkOrdersByIDs(refs map[string][]string) (map[string][]model.WorkOrder, error)
}

// Scheduler owns the sweep loop. Start/Stop bound its goroutines; a
// sweep still running when the ticker fires is skipped, never queued.
type Scheduler struct {
	store    Store
	registry *discovery.Registry
	prober   ResourceProber
	bus      *events.Bus

	interval     time.Duration
	recentWindow int

	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time

	mu         sync.Mutex
	inProgress bool
	lastStates map[string]State
	statuses   []ProjectStatus

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	watcher  *fsnotify.Watcher
}

func NewScheduler(
	store Store,
	registry *discovery.Registry,
	prober ResourceProber,
	bus *events.Bus,
	cfg model.AutopilotConfig,
	logger *log.Logger,
	logLevel LogLevel,
) *Scheduler {
	interval := time.Duration(cfg.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	recentWindow := cfg.RecentRunWindow
	if recentWindow <= 0 {
		recentWindow = DefaultRecentRunWindow
	}
	if prober == nil {
		prober = StaticProber{}
	}
	return &Scheduler{
		store:        store,
		registry:     registry,
		prober:       prober,
		bus:          bus,
		interval:     interval,
		recentWindow: recentWindow,
		logger:       logger,
		logLevel:     logLevel,
		now:          time.Now,
		lastStates:   make(map[string]State),
		kick:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the sweep loop and the work-order file watcher. The first
// sweep runs immediately, not after the first interval.
func (s *Scheduler) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher
	for _, project := range s.registry.List() {
		dir := filepath.Join(project.Path, workorder.OrdersDir)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			s.log(LogLevelWarn, "watch_orders_dir project=%s error=%v", project.ID, err)
		}
	}

	s.wg.Add(2)
	go s.runLoop()
	go s.watchLoop()
	s.log(LogLevelInfo, "scheduler_started interval=%s", s.interval)
	return nil
}

// Stop shuts the loop down and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
	s.wg.Wait()
	s.log(LogLevelInfo, "scheduler_stopped")
}

// Kick requests an immediate sweep without waiting for the ticker.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	s.trySweep()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trySweep()
		case <-s.kick:
			s.trySweep()
		}
	}
}

func (s *Scheduler) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.log(LogLevelDebug, "spec_file_changed path=%s op=%s", event.Name, event.Op)
				s.Kick()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log(LogLevelWarn, "watcher_error error=%v", err)
		}
	}
}

// trySweep runs one sweep unless a previous one is still in flight.
func (s *Scheduler) trySweep() {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		s.log(LogLevelDebug, "sweep_skipped reason=in_progress")
		return
	}
	s.inProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()
	s.Sweep()
}

// Sweep evaluates every enabled policy once and returns the per-project
// verdicts. Also callable directly for one-shot status queries.
func (s *Scheduler) Sweep() []ProjectStatus {
	policies, err := s.store.ListEnabledPolicies()
	if err != nil {
		s.log(LogLevelError, "sweep list_policies error=%v", err)
		return nil
	}

	statuses := make([]ProjectStatus, 0, len(policies))
	for _, policy := range policies {
		status := s.sweepProject(policy)
		statuses = append(statuses, status)

		s.mu.Lock()
		prev := s.lastStates[status.ProjectID]
		s.lastStates[status.ProjectID] = status.State
		s.mu.Unlock()
		if status.State == StatePaused && prev != StatePaused && s.bus != nil {
			s.bus.Publish(events.EventAutopilotPaused, map[string]any{
				"project_id": status.ProjectID,
				"failures":   status.ConsecutiveFailures,
			})
		}
	}

	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()
	return statuses
}

// Statuses returns the last sweep's verdicts.
func (s *Scheduler) Statuses() []ProjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProjectStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *Scheduler) sweepProject(policy model.AutopilotPolicy) ProjectStatus {
	status := ProjectStatus{ProjectID: policy.ProjectID, State: StateIdle}

	if !policy.Enabled {
		status.State = StateDisabled
		return status
	}

	project, ok := s.registry.Get(policy.ProjectID)
	if !ok {
		// Policy for a project that discovery no longer sees: nothing
		// to run against.
		status.BlockedReason = ReasonVMNotReady
		return status
	}
	if !s.prober.Probe(policy.ProjectID).Ready() {
		status.BlockedReason = ReasonVMNotReady
		return status
	}

	recent, err := s.store.RecentRunsByTrigger(policy.ProjectID, model.TriggerAutopilot, s.recentWindow)
	if err != nil {
		s.log(LogLevelError, "sweep_project project=%s recent_runs error=%v", policy.ProjectID, err)
		return status
	}
	status.ConsecutiveFailures = ConsecutiveFailures(recent)
	if policy.StopOnFailureCount > 0 && status.ConsecutiveFailures >= policy.StopOnFailureCount {
		status.State = StatePaused
		status.BlockedReason = ReasonFailureLimit
		return status
	}

	active, err := s.store.ActiveRuns(policy.ProjectID)
	if err != nil {
		s.log(LogLevelError, "sweep_project project=%s active_runs error=%v", policy.ProjectID, err)
		return status
	}
	if len(active) >= policy.MaxConcurrentRuns {
		status.State = StateRunning
		status.BlockedReason = ReasonActiveRun
		return status
	}

	if policy.ScheduleCron != nil && !s.scheduleDue(policy.ProjectID, *policy.ScheduleCron) {
		status.BlockedReason = ReasonOffSchedule
		return status
	}

	// Orders already being worked by an active run are not candidates
	// again, even under a higher concurrency limit.
	inFlight := make(map[string]bool, len(active))
	for _, run := range active {
		inFlight[run.WorkOrderID] = true
	}
	candidate := s.findCandidate(project, policy, inFlight)
	if candidate == nil {
		return status
	}
	status.NextCandidate = candidate

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		s.log(LogLevelError, "sweep_project project=%s generate_id error=%v", policy.ProjectID, err)
		return status
	}
	run := model.Run{
		ID:          runID,
		ProjectID:   policy.ProjectID,
		WorkOrderID: candidate.ID,
		Status:      model.RunQueued,
		TriggeredBy: model.TriggerAutopilot,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateRun(&run); err != nil {
		// Enqueue failure skips this project for the cycle; the sweep
		// over other projects continues.
		s.log(LogLevelWarn, "enqueue_failed project=%s work_order=%s error=%v",
			policy.ProjectID, candidate.ID, err)
		return status
	}

	status.EnqueuedRunID = runID
	s.log(LogLevelInfo, "run_enqueued project=%s work_order=%s run=%s priority=%d",
		policy.ProjectID, candidate.ID, runID, candidate.Priority)
	if s.bus != nil {
		s.bus.Publish(events.EventRunEnqueued, map[string]any{
			"project_id":    policy.ProjectID,
			"run_id":        runID,
			"work_order_id": candidate.ID,
		})
	}
	return status
}

// findCandidate re-reads the project's spec files and picks the top
// eligible work order. The canonical depends_on comes from the files,
// never from the cached status rows.
func (s *Scheduler) findCandidate(project model.Project, policy model.AutopilotPolicy, exclude map[string]bool) *model.WorkOrder {
	orders, skipped, err := workorder.LoadProject(project.Path, project.ID)
	if err != nil {
		s.log(LogLevelError, "load_orders project=%s error=%v", project.ID, err)
		return nil
	}
	for _, path := range skipped {
		s.log(LogLevelWarn, "spec_file_skipped project=%s path=%s", project.ID, path)
	}

	// Refresh the cross-project read model so other projects' sweeps see
	// this project's current statuses.
	for i := range orders {
		if err := s.store.UpsertWorkOrderStatus(&orders[i]); err != nil {
			s.log(LogLevelWarn, "cache_work_order project=%s id=%s error=%v",
				project.ID, orders[i].ID, err)
		}
	}

	cross, err := s.store.WorkOrdersByIDs(deps.CrossProjectRefs(orders, project.ID))
	if err != nil {
		s.log(LogLevelError, "cross_refs project=%s error=%v", project.ID, err)
		return nil
	}
	lookups := deps.BuildLookups(project.ID, orders, cross)

	eligible := orders
	if len(exclude) > 0 {
		eligible = make([]model.WorkOrder, 0, len(orders))
		for _, wo := range orders {
			if !exclude[wo.ID] {
				eligible = append(eligible, wo)
			}
		}
	}
	return SelectCandidate(eligible, policy, lookups)
}

// scheduleDue reports whether the cron schedule fired within the last
// sweep interval. Policies without a cron run every cycle.
func (s *Scheduler) scheduleDue(projectID, expr string) bool {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		// Validated at patch time; a bad stored expression should not
		// wedge the project.
		s.log(LogLevelWarn, "bad_schedule_cron project=%s expr=%q error=%v", projectID, expr, err)
		return true
	}
	now := s.now()
	return !sched.Next(now.Add(-s.interval)).After(now)
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s autopilot: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
