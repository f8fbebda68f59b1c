// Package daemon assembles and runs the flotilla control plane: the
// shared store, event bus, project discovery, autopilot scheduler, and
// the IPC surface the CLI talks to.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mizutanik/flotilla/internal/agentproc"
	"github.com/mizutanik/flotilla/internal/attention"
	"github.com/mizutanik/flotilla/internal/autopilot"
	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/events"
	"github.com/mizutanik/flotilla/internal/lock"
	"github.com/mizutanik/flotilla/internal/mergelock"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/notify"
	"github.com/mizutanik/flotilla/internal/shift"
	"github.com/mizutanik/flotilla/internal/store"
	"github.com/mizutanik/flotilla/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
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

// Daemon is the long-running flotilla control-plane process.
type Daemon struct {
	flotillaDir string
	config      model.Config
	logLevel    LogLevel
	logger      *log.Logger
	logFile     io.Closer

	fileLock *lock.FileLock
	server   *uds.Server

	store     *store.Store
	bus       *events.Bus
	audit     *events.AuditLogger
	detach    []func()
	registry  *discovery.Registry
	scheduler *autopilot.Scheduler
	locks     *mergelock.Manager
	attention *attention.Aggregator
	shifts    *shift.Orchestrator
	notifier  *notify.Notifier

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	shiftMu      sync.Mutex
	shiftRunning bool

	forceExit atomic.Bool
}

// New creates a Daemon writing its log under <flotillaDir>/logs/.
func New(flotillaDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(flotillaDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(flotillaDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(flotillaDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		flotillaDir: flotillaDir,
		config:      cfg,
		logLevel:    parseLogLevel(cfg.Logging.Level),
		logger:      log.New(w, "", 0),
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(flotillaDir, "locks", "daemon.lock")),
		server:      uds.NewServer(filepath.Join(flotillaDir, uds.DefaultSocketName)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start brings up every component. On any error the partially started
// daemon is torn down before returning.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	st, err := store.New(filepath.Join(d.flotillaDir, "flotilla.db"))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	d.bus = events.NewBus(0)
	audit, err := events.NewAuditLogger(filepath.Join(d.flotillaDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.detach = audit.AttachTo(d.bus)

	if d.config.Daemon.Notify {
		d.notifier = notify.NewNotifier(0)
		d.detach = append(d.detach, d.bus.Subscribe(events.EventAutopilotPaused, d.onAutopilotPaused))
	}

	d.registry = discovery.NewRegistry(d.config.Fleet.DiscoveryRoots)
	if _, err := d.registry.Rescan(); err != nil {
		d.log(LogLevelWarn, "initial project scan: %v", err)
	}
	d.log(LogLevelInfo, "discovered %d projects", len(d.registry.List()))

	staleAfter := time.Duration(d.config.MergeLock.StaleAfterMin) * time.Minute
	d.locks = mergelock.NewManager(d.store, staleAfter)
	d.attention = attention.NewAggregator(d.store)

	d.scheduler = autopilot.NewScheduler(
		d.store, d.registry, nil, d.bus,
		d.config.Autopilot, d.logger, autopilot.ParseLogLevel(d.config.Logging.Level),
	)
	if err := d.scheduler.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start autopilot: %w", err)
	}

	d.shifts = shift.NewOrchestrator(shift.Options{
		Store:    d.store,
		Registry: d.registry,
		Starter:  &delegateStarter{store: d.store, scheduler: d.scheduler},
		Builder: &shift.LiveContextBuilder{
			FleetName: d.config.Fleet.Name,
			Store:     d.store,
			Registry:  d.registry,
			Attention: d.attention,
		},
		Decide:        agentproc.NewRunner(d.config.Agent).Run,
		Bus:           d.bus,
		Report:        d.config.Report,
		MaxIterations: d.config.Shift.MaxIterations,
		StaleAfter:    time.Duration(d.config.Shift.StaleAfterMin) * time.Minute,
		Logger:        d.logger,
		LogLevel:      shift.ParseLogLevel(d.config.Logging.Level),
	})

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.scheduler.Stop()
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.flotillaDir, uds.DefaultSocketName))
	d.log(LogLevelInfo, "daemon ready")

	return nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

func (d *Daemon) onAutopilotPaused(event events.Event) {
	body := pausedNotification(event.Data)
	if d.notifier.Notify("Autopilot paused", body) {
		d.log(LogLevelDebug, "notification sent: %s", body)
	}
}

// pausedNotification formats the body from the scheduler's pause event,
// which carries the project id and the consecutive-failure count.
func pausedNotification(data map[string]any) string {
	projectID, _ := data["project_id"].(string)
	failures, _ := data["failures"].(int)
	return fmt.Sprintf("%s: %d consecutive failures", projectID, failures)
}

// delegateStarter treats "start work on this project" as making sure
// its autopilot picks up a candidate now. An active run means the
// project is already being worked.
type delegateStarter struct {
	store     *store.Store
	scheduler *autopilot.Scheduler
}

func (s *delegateStarter) StartProjectShift(ctx context.Context, projectID string) error {
	n, err := s.store.ActiveRunCount(projectID)
	if err != nil {
		return err
	}
	if n > 0 {
		return shift.ErrShiftAlreadyActive
	}
	s.scheduler.Kick()
	return nil
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()

		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources in reverse start order.
func (d *Daemon) cleanup() {
	for _, unsub := range d.detach {
		unsub()
	}
	d.detach = nil
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	os.Remove(filepath.Join(d.flotillaDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
