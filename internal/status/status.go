// Package status assembles the fleet status snapshot shown by the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mizutanik/flotilla/internal/discovery"
	"github.com/mizutanik/flotilla/internal/mergelock"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/store"
	"github.com/mizutanik/flotilla/internal/uds"
)

type Snapshot struct {
	Daemon    DaemonStatus       `json:"daemon"`
	FleetName string             `json:"fleet_name"`
	Projects  []ProjectStatus    `json:"projects"`
	Shift     *model.GlobalShift `json:"active_shift,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     string `json:"pid,omitempty"`
}

type ProjectStatus struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	AutopilotEnabled bool              `json:"autopilot_enabled"`
	ActiveRuns       int               `json:"active_runs"`
	MergeLock        *mergelock.Status `json:"merge_lock,omitempty"`
}

// Collect reads the fleet state directly from the store and registry.
// It works whether or not the daemon is running; daemon liveness is
// probed separately via the socket.
func Collect(flotillaDir string, cfg model.Config, st *store.Store, reg *discovery.Registry) (*Snapshot, error) {
	snap := &Snapshot{
		FleetName: cfg.Fleet.Name,
		Daemon:    checkDaemon(flotillaDir),
	}

	locks := mergelock.NewManager(st, time.Duration(cfg.MergeLock.StaleAfterMin)*time.Minute)

	for _, p := range reg.List() {
		ps := ProjectStatus{ID: p.ID, Name: p.Name}

		if policy, err := st.GetPolicy(p.ID); err == nil {
			ps.AutopilotEnabled = policy.Enabled
		}

		n, err := st.ActiveRunCount(p.ID)
		if err != nil {
			return nil, fmt.Errorf("active runs for %s: %w", p.ID, err)
		}
		ps.ActiveRuns = n

		if lockStatus, err := locks.Status(p.ID); err == nil && lockStatus.Held {
			ps.MergeLock = &lockStatus
		}

		snap.Projects = append(snap.Projects, ps)
	}

	shift, err := st.ActiveShift()
	if err != nil {
		return nil, fmt.Errorf("active shift: %w", err)
	}
	snap.Shift = shift

	return snap, nil
}

// checkDaemon pings the daemon socket; the PID comes from the lock file.
func checkDaemon(flotillaDir string) DaemonStatus {
	client := uds.NewClient(filepath.Join(flotillaDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)

	resp, err := client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		return DaemonStatus{Running: false}
	}

	ds := DaemonStatus{Running: true}
	if data, err := os.ReadFile(filepath.Join(flotillaDir, "locks", "daemon.lock")); err == nil {
		ds.Pid = strings.TrimSpace(string(data))
	}
	return ds
}

// Render writes the snapshot in the CLI's human or JSON form.
func Render(w io.Writer, snap *Snapshot, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "Fleet: %s\n", snap.FleetName)
	if snap.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %s)\n", snap.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: not running")
	}

	if snap.Shift != nil {
		fmt.Fprintf(w, "Shift: %s active since %s (%s/%s)\n",
			snap.Shift.ID, snap.Shift.StartedAt.Format(time.RFC3339),
			snap.Shift.AgentType, snap.Shift.AgentID)
	}

	fmt.Fprintf(w, "\nProjects (%d):\n", len(snap.Projects))
	for _, p := range snap.Projects {
		autopilot := "off"
		if p.AutopilotEnabled {
			autopilot = "on"
		}
		line := fmt.Sprintf("  %-20s autopilot=%s runs=%d", p.ID, autopilot, p.ActiveRuns)
		if p.MergeLock != nil {
			line += fmt.Sprintf(" merge_lock=%s", p.MergeLock.HolderRunID)
			if p.MergeLock.Stale {
				line += " (stale)"
			}
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
