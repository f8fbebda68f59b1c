package daemon

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mizutanik/flotilla/internal/autopilot"
	"github.com/mizutanik/flotilla/internal/model"
	"github.com/mizutanik/flotilla/internal/uds"
)

// StatusPayload is the response body for the status command.
type StatusPayload struct {
	Pid       int                       `json:"pid"`
	FleetName string                    `json:"fleet_name"`
	Projects  []model.Project           `json:"projects"`
	Autopilot []autopilot.ProjectStatus `json:"autopilot"`
	Shift     *model.GlobalShift        `json:"active_shift,omitempty"`
}

type shiftStartParams struct {
	AgentType string `json:"agent_type"`
	AgentID   string `json:"agent_id"`
}

type shiftStartResult struct {
	OK      bool   `json:"ok"`
	ShiftID string `json:"shift_id,omitempty"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (d *Daemon) registerHandlers() {
	// Shift runs block the connection for the length of the agent call.
	d.server.SetConnTimeout(10 * time.Minute)

	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("status", d.handleStatus)
	d.server.Handle("sweep", d.handleSweep)
	d.server.Handle("shift_start", d.handleShiftStart)

	d.server.Handle("rescan", func(req *uds.Request) *uds.Response {
		projects, err := d.registry.Rescan()
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(map[string]int{"projects": len(projects)})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	active, err := d.store.ActiveShift()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(StatusPayload{
		Pid:       os.Getpid(),
		FleetName: d.config.Fleet.Name,
		Projects:  d.registry.List(),
		Autopilot: d.scheduler.Statuses(),
		Shift:     active,
	})
}

func (d *Daemon) handleSweep(req *uds.Request) *uds.Response {
	d.scheduler.Kick()
	return uds.SuccessResponse(map[string]string{"status": "sweep_requested"})
}

// handleShiftStart runs a full shift synchronously. The orchestrator's
// own start gate rejects overlap with shifts started elsewhere; the
// local guard keeps two CLI calls from both spawning an agent process.
func (d *Daemon) handleShiftStart(req *uds.Request) *uds.Response {
	var params shiftStartParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	if params.AgentType == "" {
		params.AgentType = "global"
	}
	if params.AgentID == "" {
		params.AgentID = "cli"
	}

	d.shiftMu.Lock()
	if d.shiftRunning {
		d.shiftMu.Unlock()
		return uds.ErrorResponse(uds.ErrCodeConflict, "a shift is already running")
	}
	d.shiftRunning = true
	d.shiftMu.Unlock()
	defer func() {
		d.shiftMu.Lock()
		d.shiftRunning = false
		d.shiftMu.Unlock()
	}()

	res := d.shifts.RunShift(d.ctx, params.AgentType, params.AgentID)

	out := shiftStartResult{OK: res.OK, Error: res.Error}
	if res.Shift != nil {
		out.ShiftID = res.Shift.ID
	}
	if res.Handoff != nil {
		out.Summary = res.Handoff.Summary
	}
	return uds.SuccessResponse(out)
}
