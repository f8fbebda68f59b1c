package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mizutanik/flotilla/internal/model"
)

// StartShift attempts to open a new global shift. The insert carries its
// own "no active shift exists" predicate so two processes cannot both open
// one: success iff exactly one row was inserted. On contention the
// existing active shift is returned unchanged with ok=false.
func (s *Store) StartShift(shift *model.GlobalShift) (bool, *model.GlobalShift, error) {
	res, err := s.db.Exec(
		`INSERT INTO global_shifts (id, status, started_at, agent_type, agent_id)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM global_shifts WHERE status = ?)`,
		shift.ID, model.ShiftActive, shift.StartedAt, shift.AgentType, shift.AgentID, model.ShiftActive,
	)
	if err != nil {
		return false, nil, fmt.Errorf("start shift: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("start shift: %w", err)
	}
	if n == 1 {
		return true, shift, nil
	}

	existing, err := s.ActiveShift()
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// ActiveShift returns the currently active shift, or nil.
func (s *Store) ActiveShift() (*model.GlobalShift, error) {
	row := s.db.QueryRow(
		`SELECT id, status, started_at, completed_at, agent_type, agent_id, handoff_id, error
		 FROM global_shifts WHERE status = ? LIMIT 1`, model.ShiftActive,
	)
	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return shift, err
}

func (s *Store) GetShift(id string) (*model.GlobalShift, error) {
	row := s.db.QueryRow(
		`SELECT id, status, started_at, completed_at, agent_type, agent_id, handoff_id, error
		 FROM global_shifts WHERE id = ?`, id,
	)
	shift, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shift %s: %w", id, ErrNotFound)
	}
	return shift, err
}

// FinishShift moves a shift to its terminal status with the handoff id and
// any error attached.
func (s *Store) FinishShift(id string, status model.ShiftStatus, handoffID, errMsg *string, completedAt time.Time) error {
	if err := model.ValidateShiftTransition(model.ShiftActive, status); err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE global_shifts SET status = ?, completed_at = ?, handoff_id = ?, error = ?
		 WHERE id = ? AND status = ?`,
		status, completedAt, nullStr(handoffID), nullStr(errMsg), id, model.ShiftActive,
	)
	if err != nil {
		return fmt.Errorf("finish shift %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shift %s not active: %w", id, ErrNotFound)
	}
	return nil
}

// SweepStaleShifts fails any active shift started before cutoff. Returns
// the number of shifts swept.
func (s *Store) SweepStaleShifts(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE global_shifts SET status = ?, completed_at = ?, error = 'shift timed out'
		 WHERE status = ? AND started_at < ?`,
		model.ShiftFailed, time.Now().UTC(), model.ShiftActive, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep stale shifts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CreateHandoff(h *model.ShiftHandoff) error {
	actions, err := json.Marshal(h.ActionsTaken)
	if err != nil {
		return fmt.Errorf("marshal actions_taken: %w", err)
	}
	pending, err := json.Marshal(h.PendingItems)
	if err != nil {
		return fmt.Errorf("marshal pending_items: %w", err)
	}
	decisions, err := json.Marshal(h.DecisionsMade)
	if err != nil {
		return fmt.Errorf("marshal decisions_made: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO shift_handoffs (id, shift_id, summary, actions_taken, pending_items, context_snapshot, decisions_made, duration_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ShiftID, h.Summary, string(actions), string(pending), h.ContextSnapshot, string(decisions), h.DurationMinutes, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert handoff %s: %w", h.ID, err)
	}
	return nil
}

func (s *Store) GetHandoff(id string) (*model.ShiftHandoff, error) {
	row := s.db.QueryRow(
		`SELECT id, shift_id, summary, actions_taken, pending_items, context_snapshot, decisions_made, duration_minutes, created_at
		 FROM shift_handoffs WHERE id = ?`, id,
	)

	var h model.ShiftHandoff
	var actions, pending, decisions sql.NullString
	err := row.Scan(&h.ID, &h.ShiftID, &h.Summary, &actions, &pending, &h.ContextSnapshot, &decisions, &h.DurationMinutes, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handoff %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff %s: %w", id, err)
	}

	if actions.Valid {
		if err := json.Unmarshal([]byte(actions.String), &h.ActionsTaken); err != nil {
			return nil, fmt.Errorf("parse actions_taken: %w", err)
		}
	}
	if pending.Valid {
		if err := json.Unmarshal([]byte(pending.String), &h.PendingItems); err != nil {
			return nil, fmt.Errorf("parse pending_items: %w", err)
		}
	}
	if decisions.Valid {
		if err := json.Unmarshal([]byte(decisions.String), &h.DecisionsMade); err != nil {
			return nil, fmt.Errorf("parse decisions_made: %w", err)
		}
	}
	return &h, nil
}

func scanShift(row rowScanner) (*model.GlobalShift, error) {
	var shift model.GlobalShift
	var completedAt sql.NullTime
	var handoffID, errMsg sql.NullString

	if err := row.Scan(
		&shift.ID, &shift.Status, &shift.StartedAt, &completedAt,
		&shift.AgentType, &shift.AgentID, &handoffID, &errMsg,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		shift.CompletedAt = &completedAt.Time
	}
	if handoffID.Valid {
		shift.HandoffID = &handoffID.String
	}
	if errMsg.Valid {
		shift.Error = &errMsg.String
	}
	return &shift, nil
}
