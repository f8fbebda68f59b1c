package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mizutanik/flotilla/internal/model"
)

// ErrNotFound is returned when a requested row does not exist. Callers use
// errors.Is to distinguish this from real read failures.
var ErrNotFound = errors.New("not found")

func (s *Store) CreateRun(run *model.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, project_id, work_order_id, status, triggered_by, thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.WorkOrderID, run.Status, run.TriggeredBy, nullStr(run.ThreadID), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, work_order_id, status, triggered_by, thread_id, created_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (s *Store) UpdateRunStatus(id string, status model.RunStatus) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveRunInput attaches a structured input payload to a run blocked on
// waiting_for_input and moves it back to building. Returns ErrNotFound if
// no run is waiting under that id.
func (s *Store) ResolveRunInput(id string, payload string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET input = ?, status = ? WHERE id = ? AND status = ?`,
		payload, model.RunBuilding, id, model.RunWaitingForInput,
	)
	if err != nil {
		return fmt.Errorf("resolve run input %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not waiting for input: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveRun returns the most recent non-terminal run for a project, or nil.
func (s *Store) ActiveRun(projectID string) (*model.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, work_order_id, status, triggered_by, thread_id, created_at
		 FROM runs WHERE project_id = ? AND status IN (?, ?, ?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, model.RunQueued, model.RunBuilding, model.RunWaitingForInput, model.RunTesting, model.RunYouReview,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ActiveRuns returns all non-terminal runs for a project, newest first.
func (s *Store) ActiveRuns(projectID string) ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, work_order_id, status, triggered_by, thread_id, created_at
		 FROM runs WHERE project_id = ? AND status IN (?, ?, ?, ?, ?)
		 ORDER BY created_at DESC`,
		projectID, model.RunQueued, model.RunBuilding, model.RunWaitingForInput, model.RunTesting, model.RunYouReview,
	)
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ActiveRunCount returns the number of non-terminal runs for a project.
func (s *Store) ActiveRunCount(projectID string) (int, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE project_id = ? AND status IN (?, ?, ?, ?, ?)`,
		projectID, model.RunQueued, model.RunBuilding, model.RunWaitingForInput, model.RunTesting, model.RunYouReview,
	)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

// RecentRunsByTrigger returns up to limit runs for a project with the given
// trigger, newest first. Used by the failure circuit breaker.
func (s *Store) RecentRunsByTrigger(projectID, triggeredBy string, limit int) ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, work_order_id, status, triggered_by, thread_id, created_at
		 FROM runs WHERE project_id = ? AND triggered_by = ?
		 ORDER BY created_at DESC LIMIT ?`,
		projectID, triggeredBy, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// FailedThreadRuns returns failed-terminal runs attached to a conversation
// thread, for attention aggregation.
func (s *Store) FailedThreadRuns() ([]model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, work_order_id, status, triggered_by, thread_id, created_at
		 FROM runs WHERE thread_id IS NOT NULL AND status IN (?, ?, ?)`,
		model.RunFailed, model.RunBaselineFailed, model.RunMergeConflict,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var threadID sql.NullString
	if err := row.Scan(
		&run.ID, &run.ProjectID, &run.WorkOrderID, &run.Status,
		&run.TriggeredBy, &threadID, &run.CreatedAt,
	); err != nil {
		return nil, err
	}
	if threadID.Valid {
		run.ThreadID = &threadID.String
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
