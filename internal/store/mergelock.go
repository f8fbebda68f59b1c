package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mizutanik/flotilla/internal/model"
)

// AcquireMergeLock attempts to install run_id as the merge lock holder for
// a project. It succeeds iff no lock row exists, or the existing row was
// acquired before staleCutoff (an abandoned holder). The check and the
// write are a single statement: concurrent run workers racing to merge the
// same project must not both see success.
func (s *Store) AcquireMergeLock(projectID, runID string, acquiredAt, staleCutoff time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO merge_locks (project_id, run_id, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE
		 SET run_id = excluded.run_id, acquired_at = excluded.acquired_at
		 WHERE merge_locks.acquired_at < ?`,
		projectID, runID, acquiredAt, staleCutoff,
	)
	if err != nil {
		return false, fmt.Errorf("acquire merge lock %s: %w", projectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire merge lock %s: %w", projectID, err)
	}
	return n == 1, nil
}

// GetMergeLock returns the current lock row for a project, or nil.
func (s *Store) GetMergeLock(projectID string) (*model.MergeLock, error) {
	row := s.db.QueryRow(
		`SELECT project_id, run_id, acquired_at FROM merge_locks WHERE project_id = ?`,
		projectID,
	)
	var lock model.MergeLock
	err := row.Scan(&lock.ProjectID, &lock.RunID, &lock.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get merge lock %s: %w", projectID, err)
	}
	return &lock, nil
}

// ReleaseMergeLock deletes the lock row only if run_id still matches the
// caller. A late release from a superseded holder must not clobber a new
// holder's lock.
func (s *Store) ReleaseMergeLock(projectID, runID string) error {
	_, err := s.db.Exec(
		`DELETE FROM merge_locks WHERE project_id = ? AND run_id = ?`,
		projectID, runID,
	)
	if err != nil {
		return fmt.Errorf("release merge lock %s: %w", projectID, err)
	}
	return nil
}
