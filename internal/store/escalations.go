package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mizutanik/flotilla/internal/model"
)

func (s *Store) CreateEscalation(e *model.Escalation) error {
	_, err := s.db.Exec(
		`INSERT INTO escalations (id, project_id, run_id, question, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.RunID, e.Question, e.Status, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetEscalation(id string) (*model.Escalation, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, run_id, question, status, resolution, created_at
		 FROM escalations WHERE id = ?`, id,
	)
	var e model.Escalation
	var runID, resolution sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &runID, &e.Question, &e.Status, &resolution, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation %s: %w", id, err)
	}
	e.RunID = runID.String
	if resolution.Valid {
		e.Resolution = &resolution.String
	}
	return &e, nil
}

func (s *Store) OpenEscalations() ([]model.Escalation, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, run_id, question, status, resolution, created_at
		 FROM escalations WHERE status IN (?, ?, ?) ORDER BY created_at`,
		model.EscalationPending, model.EscalationClaimed, model.EscalationEscalatedToUser,
	)
	if err != nil {
		return nil, fmt.Errorf("query open escalations: %w", err)
	}
	defer rows.Close()

	var escalations []model.Escalation
	for rows.Next() {
		var e model.Escalation
		var runID, resolution sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &runID, &e.Question, &e.Status, &resolution, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		if resolution.Valid {
			e.Resolution = &resolution.String
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

// ResolveEscalation marks an escalation resolved iff it is still in a
// resolvable state. Returns false if the row exists but was not in a
// resolvable state (the caller decides whether that is a no-op or an error).
func (s *Store) ResolveEscalation(id, resolution string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE escalations SET status = ?, resolution = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		model.EscalationResolved, resolution, id,
		model.EscalationPending, model.EscalationClaimed, model.EscalationEscalatedToUser,
	)
	if err != nil {
		return false, fmt.Errorf("resolve escalation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve escalation %s: %w", id, err)
	}
	return n == 1, nil
}
