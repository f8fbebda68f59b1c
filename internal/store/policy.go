package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mizutanik/flotilla/internal/model"
)

func (s *Store) GetPolicy(projectID string) (*model.AutopilotPolicy, error) {
	row := s.db.QueryRow(
		`SELECT project_id, enabled, max_concurrent_runs, allowed_tags, min_priority, stop_on_failure_count, schedule_cron
		 FROM autopilot_policies WHERE project_id = ?`, projectID,
	)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", projectID, ErrNotFound)
	}
	return p, err
}

func (s *Store) ListEnabledPolicies() ([]model.AutopilotPolicy, error) {
	rows, err := s.db.Query(
		`SELECT project_id, enabled, max_concurrent_runs, allowed_tags, min_priority, stop_on_failure_count, schedule_cron
		 FROM autopilot_policies WHERE enabled = 1 ORDER BY project_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query enabled policies: %w", err)
	}
	defer rows.Close()

	var policies []model.AutopilotPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

func (s *Store) SavePolicy(p *model.AutopilotPolicy) error {
	var tagsJSON any
	if p.AllowedTags != nil {
		data, err := json.Marshal(p.AllowedTags)
		if err != nil {
			return fmt.Errorf("marshal allowed_tags: %w", err)
		}
		tagsJSON = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO autopilot_policies (project_id, enabled, max_concurrent_runs, allowed_tags, min_priority, stop_on_failure_count, schedule_cron)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   max_concurrent_runs = excluded.max_concurrent_runs,
		   allowed_tags = excluded.allowed_tags,
		   min_priority = excluded.min_priority,
		   stop_on_failure_count = excluded.stop_on_failure_count,
		   schedule_cron = excluded.schedule_cron`,
		p.ProjectID, p.Enabled, p.MaxConcurrentRuns, tagsJSON, nullInt(p.MinPriority), p.StopOnFailureCount, nullStr(p.ScheduleCron),
	)
	if err != nil {
		return fmt.Errorf("save policy %s: %w", p.ProjectID, err)
	}
	return nil
}

func scanPolicy(row rowScanner) (*model.AutopilotPolicy, error) {
	var p model.AutopilotPolicy
	var enabled int
	var tagsJSON, cron sql.NullString
	var minPriority sql.NullInt64

	if err := row.Scan(&p.ProjectID, &enabled, &p.MaxConcurrentRuns, &tagsJSON, &minPriority, &p.StopOnFailureCount, &cron); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &p.AllowedTags); err != nil {
			return nil, fmt.Errorf("parse allowed_tags for %s: %w", p.ProjectID, err)
		}
	}
	if minPriority.Valid {
		v := int(minPriority.Int64)
		p.MinPriority = &v
	}
	if cron.Valid {
		p.ScheduleCron = &cron.String
	}
	return &p, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
