package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mizutanik/flotilla/internal/model"
)

// UpsertWorkOrderStatus refreshes the read-model row for a work order.
// The canonical source remains the project's spec file; this cache exists
// so cross-project dependency lookups do not have to read every project's
// spec directory.
func (s *Store) UpsertWorkOrderStatus(wo *model.WorkOrder) error {
	var tagsJSON, depsJSON any
	if len(wo.Tags) > 0 {
		data, err := json.Marshal(wo.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tagsJSON = string(data)
	}
	if len(wo.DependsOn) > 0 {
		data, err := json.Marshal(wo.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		depsJSON = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO work_order_status (project_id, work_order_id, title, status, priority, tags, depends_on, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, work_order_id) DO UPDATE SET
		   title = excluded.title, status = excluded.status, priority = excluded.priority,
		   tags = excluded.tags, depends_on = excluded.depends_on, updated_at = excluded.updated_at`,
		wo.ProjectID, wo.ID, wo.Title, wo.Status, wo.Priority, tagsJSON, depsJSON, wo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert work order %s/%s: %w", wo.ProjectID, wo.ID, err)
	}
	return nil
}

// WorkOrdersByProject returns the cached work orders for one project.
func (s *Store) WorkOrdersByProject(projectID string) ([]model.WorkOrder, error) {
	rows, err := s.db.Query(
		`SELECT project_id, work_order_id, title, status, priority, tags, depends_on, updated_at
		 FROM work_order_status WHERE project_id = ?`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query work orders for %s: %w", projectID, err)
	}
	defer rows.Close()
	return collectWorkOrders(rows)
}

// WorkOrdersByIDs returns cached work orders for specific (project, id)
// pairs, used to resolve cross-project dependency references without
// loading every project.
func (s *Store) WorkOrdersByIDs(refs map[string][]string) (map[string][]model.WorkOrder, error) {
	out := make(map[string][]model.WorkOrder, len(refs))
	for projectID, ids := range refs {
		if len(ids) == 0 {
			continue
		}
		query := `SELECT project_id, work_order_id, title, status, priority, tags, depends_on, updated_at
		 FROM work_order_status WHERE project_id = ? AND work_order_id IN (?` + repeatPlaceholder(len(ids)-1) + `)`
		args := make([]any, 0, len(ids)+1)
		args = append(args, projectID)
		for _, id := range ids {
			args = append(args, id)
		}
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("query work orders for %s: %w", projectID, err)
		}
		orders, err := collectWorkOrders(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[projectID] = orders
	}
	return out, nil
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func collectWorkOrders(rows *sql.Rows) ([]model.WorkOrder, error) {
	var orders []model.WorkOrder
	for rows.Next() {
		var wo model.WorkOrder
		var tagsJSON, depsJSON sql.NullString
		if err := rows.Scan(&wo.ProjectID, &wo.ID, &wo.Title, &wo.Status, &wo.Priority, &tagsJSON, &depsJSON, &wo.UpdatedAt); err != nil {
			return nil, err
		}
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &wo.Tags)
		}
		if depsJSON.Valid {
			_ = json.Unmarshal([]byte(depsJSON.String), &wo.DependsOn)
		}
		orders = append(orders, wo)
	}
	return orders, rows.Err()
}
