// Package deps resolves work-order dependency references, including
// cross-project references of the form "project:wo".
package deps

import (
	"strings"

	"github.com/mizutanik/flotilla/internal/model"
)

// StatusNotFound marks a dependency whose referenced project/work-order
// pair is absent from the lookups.
const StatusNotFound = "not_found"

// Ref is the parsed form of a raw dependency string.
type Ref struct {
	ProjectID      string
	WorkOrderID    string
	IsCrossProject bool
}

// ParseRef splits raw on the first interior colon into project and work
// order ids, but only when both halves are non-empty after trimming.
// Anything else is treated as a same-project work order id.
func ParseRef(raw, currentProjectID string) Ref {
	trimmed := strings.TrimSpace(raw)
	if i := strings.Index(trimmed, ":"); i > 0 {
		project := strings.TrimSpace(trimmed[:i])
		wo := strings.TrimSpace(trimmed[i+1:])
		if project != "" && wo != "" {
			return Ref{
				ProjectID:      project,
				WorkOrderID:    wo,
				IsCrossProject: project != currentProjectID,
			}
		}
	}
	return Ref{ProjectID: currentProjectID, WorkOrderID: trimmed}
}

// Lookups holds per-project id→WorkOrder maps used during resolution.
type Lookups map[string]map[string]model.WorkOrder

// CrossProjectRefs collects, per referenced project, the cross-project
// work-order ids actually mentioned by a project's work orders. Callers
// fetch only these rather than loading every project.
func CrossProjectRefs(orders []model.WorkOrder, currentProjectID string) map[string][]string {
	seen := make(map[string]map[string]bool)
	for _, wo := range orders {
		for _, raw := range wo.DependsOn {
			ref := ParseRef(raw, currentProjectID)
			if !ref.IsCrossProject {
				continue
			}
			if seen[ref.ProjectID] == nil {
				seen[ref.ProjectID] = make(map[string]bool)
			}
			seen[ref.ProjectID][ref.WorkOrderID] = true
		}
	}

	out := make(map[string][]string, len(seen))
	for project, ids := range seen {
		for id := range ids {
			out[project] = append(out[project], id)
		}
	}
	return out
}

// BuildLookups indexes the current project's work orders plus any
// cross-project work orders supplied by the caller.
func BuildLookups(currentProjectID string, own []model.WorkOrder, cross map[string][]model.WorkOrder) Lookups {
	lookups := make(Lookups)
	ownMap := make(map[string]model.WorkOrder, len(own))
	for _, wo := range own {
		ownMap[wo.ID] = wo
	}
	lookups[currentProjectID] = ownMap

	for project, orders := range cross {
		m := lookups[project]
		if m == nil {
			m = make(map[string]model.WorkOrder, len(orders))
			lookups[project] = m
		}
		for _, wo := range orders {
			m[wo.ID] = wo
		}
	}
	return lookups
}

// Resolved is one dependency resolved against current status.
type Resolved struct {
	ProjectID      string
	WorkOrderID    string
	Status         string
	Satisfied      bool
	IsCrossProject bool
}

// Resolve maps each raw dependency of a work order to its resolved form.
// A reference missing from lookups resolves to not_found and unsatisfied.
func Resolve(wo model.WorkOrder, currentProjectID string, lookups Lookups) []Resolved {
	if len(wo.DependsOn) == 0 {
		return nil
	}

	resolved := make([]Resolved, 0, len(wo.DependsOn))
	for _, raw := range wo.DependsOn {
		ref := ParseRef(raw, currentProjectID)
		status := StatusNotFound
		if projectOrders, ok := lookups[ref.ProjectID]; ok {
			if dep, ok := projectOrders[ref.WorkOrderID]; ok {
				status = string(dep.Status)
			}
		}
		resolved = append(resolved, Resolved{
			ProjectID:      ref.ProjectID,
			WorkOrderID:    ref.WorkOrderID,
			Status:         status,
			Satisfied:      status == string(model.WorkOrderDone),
			IsCrossProject: ref.IsCrossProject,
		})
	}
	return resolved
}

// Blocker describes one unsatisfied dependency.
type Blocker struct {
	ProjectID   string
	WorkOrderID string
	Status      string
}

// Summary aggregates resolution results. BlockedByCrossProject lets
// callers distinguish a locally actionable stall from one requiring
// cross-team escalation.
type Summary struct {
	DepsSatisfied         bool
	BlockedByCrossProject bool
	Blockers              []Blocker
}

// Summarize folds resolved entries: satisfied iff all entries are
// satisfied; cross-project-blocked iff any unsatisfied entry is
// cross-project.
func Summarize(resolved []Resolved) Summary {
	summary := Summary{DepsSatisfied: true}
	for _, r := range resolved {
		if r.Satisfied {
			continue
		}
		summary.DepsSatisfied = false
		if r.IsCrossProject {
			summary.BlockedByCrossProject = true
		}
		summary.Blockers = append(summary.Blockers, Blocker{
			ProjectID:   r.ProjectID,
			WorkOrderID: r.WorkOrderID,
			Status:      r.Status,
		})
	}
	return summary
}
