package autopilot

import (
	"sort"
	"strings"

	"github.com/mizutanik/flotilla/internal/deps"
	"github.com/mizutanik/flotilla/internal/model"
)

// SelectCandidate picks the one work order to enqueue this cycle, or nil.
// Eligible orders are ready, within the policy's priority bound, match
// the tag allowlist, and have every dependency satisfied per the given
// lookups. Lowest priority number wins; ties go to the most recently
// updated order.
func SelectCandidate(orders []model.WorkOrder, policy model.AutopilotPolicy, lookups deps.Lookups) *model.WorkOrder {
	var eligible []model.WorkOrder
	for _, wo := range orders {
		if wo.Status != model.WorkOrderReady {
			continue
		}
		if policy.MinPriority != nil && wo.Priority > *policy.MinPriority {
			continue
		}
		if !tagsAllowed(wo.Tags, policy.AllowedTags) {
			continue
		}
		summary := deps.Summarize(deps.Resolve(wo, policy.ProjectID, lookups))
		if !summary.DepsSatisfied {
			continue
		}
		eligible = append(eligible, wo)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].UpdatedAt.After(eligible[j].UpdatedAt)
	})
	top := eligible[0]
	return &top
}

// tagsAllowed applies OR-semantics against the allowlist, case
// insensitively. An unset allowlist matches everything.
func tagsAllowed(tags, allowed []string) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		for _, t := range tags {
			if strings.EqualFold(a, t) {
				return true
			}
		}
	}
	return false
}
