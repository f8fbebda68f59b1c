package autopilot

import (
	"testing"
	"time"

	"github.com/mizutanik/flotilla/internal/deps"
	"github.com/mizutanik/flotilla/internal/model"
)

func TestSelectCandidate_TagAndPriorityFilters(t *testing.T) {
	orders := []model.WorkOrder{
		{ID: "wo-be", Status: model.WorkOrderReady, Priority: 1, Tags: []string{"backend"}},
		{ID: "wo-fe", Status: model.WorkOrderReady, Priority: 2, Tags: []string{"frontend"}},
	}
	minPriority := 2
	policy := model.AutopilotPolicy{
		ProjectID:   "p",
		AllowedTags: []string{"backend"},
		MinPriority: &minPriority,
	}
	lookups := deps.BuildLookups("p", orders, nil)

	got := SelectCandidate(orders, policy, lookups)
	if got == nil || got.ID != "wo-be" {
		t.Fatalf("expected wo-be, got %+v", got)
	}
}

func TestSelectCandidate_TagMatchCaseInsensitive(t *testing.T) {
	orders := []model.WorkOrder{
		{ID: "wo-1", Status: model.WorkOrderReady, Priority: 3, Tags: []string{"Backend"}},
	}
	policy := model.AutopilotPolicy{ProjectID: "p", AllowedTags: []string{"backend"}}

	got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, nil))
	if got == nil || got.ID != "wo-1" {
		t.Fatalf("expected wo-1, got %+v", got)
	}
}

func TestSelectCandidate_OnlyReady(t *testing.T) {
	orders := []model.WorkOrder{
		{ID: "wo-draft", Status: model.WorkOrderDraft, Priority: 1},
		{ID: "wo-blocked", Status: model.WorkOrderBlocked, Priority: 1},
		{ID: "wo-done", Status: model.WorkOrderDone, Priority: 1},
	}
	policy := model.AutopilotPolicy{ProjectID: "p"}

	if got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, nil)); got != nil {
		t.Fatalf("expected no candidate, got %+v", got)
	}
}

func TestSelectCandidate_UnsatisfiedDepsExcluded(t *testing.T) {
	orders := []model.WorkOrder{
		{ID: "wo-1", Status: model.WorkOrderReady, Priority: 1, DependsOn: []string{"wo-2"}},
		{ID: "wo-2", Status: model.WorkOrderReady, Priority: 3},
	}
	policy := model.AutopilotPolicy{ProjectID: "p"}

	got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, nil))
	if got == nil || got.ID != "wo-2" {
		t.Fatalf("expected wo-2, got %+v", got)
	}
}

func TestSelectCandidate_CrossProjectDepGates(t *testing.T) {
	orders := []model.WorkOrder{
		{ID: "wo-1", Status: model.WorkOrderReady, Priority: 1, DependsOn: []string{"billing:wo-9"}},
	}
	policy := model.AutopilotPolicy{ProjectID: "p"}

	// Dependency not done yet.
	cross := map[string][]model.WorkOrder{
		"billing": {{ID: "wo-9", Status: model.WorkOrderReady}},
	}
	if got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, cross)); got != nil {
		t.Fatalf("expected no candidate while dep unsatisfied, got %+v", got)
	}

	cross["billing"][0].Status = model.WorkOrderDone
	got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, cross))
	if got == nil || got.ID != "wo-1" {
		t.Fatalf("expected wo-1 once dep done, got %+v", got)
	}
}

func TestSelectCandidate_SortOrder(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	orders := []model.WorkOrder{
		{ID: "wo-old", Status: model.WorkOrderReady, Priority: 2, UpdatedAt: older},
		{ID: "wo-new", Status: model.WorkOrderReady, Priority: 2, UpdatedAt: newer},
		{ID: "wo-late", Status: model.WorkOrderReady, Priority: 3, UpdatedAt: newer},
	}
	policy := model.AutopilotPolicy{ProjectID: "p"}

	got := SelectCandidate(orders, policy, deps.BuildLookups("p", orders, nil))
	if got == nil || got.ID != "wo-new" {
		t.Fatalf("expected wo-new (same priority, newer update), got %+v", got)
	}
}

func TestTagsAllowed(t *testing.T) {
	tests := []struct {
		name    string
		tags    []string
		allowed []string
		want    bool
	}{
		{"nil allowlist matches all", []string{"x"}, nil, true},
		{"nil allowlist matches untagged", nil, nil, true},
		{"empty allowlist matches nothing", []string{"x"}, []string{}, false},
		{"or semantics", []string{"a", "b"}, []string{"b", "c"}, true},
		{"no overlap", []string{"a"}, []string{"b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tagsAllowed(tt.tags, tt.allowed); got != tt.want {
				t.Errorf("tagsAllowed(%v, %v) = %v, want %v", tt.tags, tt.allowed, got, tt.want)
			}
		})
	}
}
