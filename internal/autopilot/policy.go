package autopilot

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/mizutanik/flotilla/internal/model"
)

// Standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// DefaultPolicy is the policy a project gets before anyone configures it:
// autopilot off, one run at a time, circuit breaker at 3.
func DefaultPolicy(projectID string) model.AutopilotPolicy {
	return model.AutopilotPolicy{
		ProjectID:          projectID,
		Enabled:            false,
		MaxConcurrentRuns:  1,
		StopOnFailureCount: 3,
	}
}

// ApplyPatch validates a partial update and returns the patched policy.
// Nil patch fields leave the current value untouched; the Clear flags
// null out their optional field.
func ApplyPatch(p model.AutopilotPolicy, patch model.PolicyPatch) (model.AutopilotPolicy, error) {
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.MaxConcurrentRuns != nil {
		if *patch.MaxConcurrentRuns < 1 {
			return p, fmt.Errorf("max_concurrent_runs must be >= 1, got %d", *patch.MaxConcurrentRuns)
		}
		p.MaxConcurrentRuns = *patch.MaxConcurrentRuns
	}
	if patch.AllowedTags != nil {
		p.AllowedTags = *patch.AllowedTags
	}
	if patch.ClearMinPriority {
		p.MinPriority = nil
	} else if patch.MinPriority != nil {
		v := clamp(*patch.MinPriority, 1, 5)
		p.MinPriority = &v
	}
	if patch.StopOnFailureCount != nil {
		if *patch.StopOnFailureCount < 1 {
			return p, fmt.Errorf("stop_on_failure_count must be >= 1, got %d", *patch.StopOnFailureCount)
		}
		p.StopOnFailureCount = *patch.StopOnFailureCount
	}
	if patch.ClearScheduleCron {
		p.ScheduleCron = nil
	} else if patch.ScheduleCron != nil {
		if _, err := cronParser.Parse(*patch.ScheduleCron); err != nil {
			return p, fmt.Errorf("invalid schedule_cron %q: %w", *patch.ScheduleCron, err)
		}
		p.ScheduleCron = patch.ScheduleCron
	}
	return p, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
