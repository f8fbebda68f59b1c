package shift

import (
	"fmt"
	"strings"
)

// RenderPrompt turns the fleet context into the decision prompt handed to
// the reasoning agent. The agent must answer with a single JSON object;
// the contract is spelled out in the prompt itself because the output is
// parsed defensively, not negotiated.
func RenderPrompt(fc *FleetContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the duty officer for the %q fleet of coding-agent projects.\n", fc.FleetName)
	fmt.Fprintf(&b, "Snapshot taken at %s.\n\n", fc.GeneratedAt.Format("2006-01-02 15:04 MST"))

	b.WriteString("## Projects\n")
	if len(fc.Projects) == 0 {
		b.WriteString("(none discovered)\n")
	}
	for _, p := range fc.Projects {
		state := fc.Resources[p.ID]
		if state == "" {
			state = "unknown"
		}
		fmt.Fprintf(&b, "- %s (%s) resource=%s\n", p.ID, p.Name, state)
	}

	b.WriteString("\n## Open escalations\n")
	if len(fc.Escalations) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range fc.Escalations {
		fmt.Fprintf(&b, "- %s [%s] project=%s run=%s: %s\n", e.ID, e.Status, e.ProjectID, e.RunID, e.Question)
	}

	b.WriteString("\n## Threads needing attention\n")
	if len(fc.Attention) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range fc.Attention {
		codes := make([]string, 0, len(a.Reasons))
		for _, r := range a.Reasons {
			codes = append(codes, fmt.Sprintf("%s(x%d)", r.Code, r.Count))
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", a.ThreadID, a.DisplayName, strings.Join(codes, ", "))
	}

	b.WriteString(`
## Your decision

Reply with exactly one JSON object and nothing else:

  {"action": "DELEGATE", "project_id": "...", "rationale": "..."}
  {"action": "RESOLVE", "target_id": "...", "resolution": ..., "rationale": "..."}
  {"action": "CREATE_PROJECT", "project_name": "...", "project_path": "...", "git_init": true, "rationale": "..."}
  {"action": "REPORT", "message": "...", "rationale": "..."}
  {"action": "WAIT", "reason": "...", "retry_after_min": 30, "rationale": "..."}

For RESOLVE of a run awaiting input, resolution must be a JSON object.
Choose WAIT when nothing needs intervention.
`)
	return b.String()
}
