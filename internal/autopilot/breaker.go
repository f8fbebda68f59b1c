package autopilot

import "github.com/mizutanik/flotilla/internal/model"

// ConsecutiveFailures counts contiguous terminal failures from the head
// of a newest-first run list. Still-active runs are skipped; the first
// terminal non-failure (merged, canceled) ends the count. runs must be
// sorted by creation time descending.
func ConsecutiveFailures(runs []model.Run) int {
	count := 0
	for _, run := range runs {
		if !model.IsRunTerminal(run.Status) {
			continue
		}
		if !model.IsRunFailure(run.Status) {
			break
		}
		count++
	}
	return count
}
