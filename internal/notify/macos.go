// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Send sends a macOS notification via osascript with sound.
func Send(title, message string) error {
	title = escapeAppleScript(title)
	message = escapeAppleScript(message)

	script := fmt.Sprintf(
		`display notification %q with title %q sound name "default"`,
		message, title,
	)

	cmd := exec.Command("osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Notifier deduplicates notifications: an identical title/message pair
// is delivered at most once per window. Repeated autopilot pause sweeps
// would otherwise fire a notification every cycle.
type Notifier struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewNotifier(window time.Duration) *Notifier {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Notifier{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Notify sends the notification unless an identical one was sent within
// the dedup window. Returns true if the notification was attempted.
func (n *Notifier) Notify(title, message string) bool {
	key := title + "\x00" + message
	now := n.now()

	n.mu.Lock()
	if last, ok := n.seen[key]; ok && now.Sub(last) < n.window {
		n.mu.Unlock()
		return false
	}
	n.seen[key] = now
	n.mu.Unlock()

	// Delivery failure is not actionable; the daemon log has the event.
	_ = Send(title, message)
	return true
}
