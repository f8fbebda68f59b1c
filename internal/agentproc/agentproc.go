// Package agentproc runs the external reasoning agent as a subprocess.
// The agent binary is configured, not assumed: anything that reads a
// prompt on stdin and writes its answer to stdout works.
package agentproc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mizutanik/flotilla/internal/model"
)

// DefaultTimeout bounds one agent invocation.
const DefaultTimeout = 60 * time.Second

// Runner invokes the configured agent command.
type Runner struct {
	command string
	args    []string
	timeout time.Duration
}

func NewRunner(cfg model.AgentConfig) *Runner {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: timeout,
	}
}

// Run feeds prompt to the agent on stdin and returns its stdout. The
// process is killed when the timeout lapses; stderr rides along in the
// error for diagnosis.
func (r *Runner) Run(ctx context.Context, prompt string) (string, error) {
	if r.command == "" {
		return "", fmt.Errorf("agent command not configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("agent timed out after %v", r.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("agent run failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
	}
	return stdout.String(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
