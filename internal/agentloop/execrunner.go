package agentloop

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ExecRunner drives a task by invoking an out-of-process agent command
// once per task, piping the prompt to its stdin and taking combined
// stdout+stderr as the run's output — the loop's Runner is deliberately
// opaque to what that process actually is (spec explicitly keeps agent
// execution out-of-process), so this is the one concrete adapter rather
// than an LLM SDK binding. Grounded on the teacher's
// exec.CommandContext-driven external-process idiom from
// internal/worktree and internal/skills/installer.go.
type ExecRunner struct {
	// Command is the agent binary or script to invoke, e.g. "claude" or
	// a path to a wrapper script. Args are appended as-is.
	Command string
	Args    []string

	// Timeout bounds a single task's run. Zero means no timeout beyond
	// ctx's own deadline.
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, prompt, cwd string) (RunResult, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.Command, r.Args...)
	cmd.Dir = cwd
	cmd.Stdin = bytes.NewBufferString(prompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return RunResult{Output: out.String(), DurationMS: time.Since(start).Milliseconds()},
			fmt.Errorf("agent command %q: %w", r.Command, err)
	}
	return RunResult{
		Output:     out.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
