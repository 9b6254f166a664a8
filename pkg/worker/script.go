package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ScriptInvoker runs a configured shell command per agent and reports the
// command's stdout as the task's outputs. It exists for scripted workers
// and for local dry-runs; exit status maps to task success.
type ScriptInvoker struct {
	commands map[string][]string // agent -> argv
	logger   *slog.Logger
}

// NewScriptInvoker creates an invoker from an agent -> argv table.
func NewScriptInvoker(commands map[string][]string) *ScriptInvoker {
	return &ScriptInvoker{
		commands: commands,
		logger:   slog.Default().With("component", "script-invoker"),
	}
}

// Invoke runs the agent's command with TILLER_TASK_ID and one TILLER_INPUT_*
// variable per resolved input in the environment. A non-zero exit maps to a
// BLOCKED result, not an error: the command ran, it just said no.
func (s *ScriptInvoker) Invoke(ctx context.Context, inv Invocation) (*TaskResult, error) {
	argv, ok := s.commands[inv.Agent]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("script invoker: no command configured for agent %q", inv.Agent)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(cmd.Environ(), "TILLER_TASK_ID="+inv.TaskID)
	for k, v := range inv.Inputs {
		cmd.Env = append(cmd.Env, "TILLER_INPUT_"+strings.ToUpper(k)+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("script worker failed", "agent", inv.Agent, "task", inv.TaskID, "err", err)
		return &TaskResult{
			Status: StatusBlocked,
			Detail: strings.TrimSpace(stderr.String()),
		}, nil
	}

	return &TaskResult{
		Status:  StatusComplete,
		Outputs: map[string]string{"stdout": out},
	}, nil
}

// RunGateCommand executes a test_pass gate command via the shell and
// reports whether it exited zero. Used at loop iteration boundaries.
func RunGateCommand(ctx context.Context, command string) (bool, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil // ran, failed: the gate's verdict
	}
	return false, fmt.Errorf("gate command %q: %w", command, err)
}
