package zpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nithronos/nosmigrate/internal/migration"
	"nithronos/nosmigrate/pkg/agentclient"
	"nithronos/nosmigrate/pkg/shell"
)

// StepRunner is the part of the agent client used here.
type StepRunner interface {
	Run(ctx context.Context, steps ...agentclient.RunStep) ([]agentclient.RunResult, error)
}

// AgentMutator sends zpool mutations to the privileged agent instead of
// executing them in-process.
type AgentMutator struct {
	Agent StepRunner
}

func (m *AgentMutator) ForceReplace(ctx context.Context, pool string, source, destination migration.DriveID) error {
	return m.run(ctx, replaceArgs(pool, source, destination))
}

func (m *AgentMutator) Detach(ctx context.Context, pool string, drive migration.DriveID) error {
	return m.run(ctx, detachArgs(pool, drive))
}

func (m *AgentMutator) SetAutoExpand(ctx context.Context, pool string, enabled bool) error {
	return m.run(ctx, autoExpandArgs(pool, enabled))
}

func (m *AgentMutator) Scrub(ctx context.Context, pool string) error {
	return m.run(ctx, []string{"scrub", pool})
}

func (m *AgentMutator) run(ctx context.Context, args []string) error {
	results, err := m.Agent.Run(ctx, agentclient.RunStep{Cmd: "zpool", Args: args})
	if err != nil {
		return fmt.Errorf("agent zpool %s: %w", args[0], err)
	}
	if len(results) == 0 {
		return fmt.Errorf("agent zpool %s: no result", args[0])
	}
	if r := results[0]; r.Code != 0 {
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		return fmt.Errorf("agent zpool %s: exit %d: %s", args[0], r.Code, msg)
	}
	return nil
}

// AgentRunner is a shell.Runner that executes one command per call through
// the agent. Non-zero exits come back as *shell.ExitError like local runs.
type AgentRunner struct {
	Agent StepRunner
}

func (r *AgentRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	results, err := r.Agent.Run(cctx, agentclient.RunStep{Cmd: name, Args: args})
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return shell.Result{Code: -1}, shell.ErrTimeout
		}
		return shell.Result{Code: -1}, fmt.Errorf("agent %s: %w", name, err)
	}
	if len(results) == 0 {
		return shell.Result{Code: -1}, fmt.Errorf("agent %s: no result", name)
	}
	out := results[0]
	res := shell.Result{Stdout: []byte(out.Stdout), Stderr: []byte(out.Stderr), Code: out.Code}
	if out.Code != 0 {
		return res, &shell.ExitError{Cmd: name + " " + strings.Join(args, " "), Code: out.Code, Stderr: out.Stderr}
	}
	return res, nil
}
