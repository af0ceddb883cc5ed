package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// CommandExecutor runs agent work as a subprocess. The task description is
// written to stdin and trimmed stdout is the result.
type CommandExecutor struct {
	commands map[string]CommandConfig
	procMgr  *ProcessManager
	logger   zerolog.Logger
}

// NewCommandExecutor creates a CommandExecutor with one command per agent
// type. procMgr may be nil.
func NewCommandExecutor(commands map[string]CommandConfig, procMgr *ProcessManager, logger zerolog.Logger) *CommandExecutor {
	cp := make(map[string]CommandConfig, len(commands))
	for k, v := range commands {
		cp[k] = v
	}
	return &CommandExecutor{commands: cp, procMgr: procMgr, logger: logger}
}

// Types returns the agent types this executor can serve.
func (e *CommandExecutor) Types() []string {
	types := make([]string, 0, len(e.commands))
	for t := range e.commands {
		types = append(types, t)
	}
	return types
}

// ExecuteWork runs the command configured for req.AgentType.
func (e *CommandExecutor) ExecuteWork(ctx context.Context, req Request) (string, error) {
	cfg, ok := e.commands[req.AgentType]
	if !ok || cfg.Command == "" {
		return "", fmt.Errorf("agent type %q: %w", req.AgentType, ErrNoExecutor)
	}

	cmd := newCommand(ctx, cfg.Command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Stdin = strings.NewReader(req.Description)

	env, err := commandEnv(cfg, req)
	if err != nil {
		return "", err
	}
	cmd.Env = env

	e.logger.Debug().
		Str("agent", req.AgentID).
		Str("task", req.TaskID).
		Str("command", cfg.Command).
		Msg("starting agent command")

	stdout, _, err := executeCommand(ctx, cmd, e.procMgr)
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", req.AgentID, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

func commandEnv(cfg CommandConfig, req Request) ([]string, error) {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"DISPATCH_AGENT_ID="+req.AgentID,
		"DISPATCH_AGENT_TYPE="+req.AgentType,
		"DISPATCH_TASK_ID="+req.TaskID,
	)
	if len(req.Context) > 0 {
		data, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to encode context: %w", err)
		}
		env = append(env, "DISPATCH_CONTEXT="+string(data))
	}
	return env, nil
}
