package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// maxStderrInError bounds how much agent stderr is copied into an error.
const maxStderrInError = 2048

// newCommand builds an agent command in its own process group. Cancelling
// ctx kills the whole group rather than only the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	return cmd
}

// executeCommand starts cmd, collects both output streams and waits for it.
// The streams are read before Wait returns so a chatty agent never blocks
// on a full pipe. pm may be nil.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var outBuf, errBuf bytes.Buffer
	var drain errgroup.Group
	drain.Go(func() error {
		_, err := io.Copy(&outBuf, outPipe)
		return err
	})
	drain.Go(func() error {
		_, err := io.Copy(&errBuf, errPipe)
		return err
	})
	drainErr := drain.Wait()
	waitErr := cmd.Wait()

	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	switch {
	case waitErr == nil && drainErr == nil:
		return stdout, stderr, nil
	case ctx.Err() != nil:
		return stdout, stderr, fmt.Errorf("agent interrupted: %w (%v)", ctx.Err(), waitErr)
	case waitErr == nil:
		return stdout, stderr, fmt.Errorf("reading agent output: %w", drainErr)
	case len(stderr) > 0:
		return stdout, stderr, fmt.Errorf("agent exited: %w: %s", waitErr, stderrTail(stderr))
	default:
		return stdout, stderr, fmt.Errorf("agent exited: %w", waitErr)
	}
}

// stderrTail returns the last maxStderrInError bytes of stderr, trimmed.
func stderrTail(stderr []byte) string {
	stderr = bytes.TrimSpace(stderr)
	if len(stderr) <= maxStderrInError {
		return string(stderr)
	}
	return "..." + string(stderr[len(stderr)-maxStderrInError:])
}

// killProcessGroup sends SIGKILL to every process in cmd's group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks running agent commands so shutdown can kill any that
// outlive their context.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started command.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd.Process.Pid] = cmd
	pm.mu.Unlock()
}

// Untrack forgets a command once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	delete(pm.procs, cmd.Process.Pid)
	pm.mu.Unlock()
}

// KillAll kills every tracked process group. Commands stay tracked until
// their runner untracks them after Wait.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for _, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked commands.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
