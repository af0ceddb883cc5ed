package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestExecuteCommand(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantStdout string
		wantStderr string
		wantExit   int // 0 means success
		wantErrMsg string
	}{
		{"stdout", "echo hello", "hello", "", 0, ""},
		{"stderr kept on success", "echo warn >&2; echo ok", "ok", "warn", 0, ""},
		{"non-zero exit keeps stdout", "echo test-output; exit 1", "test-output", "", 1, "agent exited"},
		{"stderr in error", "echo boom >&2; exit 3", "", "boom", 3, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			stdout, stderr, err := executeCommand(ctx, newCommand(ctx, "bash", "-c", tt.script), nil)

			if !strings.Contains(string(stdout), tt.wantStdout) {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if !strings.Contains(string(stderr), tt.wantStderr) {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}
			if tt.wantExit == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
			}
			if exitErr.ExitCode() != tt.wantExit {
				t.Errorf("exit code = %d, want %d", exitErr.ExitCode(), tt.wantExit)
			}
			if !strings.Contains(err.Error(), tt.wantErrMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantErrMsg)
			}
		})
	}
}

func TestStderrTail(t *testing.T) {
	if got := stderrTail([]byte("  short\n")); got != "short" {
		t.Errorf("stderrTail(short) = %q", got)
	}
	long := strings.Repeat("a", maxStderrInError) + "END"
	got := stderrTail([]byte(long))
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "END") {
		t.Errorf("stderrTail(long) should keep the tail, got prefix %q", got[:10])
	}
	if len(got) != maxStderrInError+3 {
		t.Errorf("len = %d, want %d", len(got), maxStderrInError+3)
	}
}

// Output well above the 64KB pipe buffer must not deadlock.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "bash", "-c", "for i in $(seq 1 20000); do echo \"line $i padding padding\"; done")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, time.Since(start))
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("Expected 20000 lines of output, got %d", len(lines))
	}
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "bash", "-c", "sleep 30")

	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil)
	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected error to wrap context.DeadlineExceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestExecuteCommand_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "sleep 0.3")

	done := make(chan error, 1)
	go func() {
		_, _, err := executeCommand(ctx, cmd, pm)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process while running, got %d", pm.Count())
	}

	if err := <-done; err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after completion, got %d", pm.Count())
	}
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "bash", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	var exitErr *exec.ExitError
	if err := cmd.Wait(); !errors.As(err, &exitErr) {
		t.Fatalf("Wait after KillAll = %v, want an exit error", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); !ok || status.Signal() != syscall.SIGKILL {
		t.Errorf("expected SIGKILL, got %v", exitErr)
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "bash", "-c", "sleep 30 & sleep 30; wait")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	parentPID := cmd.Process.Pid
	pm.Track(cmd)
	time.Sleep(200 * time.Millisecond)

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	_ = cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when nothing matches.
	checkCmd := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID))
	output, err := checkCmd.CombinedOutput()
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

func TestProcessManager_KillAllIgnoresExited(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll on a reaped process = %v, want nil", err)
	}
}
