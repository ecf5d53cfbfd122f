// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts external process execution for the orchestrator.

All exec.Command calls in the orchestration code go through the Manager
interface so unit tests can substitute a mock instead of spawning real
processes.

# Design Rationale

Direct calls to exec.Command are not testable because they execute real
processes. By abstracting process execution behind an interface, we can:
  - Mock process execution in tests
  - Capture and verify command invocations
  - Simulate success/failure scenarios without real processes

Two execution shapes are supported: Run for short commands whose output is
collected (podman volume create, pgrep), and Launch for long-lived service
processes whose output is teed to a log file and whose exit is observed
through a channel.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// LaunchSpec describes a long-lived process to start.
type LaunchSpec struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Env is additional environment in KEY=VALUE form, appended to the
	// parent environment.
	Env []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// LogPath, when set, receives the process's combined stdout/stderr.
	// The file is created (parent directories included) and appended to.
	LogPath string
}

// ExitStatus describes how a launched process ended.
type ExitStatus struct {
	// Code is the process exit code. -1 if the process was killed by a
	// signal or never ran.
	Code int

	// Err is the error reported by Wait, if any. A non-zero exit code is
	// reported through Code, not Err.
	Err error
}

// Proc is a handle to a launched process.
//
// # Thread Safety
//
// Safe for concurrent use. ExitCode and Done may be called from any
// goroutine.
type Proc struct {
	// PID is the operating system process ID.
	PID int

	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
	exited bool
}

// Done returns a channel that is closed once the process has exited.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code and whether the process has exited.
// The boolean is false while the process is still running.
func (p *Proc) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return 0, false
	}
	return p.status.Code, true
}

// Status returns the full exit status. Valid only after Done is closed.
func (p *Proc) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// Run respects context cancellation by killing the process. Launch uses the
// context only for startup; a launched process outlives the context and is
// stopped explicitly via Stop.
type Manager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Captured stdout
	//   - error: Non-nil if the command fails; stderr is folded into the
	//     error message for diagnostics
	//
	// # Examples
	//
	//	out, err := pm.Run(ctx, "podman", "volume", "inspect", "model-cache")
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Launch starts a long-lived process and returns a handle.
	//
	// The process's combined output is teed to spec.LogPath when set.
	// Exit is observed via the handle's Done channel; Launch never waits.
	Launch(ctx context.Context, spec LaunchSpec) (*Proc, error)

	// Stop terminates a launched process: SIGTERM first, then SIGKILL
	// after the grace period elapses. Returns once the process has exited
	// or ctx is cancelled.
	Stop(ctx context.Context, proc *Proc, grace time.Duration) error

	// IsRunning reports whether a process matching the pattern exists.
	//
	// Uses pgrep -f; exit code 1 ("no match") is not an error.
	IsRunning(ctx context.Context, pattern string) (bool, int, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultManager implements Manager using os/exec.
//
// This is the production implementation that executes real processes.
// Use MockManager in tests instead.
type DefaultManager struct{}

// NewDefaultManager creates a Manager that executes real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Include stderr in error for debugging
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}

	return stdout.Bytes(), nil
}

// Launch starts a long-lived process and returns a handle.
func (pm *DefaultManager) Launch(ctx context.Context, spec LaunchSpec) (*Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, errors.New("launch spec has no executable name")
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open service log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	proc := &Proc{
		PID:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		status := ExitStatus{Code: cmd.ProcessState.ExitCode()}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			status.Err = err
		}
		if logFile != nil {
			logFile.Close()
		}
		proc.mu.Lock()
		proc.status = status
		proc.exited = true
		proc.mu.Unlock()
		close(proc.done)
	}()

	return proc, nil
}

// Stop terminates a launched process with SIGTERM, escalating to SIGKILL.
func (pm *DefaultManager) Stop(ctx context.Context, proc *Proc, grace time.Duration) error {
	if proc == nil {
		return errors.New("nil process handle")
	}
	if _, exited := proc.ExitCode(); exited {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have exited between the check and the signal.
		if _, exited := proc.ExitCode(); exited {
			return nil
		}
		return fmt.Errorf("failed to signal process %d: %w", proc.PID, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
		proc.cmd.Process.Kill()
		return ctx.Err()
	case <-timer.C:
	}

	if err := proc.cmd.Process.Kill(); err != nil {
		if _, exited := proc.ExitCode(); exited {
			return nil
		}
		return fmt.Errorf("failed to kill process %d: %w", proc.PID, err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a process matching the pattern exists.
func (pm *DefaultManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	cmd := exec.CommandContext(ctx, "pgrep", "-f", pattern)
	output, err := cmd.Output()
	if err != nil {
		// pgrep returns exit code 1 when no processes found - this is not an error
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 0 && lines[0] != "" {
		pid, err := strconv.Atoi(lines[0])
		if err != nil {
			return true, 0, nil // Process found but PID parse failed
		}
		return true, pid, nil
	}

	return false, 0, nil
}

// Compile-time interface compliance check.
var _ Manager = (*DefaultManager)(nil)
