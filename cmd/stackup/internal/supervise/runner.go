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
Package supervise runs and watches individual services.

A Runner knows how to start the service's runnable unit (a container
image via the container runtime, or a plain command) and returns a
process handle. A Supervisor owns one service's lifecycle: it starts the
unit, waits for readiness, watches for exits, and applies the declared
restart policy with exponential backoff.
*/
package supervise

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
)

// ErrNotStarted is returned when an operation needs a running unit.
var ErrNotStarted = errors.New("service not started")

// Mount is a resolved volume attachment: a host reference (path or named
// store) and the in-service mount point.
type Mount struct {
	// HostRef is the host path (bind mounts) or store name (named
	// volumes).
	HostRef string

	// Path is the mount point inside the service.
	Path string
}

// Handle tracks one started service unit.
type Handle struct {
	// Service is the owning service name.
	Service string

	// Proc is the underlying process handle. For container units this is
	// the attached container-runtime client whose exit mirrors the
	// container's.
	Proc *process.Proc
}

// Runner starts and stops a service's runnable unit.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across services.
type Runner interface {
	// Start launches the unit and returns a handle. The unit's combined
	// output is written to LogPath(service).
	Start(ctx context.Context, svc *manifest.ServiceSpec, mounts []Mount) (*Handle, error)

	// Stop terminates the unit gracefully, escalating after the grace
	// period.
	Stop(ctx context.Context, h *Handle, grace time.Duration) error

	// LogPath returns the service's log file location.
	LogPath(service string) string
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultRunner implements Runner on top of the process manager.
//
// Container units run through "podman run" in attached mode so the
// client process's exit code mirrors the container's. Command units run
// directly.
type DefaultRunner struct {
	proc    process.Manager
	runtime string // container runtime binary, default "podman"
	logDir  string

	mu         sync.Mutex
	containers map[string]string // service -> container name
}

// NewDefaultRunner creates a runner writing service logs under logDir.
// runtimeBin is the container runtime binary; empty means "podman".
func NewDefaultRunner(proc process.Manager, runtimeBin, logDir string) *DefaultRunner {
	if runtimeBin == "" {
		runtimeBin = "podman"
	}
	return &DefaultRunner{
		proc:       proc,
		runtime:    runtimeBin,
		logDir:     logDir,
		containers: make(map[string]string),
	}
}

// LogPath returns the service's log file location.
func (r *DefaultRunner) LogPath(service string) string {
	return filepath.Join(r.logDir, service+".log")
}

// Start launches the service's unit.
func (r *DefaultRunner) Start(ctx context.Context, svc *manifest.ServiceSpec, mounts []Mount) (*Handle, error) {
	var spec process.LaunchSpec
	if svc.IsContainer() {
		containerName := "stackup-" + svc.Name
		r.mu.Lock()
		r.containers[svc.Name] = containerName
		r.mu.Unlock()

		// A leftover container from an unclean previous run blocks the
		// name; remove it first.
		_, _ = r.proc.Run(ctx, r.runtime, "rm", "-f", containerName)

		args := []string{"run", "--rm", "--name", containerName}
		for _, port := range svc.Runtime.Ports {
			args = append(args, "-p", port)
		}
		for _, env := range svc.Runtime.Env {
			args = append(args, "-e", env)
		}
		for _, m := range mounts {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.HostRef, m.Path))
		}
		args = append(args, svc.Runtime.Image)
		spec = process.LaunchSpec{Name: r.runtime, Args: args}
	} else {
		spec = process.LaunchSpec{
			Name: svc.Runtime.Command[0],
			Args: svc.Runtime.Command[1:],
			Env:  svc.Runtime.Env,
		}
	}
	spec.LogPath = r.LogPath(svc.Name)

	proc, err := r.proc.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", svc.Name, err)
	}
	return &Handle{Service: svc.Name, Proc: proc}, nil
}

// Stop terminates the unit.
//
// For container units a "podman stop" is issued first so the container
// receives its own termination signal; the attached client then exits on
// its own. Command units get SIGTERM with SIGKILL escalation.
func (r *DefaultRunner) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	if h == nil || h.Proc == nil {
		return ErrNotStarted
	}

	r.mu.Lock()
	containerName := r.containers[h.Service]
	r.mu.Unlock()

	if containerName != "" {
		seconds := int(grace / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		if _, err := r.proc.Run(ctx, r.runtime, "stop",
			"-t", fmt.Sprintf("%d", seconds), containerName); err == nil {
			select {
			case <-h.Proc.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// Container runtime refused; fall through to killing the client.
	}

	return r.proc.Stop(ctx, h.Proc, grace)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockRunner is a test double for Runner.
type MockRunner struct {
	// StartFunc overrides Start. When nil, Start returns a handle whose
	// process never exits until its release function is called.
	StartFunc func(ctx context.Context, svc *manifest.ServiceSpec, mounts []Mount) (*Handle, error)

	// StopFunc overrides Stop. When nil, Stop succeeds.
	StopFunc func(ctx context.Context, h *Handle, grace time.Duration) error

	// LogDir is used by LogPath. Defaults to "/tmp".
	LogDir string

	mu         sync.Mutex
	StartCalls []string
	StopCalls  []string
}

// Start records the call and delegates.
func (m *MockRunner) Start(ctx context.Context, svc *manifest.ServiceSpec, mounts []Mount) (*Handle, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, svc.Name)
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx, svc, mounts)
	}
	proc, _ := process.NewPendingProc(0, 0)
	return &Handle{Service: svc.Name, Proc: proc}, nil
}

// Stop records the call and delegates.
func (m *MockRunner) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	m.mu.Lock()
	name := ""
	if h != nil {
		name = h.Service
	}
	m.StopCalls = append(m.StopCalls, name)
	m.mu.Unlock()
	if m.StopFunc != nil {
		return m.StopFunc(ctx, h, grace)
	}
	return nil
}

// LogPath returns a path under LogDir.
func (m *MockRunner) LogPath(service string) string {
	dir := m.LogDir
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, service+".log")
}

// Started reports the recorded Start calls.
func (m *MockRunner) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.StartCalls...)
}

// Stopped reports the recorded Stop calls.
func (m *MockRunner) Stopped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.StopCalls...)
}

// Compile-time interface compliance check.
var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
