// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"sync"
	"time"
)

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it will panic.
//
// # Examples
//
//	mock := &process.MockManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        if name == "podman" && args[0] == "volume" {
//	            return []byte("ok"), nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockManager struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// LaunchFunc is called when Launch is invoked.
	LaunchFunc func(ctx context.Context, spec LaunchSpec) (*Proc, error)

	// StopFunc is called when Stop is invoked.
	StopFunc func(ctx context.Context, proc *Proc, grace time.Duration) error

	// IsRunningFunc is called when IsRunning is invoked.
	IsRunningFunc func(ctx context.Context, pattern string) (bool, int, error)

	// Calls records all method invocations for verification.
	Calls []ManagerCall

	// mu protects Calls for concurrent access.
	mu sync.Mutex
}

// ManagerCall records a single method invocation.
type ManagerCall struct {
	Method string
	Name   string
	Args   []string
	Spec   LaunchSpec
}

// NewFinishedProc returns a Proc that has already exited with the given
// code. Useful for testing exit-path handling without real processes.
func NewFinishedProc(code int) *Proc {
	p := &Proc{
		PID:    1,
		done:   make(chan struct{}),
		status: ExitStatus{Code: code},
		exited: true,
	}
	close(p.done)
	return p
}

// NewPendingProc returns a Proc that exits with the given code when finish
// is called. The returned function is idempotent.
func NewPendingProc(pid int, code int) (*Proc, func()) {
	p := &Proc{
		PID:  pid,
		done: make(chan struct{}),
	}
	var once sync.Once
	finish := func() {
		once.Do(func() {
			p.mu.Lock()
			p.status = ExitStatus{Code: code}
			p.exited = true
			p.mu.Unlock()
			close(p.done)
		})
	}
	return p, finish
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(ManagerCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// Launch delegates to LaunchFunc and records the call.
func (m *MockManager) Launch(ctx context.Context, spec LaunchSpec) (*Proc, error) {
	m.record(ManagerCall{Method: "Launch", Name: spec.Name, Args: spec.Args, Spec: spec})
	if m.LaunchFunc == nil {
		panic("MockManager.LaunchFunc not set")
	}
	return m.LaunchFunc(ctx, spec)
}

// Stop delegates to StopFunc and records the call.
func (m *MockManager) Stop(ctx context.Context, proc *Proc, grace time.Duration) error {
	m.record(ManagerCall{Method: "Stop"})
	if m.StopFunc == nil {
		panic("MockManager.StopFunc not set")
	}
	return m.StopFunc(ctx, proc, grace)
}

// IsRunning delegates to IsRunningFunc and records the call.
func (m *MockManager) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	m.record(ManagerCall{Method: "IsRunning", Name: pattern})
	if m.IsRunningFunc == nil {
		panic("MockManager.IsRunningFunc not set")
	}
	return m.IsRunningFunc(ctx, pattern)
}

func (m *MockManager) record(call ManagerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []ManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// Compile-time interface compliance check.
var _ Manager = (*MockManager)(nil)
