// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	pm := NewDefaultManager()
	out, err := pm.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("expected 'hello', got %q", out)
	}
}

func TestRunFoldsStderrIntoError(t *testing.T) {
	pm := NewDefaultManager()
	_, err := pm.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in error, got: %v", err)
	}
}

func TestLaunchTeesOutputToLogFile(t *testing.T) {
	pm := NewDefaultManager()
	logPath := filepath.Join(t.TempDir(), "svc", "out.log")

	proc, err := pm.Launch(context.Background(), LaunchSpec{
		Name:    "sh",
		Args:    []string{"-c", "echo ready-line"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	code, exited := proc.ExitCode()
	if !exited {
		t.Fatal("expected exited=true after Done closed")
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "ready-line") {
		t.Errorf("log file missing output: %q", data)
	}
}

func TestLaunchReportsNonZeroExit(t *testing.T) {
	pm := NewDefaultManager()
	proc, err := pm.Launch(context.Background(), LaunchSpec{
		Name: "sh",
		Args: []string{"-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	<-proc.Done()

	code, exited := proc.ExitCode()
	if !exited || code != 7 {
		t.Errorf("expected (7, true), got (%d, %v)", code, exited)
	}
	if proc.Status().Err != nil {
		t.Errorf("non-zero exit should not set Err, got %v", proc.Status().Err)
	}
}

func TestExitCodeIsPendingWhileRunning(t *testing.T) {
	pm := NewDefaultManager()
	proc, err := pm.Launch(context.Background(), LaunchSpec{
		Name: "sleep",
		Args: []string{"30"},
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if _, exited := proc.ExitCode(); exited {
		t.Error("expected pending exit code while running")
	}

	if err := pm.Stop(context.Background(), proc, 2*time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, exited := proc.ExitCode(); !exited {
		t.Error("expected exited=true after Stop")
	}
}

func TestStopOnAlreadyExitedProcess(t *testing.T) {
	pm := NewDefaultManager()
	proc, err := pm.Launch(context.Background(), LaunchSpec{Name: "true"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	<-proc.Done()

	if err := pm.Stop(context.Background(), proc, time.Second); err != nil {
		t.Errorf("Stop on exited process should be nil, got %v", err)
	}
}

func TestIsRunningNoMatch(t *testing.T) {
	pm := NewDefaultManager()
	running, pid, err := pm.IsRunning(context.Background(), "stackup-test-no-such-process-pattern")
	if err != nil {
		t.Fatalf("IsRunning failed: %v", err)
	}
	if running || pid != 0 {
		t.Errorf("expected no match, got running=%v pid=%d", running, pid)
	}
}

func TestMockManagerRecordsCalls(t *testing.T) {
	mock := &MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("ok"), nil
		},
	}
	if _, err := mock.Run(context.Background(), "podman", "volume", "ls"); err != nil {
		t.Fatalf("mock Run failed: %v", err)
	}
	calls := mock.GetCalls()
	if len(calls) != 1 || calls[0].Method != "Run" || calls[0].Name != "podman" {
		t.Errorf("unexpected recorded calls: %+v", calls)
	}
}

func TestPendingProcHelper(t *testing.T) {
	proc, finish := NewPendingProc(42, 1)
	if _, exited := proc.ExitCode(); exited {
		t.Fatal("expected pending before finish")
	}
	finish()
	finish() // idempotent
	code, exited := proc.ExitCode()
	if !exited || code != 1 {
		t.Errorf("expected (1, true), got (%d, %v)", code, exited)
	}
}
