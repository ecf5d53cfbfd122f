// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/bootstrap"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/depgraph"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/probe"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/provision"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/supervise"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// fakeRunner hands out pending procs and finishes them all on Stop so
// supervisors can wind down.
type fakeRunner struct {
	supervise.MockRunner
	mu       sync.Mutex
	finishes map[string]func()
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{finishes: make(map[string]func())}
	r.StartFunc = func(ctx context.Context, svc *manifest.ServiceSpec, mounts []supervise.Mount) (*supervise.Handle, error) {
		proc, finish := process.NewPendingProc(100, 0)
		r.mu.Lock()
		r.finishes[svc.Name] = finish
		r.mu.Unlock()
		return &supervise.Handle{Service: svc.Name, Proc: proc}, nil
	}
	r.StopFunc = func(ctx context.Context, h *supervise.Handle, grace time.Duration) error {
		r.mu.Lock()
		finish := r.finishes[h.Service]
		r.mu.Unlock()
		if finish != nil {
			finish()
		}
		return nil
	}
	return r
}

// abcManifest is the canonical scenario: c depends on a and b.
func abcManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		Services: []manifest.ServiceSpec{
			{Name: "a", Runtime: manifest.RuntimeSpec{Command: []string{"./a"}}},
			{Name: "b", Runtime: manifest.RuntimeSpec{Command: []string{"./b"}},
				Probe: manifest.ProbeSpec{
					Kind: manifest.ProbeTCP, Target: "localhost:1",
					Interval: manifest.Duration(10 * time.Millisecond),
					MaxWait:  manifest.Duration(100 * time.Millisecond),
				}},
			{Name: "c", Runtime: manifest.RuntimeSpec{Command: []string{"./c"}},
				DependsOn: []string{"a", "b"}},
		},
	}
	return m
}

func buildOrchestrator(t *testing.T, m *manifest.Manifest, runner supervise.Runner, prober probe.Prober, procMgr process.Manager) *Orchestrator {
	t.Helper()
	graph, err := depgraph.Build(m.Services)
	require.NoError(t, err)

	log := logging.New(logging.Config{Quiet: true})
	volumes := &provision.MockVolumeManager{}
	return NewOrchestrator(OrchestratorConfig{
		Manifest:       m,
		Graph:          graph,
		Provisioner:    provision.NewProvisioner(m.Pools, volumes, log),
		Runner:         runner,
		Prober:         prober,
		Markers:        bootstrap.NewMemoryStore(),
		Processes:      procMgr,
		Log:            log,
		StopGrace:      time.Second,
		RestartBackoff: 10 * time.Millisecond,
	})
}

func TestUpGatesDependentsOnReadiness(t *testing.T) {
	runner := newFakeRunner()
	orch := buildOrchestrator(t, abcManifest(), runner, &probe.MockProber{}, nil)

	report, err := orch.Up(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, supervise.StateReady, report.ServiceState(name), name)
	}

	started := runner.Started()
	require.Len(t, started, 3)
	assert.Equal(t, "c", started[2], "c must start only after a and b are ready")

	orch.Down(context.Background())
	stopped := runner.Stopped()
	require.Len(t, stopped, 3)
	assert.Equal(t, "c", stopped[0], "shutdown must be reverse of start order")
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, supervise.StateStopped, report.ServiceState(name), name)
	}
}

func TestUpFailFastPropagatesToDependents(t *testing.T) {
	runner := newFakeRunner()
	prober := &probe.MockProber{
		WaitReadyFunc: func(ctx context.Context, service string, spec manifest.ProbeSpec) (probe.Result, error) {
			return probe.ResultTimedOut, nil
		},
	}
	orch := buildOrchestrator(t, abcManifest(), runner, prober, nil)

	report, err := orch.Up(context.Background())
	require.Error(t, err)

	var cause *RootCause
	require.True(t, errors.As(err, &cause))
	assert.Equal(t, "service", cause.Kind)
	assert.Equal(t, "b", cause.Name)

	assert.Equal(t, supervise.StateFailed, report.ServiceState("b"))
	assert.Equal(t, supervise.StateFailed, report.ServiceState("c"),
		"dependent of a failed service must be failed without starting")
	assert.NotContains(t, runner.Started(), "c")
}

func TestUpUnrelatedBranchRunsToCompletion(t *testing.T) {
	// Two disjoint branches: x stands alone and fails readiness, b depends
	// only on a. The a/b branch must come up anyway; only x is failed.
	m := &manifest.Manifest{
		Services: []manifest.ServiceSpec{
			{Name: "x", Runtime: manifest.RuntimeSpec{Command: []string{"./x"}},
				Probe: manifest.ProbeSpec{
					Kind: manifest.ProbeTCP, Target: "localhost:1",
					Interval: manifest.Duration(10 * time.Millisecond),
					MaxWait:  manifest.Duration(50 * time.Millisecond),
				}},
			{Name: "a", Runtime: manifest.RuntimeSpec{Command: []string{"./a"}},
				Probe: manifest.ProbeSpec{
					Kind: manifest.ProbeTCP, Target: "localhost:2",
					Interval: manifest.Duration(10 * time.Millisecond),
					MaxWait:  manifest.Duration(time.Second),
				}},
			{Name: "b", Runtime: manifest.RuntimeSpec{Command: []string{"./b"}},
				DependsOn: []string{"a"}},
		},
	}

	prober := &probe.MockProber{
		WaitReadyFunc: func(ctx context.Context, service string, spec manifest.ProbeSpec) (probe.Result, error) {
			if service == "x" {
				return probe.ResultTimedOut, nil
			}
			// a is still mid-probe when x fails; it must not be cut short.
			select {
			case <-time.After(50 * time.Millisecond):
				return probe.ResultReady, nil
			case <-ctx.Done():
				return probe.ResultCancelled, nil
			}
		},
	}

	runner := newFakeRunner()
	orch := buildOrchestrator(t, m, runner, prober, nil)

	report, err := orch.Up(context.Background())
	require.Error(t, err)

	var cause *RootCause
	require.True(t, errors.As(err, &cause))
	assert.Equal(t, "x", cause.Name)

	assert.Contains(t, runner.Started(), "a")
	assert.Contains(t, runner.Started(), "b")

	assert.Equal(t, supervise.StateFailed, report.ServiceState("x"))
	assert.Equal(t, supervise.StateStopped, report.ServiceState("a"),
		"a does not depend on x; it must come up and then stop in teardown")
	assert.Equal(t, supervise.StateStopped, report.ServiceState("b"))
}

func TestUpRunsTasksAfterTargetReady(t *testing.T) {
	m := abcManifest()
	m.Services[1].Probe = manifest.ProbeSpec{} // no probes anywhere
	m.Tasks = []manifest.TaskSpec{{
		Name:    "seed",
		Service: "c",
		Command: []string{"seed-tool", "--init"},
		Retry: manifest.RetrySpec{
			MaxAttempts:    2,
			InitialBackoff: manifest.Duration(time.Millisecond),
			MaxBackoff:     manifest.Duration(5 * time.Millisecond),
		},
		WaitTimeout: manifest.Duration(time.Second),
	}}

	var commands [][]string
	var mu sync.Mutex
	procMgr := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			mu.Lock()
			commands = append(commands, append([]string{name}, args...))
			mu.Unlock()
			return []byte("ok"), nil
		},
	}

	runner := newFakeRunner()
	orch := buildOrchestrator(t, m, runner, &probe.MockProber{}, procMgr)

	report, err := orch.Up(context.Background())
	require.NoError(t, err)

	tasks := report.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, bootstrap.OutcomeDone, tasks[0].Outcome)
	assert.Equal(t, [][]string{{"seed-tool", "--init"}}, commands)

	orch.Down(context.Background())
}

func TestUpTaskFailureNamesTaskAsRootCause(t *testing.T) {
	m := abcManifest()
	m.Services[1].Probe = manifest.ProbeSpec{}
	m.Tasks = []manifest.TaskSpec{{
		Name:    "pull-model",
		Service: "a",
		Command: []string{"ollama", "pull", "nope"},
		Retry: manifest.RetrySpec{
			MaxAttempts:    2,
			InitialBackoff: manifest.Duration(time.Millisecond),
			MaxBackoff:     manifest.Duration(2 * time.Millisecond),
		},
		WaitTimeout: manifest.Duration(time.Second),
	}}

	procMgr := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("manifest unknown")
		},
	}

	runner := newFakeRunner()
	orch := buildOrchestrator(t, m, runner, &probe.MockProber{}, procMgr)

	_, err := orch.Up(context.Background())
	require.Error(t, err)

	var cause *RootCause
	require.True(t, errors.As(err, &cause))
	assert.Equal(t, "task", cause.Kind)
	assert.Equal(t, "pull-model", cause.Name)
}

func TestUpReleasesDevicesAfterFailure(t *testing.T) {
	m := abcManifest()
	m.Pools = []manifest.PoolSpec{{Class: "gpu", Count: 1}}
	m.Services[1].Reservations = []manifest.Reservation{{Class: "gpu", Count: 1}}

	runner := newFakeRunner()
	prober := &probe.MockProber{
		WaitReadyFunc: func(ctx context.Context, service string, spec manifest.ProbeSpec) (probe.Result, error) {
			return probe.ResultTimedOut, nil
		},
	}
	orch := buildOrchestrator(t, m, runner, prober, nil)

	_, err := orch.Up(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, orch.cfg.Provisioner.Pool("gpu").Available(),
		"devices must be returned after the holder fails")
}

func TestUpIdempotentTasksSkipOnSecondRun(t *testing.T) {
	m := abcManifest()
	m.Services[1].Probe = manifest.ProbeSpec{}
	m.Tasks = []manifest.TaskSpec{{
		Name:        "seed",
		Service:     "a",
		Command:     []string{"seed-tool"},
		Retry:       manifest.RetrySpec{MaxAttempts: 1, InitialBackoff: manifest.Duration(time.Millisecond), MaxBackoff: manifest.Duration(time.Millisecond)},
		WaitTimeout: manifest.Duration(time.Second),
	}}

	store := bootstrap.NewMemoryStore()
	var runs int
	var mu sync.Mutex
	procMgr := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil, nil
		},
	}

	runOnce := func() *RunReport {
		graph, err := depgraph.Build(m.Services)
		require.NoError(t, err)
		log := logging.New(logging.Config{Quiet: true})
		runner := newFakeRunner()
		orch := NewOrchestrator(OrchestratorConfig{
			Manifest:    m,
			Graph:       graph,
			Provisioner: provision.NewProvisioner(nil, &provision.MockVolumeManager{}, log),
			Runner:      runner,
			Prober:      &probe.MockProber{},
			Markers:     store,
			Processes:   procMgr,
			Log:         log,
			StopGrace:   time.Second,
		})
		report, err := orch.Up(context.Background())
		require.NoError(t, err)
		orch.Down(context.Background())
		return report
	}

	first := runOnce()
	require.Len(t, first.Tasks(), 1)
	assert.Equal(t, bootstrap.OutcomeDone, first.Tasks()[0].Outcome)

	second := runOnce()
	require.Len(t, second.Tasks(), 1)
	assert.Equal(t, bootstrap.OutcomeSkipped, second.Tasks()[0].Outcome)
	assert.Equal(t, 1, runs, "action must run at most once across runs")
}

func TestResolveManifestPath(t *testing.T) {
	t.Setenv("STACKUP_MANIFEST", "/etc/stackup/stack.yaml")
	assert.Equal(t, "/etc/stackup/stack.yaml", resolveManifestPath("stack.yaml", false))
	assert.Equal(t, "custom.yaml", resolveManifestPath("custom.yaml", true))

	t.Setenv("STACKUP_MANIFEST", "")
	assert.Equal(t, "stack.yaml", resolveManifestPath("stack.yaml", false))
}

func TestStackupHomeOverride(t *testing.T) {
	t.Setenv("STACKUP_HOME", "/tmp/stackup-test")
	assert.Equal(t, "/tmp/stackup-test", stackupHome())
}
