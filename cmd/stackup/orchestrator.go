// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/bootstrap"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/depgraph"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/probe"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/provision"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/supervise"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// OrchestratorConfig wires an Orchestrator's collaborators.
type OrchestratorConfig struct {
	Manifest    *manifest.Manifest
	Graph       *depgraph.Graph
	Provisioner *provision.Provisioner
	Runner      supervise.Runner
	Prober      probe.Prober
	Markers     bootstrap.MarkerStore
	Processes   process.Manager
	Metrics     *stackMetrics // optional
	Log         *logging.Logger

	// StopGrace is the per-service termination grace period on shutdown.
	// Zero means the supervisor default.
	StopGrace time.Duration

	// RestartBackoff tunes the supervisors' initial restart delay. Zero
	// means the supervisor default.
	RestartBackoff time.Duration
}

// Orchestrator drives one run: parallel gated startup, bootstrap tasks,
// fail-fast propagation, and reverse-order shutdown.
//
// # Description
//
// Up starts every service in its own goroutine. A service's goroutine
// blocks until all of its dependencies have reported ready, then
// provisions volumes and devices, starts the supervisor (which includes
// readiness probing), and finally runs the service's bootstrap tasks.
// A failure propagates only through the dependency graph: each service
// has a failure channel its dependents select on, so goroutines waiting
// on a failed dependency unwind without starting while branches that do
// not depend on it run to their own outcome. The first failure becomes
// the root cause; teardown happens only after every branch settles.
type Orchestrator struct {
	cfg    OrchestratorConfig
	log    *logging.Logger
	report *RunReport

	events  chan supervise.Event
	quit    chan struct{}
	drained chan struct{}

	mu       sync.Mutex
	sups     map[string]*supervise.Supervisor
	readyCh  map[string]chan struct{}
	failCh   map[string]chan struct{}
	downOnce sync.Once
}

// NewOrchestrator creates an orchestrator for one manifest run. A nil
// Log falls back to logging.Default().
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		log:     cfg.Log,
		report:  newRunReport(serviceNames(cfg.Manifest)),
		events:  make(chan supervise.Event, 256),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		sups:    make(map[string]*supervise.Supervisor),
		readyCh: make(map[string]chan struct{}),
		failCh:  make(map[string]chan struct{}),
	}
	for _, svc := range cfg.Manifest.Services {
		o.readyCh[svc.Name] = make(chan struct{})
		o.failCh[svc.Name] = make(chan struct{})
	}
	return o
}

func serviceNames(m *manifest.Manifest) []string {
	names := make([]string, 0, len(m.Services))
	for _, svc := range m.Services {
		names = append(names, svc.Name)
	}
	return names
}

// Report returns the run report.
func (o *Orchestrator) Report() *RunReport {
	return o.report
}

// readyFor returns the readiness channel the task runner gates on.
func (o *Orchestrator) readyFor(service string) <-chan struct{} {
	return o.readyCh[service]
}

// drainEvents applies supervisor events to the report, metrics, and the
// readiness channels. The event channel itself is never closed so a
// straggling supervisor transition after shutdown lands in the buffer
// instead of panicking; quit ends the loop after a final drain.
func (o *Orchestrator) drainEvents() {
	defer close(o.drained)
	closed := make(map[string]bool)
	for {
		select {
		case ev := <-o.events:
			o.applyEvent(ev, closed)
		case <-o.quit:
			for {
				select {
				case ev := <-o.events:
					o.applyEvent(ev, closed)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) applyEvent(ev supervise.Event, readyClosed map[string]bool) {
	o.report.setServiceState(ev.Service, ev.State, ev.Err)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.observeEvent(ev)
	}
	if ev.State == supervise.StateReady && !readyClosed[ev.Service] {
		readyClosed[ev.Service] = true
		close(o.readyCh[ev.Service])
	}
}

// Up runs the full bootstrap. On failure the already started services
// are shut down before Up returns; the report names the first root
// cause.
func (o *Orchestrator) Up(ctx context.Context) (*RunReport, error) {
	go o.drainEvents()

	tasks := bootstrap.NewRunner(o.cfg.Markers, o.cfg.Processes, o.readyFor, o.log)

	// No shared cancellation: a failure must only unwind the failed
	// service's transitive dependents, via the failure channels. Branches
	// on other parts of the graph run to their own outcome before the
	// final teardown.
	var group errgroup.Group
	for i := range o.cfg.Manifest.Services {
		svc := &o.cfg.Manifest.Services[i]
		group.Go(func() error {
			return o.runService(ctx, svc, tasks)
		})
	}

	err := group.Wait()
	o.report.finish()

	if err != nil {
		o.markUnstarted()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		o.Down(shutdownCtx)

		if cause := o.report.Cause(); cause != nil {
			return o.report, cause
		}
		return o.report, err
	}

	o.log.Info("stack is up", "services", len(o.cfg.Manifest.Services))
	return o.report, nil
}

// runService is one service's start path: gate on dependencies,
// provision, supervise, then bootstrap. A failed dependency marks this
// service failed without starting it and passes the failure on to its
// own dependents.
func (o *Orchestrator) runService(ctx context.Context, svc *manifest.ServiceSpec, tasks *bootstrap.Runner) error {
	for _, dep := range o.cfg.Graph.Dependencies(svc.Name) {
		select {
		case <-o.readyCh[dep]:
		case <-o.failCh[dep]:
			err := fmt.Errorf("not started: dependency %s failed", dep)
			o.report.setServiceState(svc.Name, supervise.StateFailed, err)
			close(o.failCh[svc.Name])
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	vols := make([]manifest.VolumeSpec, 0, len(svc.Mounts))
	for _, mnt := range svc.Mounts {
		vols = append(vols, *o.cfg.Manifest.Volume(mnt.Volume))
	}

	grant, err := o.cfg.Provisioner.Provision(ctx, svc, vols)
	if err != nil {
		o.report.setRootCause("service", svc.Name, err)
		o.report.setServiceState(svc.Name, supervise.StateFailed, err)
		close(o.failCh[svc.Name])
		return err
	}

	mounts := make([]supervise.Mount, 0, len(svc.Mounts))
	for i, mnt := range svc.Mounts {
		mounts = append(mounts, supervise.Mount{
			HostRef: grant.Volumes[i].HostRef,
			Path:    mnt.Path,
		})
	}

	sup := supervise.New(supervise.Config{
		Spec:           svc,
		Runner:         o.cfg.Runner,
		Prober:         o.cfg.Prober,
		Mounts:         mounts,
		Events:         o.events,
		Log:            o.log,
		StopGrace:      o.cfg.StopGrace,
		RestartBackoff: o.cfg.RestartBackoff,
	})
	o.mu.Lock()
	o.sups[svc.Name] = sup
	o.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		o.report.setRootCause("service", svc.Name, err)
		o.cfg.Provisioner.Release(svc.Name)
		close(o.failCh[svc.Name])
		return err
	}

	for _, task := range o.cfg.Manifest.TasksFor(svc.Name) {
		res, err := tasks.Run(ctx, task)
		o.report.addTask(res)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.observeTask(task.Name, string(res.Outcome))
		}
		if err != nil {
			o.report.setRootCause("task", task.Name, err)
			return err
		}
	}
	return nil
}

// markUnstarted records services that never started as failed. Services
// unwound by a failed dependency record themselves; what is left pending
// here was cut off by the run context (timeout, signal).
func (o *Orchestrator) markUnstarted() {
	for _, svc := range o.cfg.Manifest.Services {
		if o.report.ServiceState(svc.Name) == supervise.StatePending {
			o.report.setServiceState(svc.Name, supervise.StateFailed,
				fmt.Errorf("not started: run aborted"))
		}
	}
}

// Down stops started services in reverse topological order, releasing
// each service's devices and volume references only after it has fully
// stopped. Ends the event loop after a final drain.
func (o *Orchestrator) Down(ctx context.Context) {
	o.mu.Lock()
	sups := make(map[string]*supervise.Supervisor, len(o.sups))
	for name, sup := range o.sups {
		sups[name] = sup
	}
	o.mu.Unlock()

	for _, name := range o.cfg.Graph.ReverseOrder() {
		sup, ok := sups[name]
		if !ok {
			continue
		}
		if err := sup.Stop(ctx); err != nil {
			o.log.Warn("service did not stop cleanly", "service", name, "error", err)
		}
		o.cfg.Provisioner.Release(name)
	}

	o.downOnce.Do(func() {
		close(o.quit)
	})
	<-o.drained
}
