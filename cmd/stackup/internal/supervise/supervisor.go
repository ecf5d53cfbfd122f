// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/probe"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// =============================================================================
// States and Events
// =============================================================================

// State is a service lifecycle state.
type State string

const (
	// StatePending means the service has not been started yet.
	StatePending State = "pending"

	// StateStarting means the unit is launched but not yet ready.
	StateStarting State = "starting"

	// StateReady means the readiness probe succeeded.
	StateReady State = "ready"

	// StateDegraded means a previously ready service exited and is
	// waiting out its restart backoff.
	StateDegraded State = "degraded"

	// StateStopped means the service was shut down deliberately or
	// exited cleanly without a restart policy.
	StateStopped State = "stopped"

	// StateFailed means the service is permanently down: probe timeout,
	// restart budget exhausted, or a non-restartable exit.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Event is a state transition notification.
type Event struct {
	// Service is the service that transitioned.
	Service string

	// State is the new state.
	State State

	// Err carries the failure cause for StateFailed transitions.
	Err error
}

// =============================================================================
// Supervisor
// =============================================================================

const (
	// defaultStopGrace is the SIGTERM-to-SIGKILL window on shutdown.
	defaultStopGrace = 10 * time.Second

	// backoffResetAfter is how long a service must stay ready before its
	// restart backoff and budget reset.
	backoffResetAfter = 30 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	// Spec is the supervised service's declaration.
	Spec *manifest.ServiceSpec

	// Runner starts and stops the unit.
	Runner Runner

	// Prober evaluates readiness after each start.
	Prober probe.Prober

	// Mounts are the resolved volume attachments.
	Mounts []Mount

	// Events receives state transitions. May be nil.
	Events chan<- Event

	// Log is the structured logger. Nil falls back to logging.Default().
	Log *logging.Logger

	// StopGrace overrides the termination grace period. Zero means the
	// default.
	StopGrace time.Duration

	// BackoffResetAfter overrides the sustained-ready window that resets
	// the restart backoff. Zero means the default.
	BackoffResetAfter time.Duration

	// RestartBackoff overrides the initial restart delay. Zero means the
	// default of one second.
	RestartBackoff time.Duration
}

// Supervisor owns one service's lifecycle.
//
// # Description
//
// Start launches the unit and blocks until the service is ready or has
// failed. A monitor goroutine then watches for exits and applies the
// restart policy: "never" stops at the first exit, "on-failure" restarts
// non-zero exits up to MaxRestarts, "always" restarts unconditionally.
// Consecutive restarts are spaced by capped exponential backoff; the
// backoff and the restart budget reset once the service stays ready for
// a sustained window.
//
// # Thread Safety
//
// Safe for concurrent use. State transitions are serialized internally.
type Supervisor struct {
	spec              *manifest.ServiceSpec
	runner            Runner
	prober            probe.Prober
	mounts            []Mount
	events            chan<- Event
	log               *logging.Logger
	stopGrace         time.Duration
	backoffResetAfter time.Duration
	restartBackoff    time.Duration

	mu       sync.Mutex
	state    State
	handle   *Handle
	lastErr  error
	restarts int
	stopping bool

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	monitorWG sync.WaitGroup
}

// New creates a Supervisor in StatePending.
func New(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	grace := cfg.StopGrace
	if grace == 0 {
		grace = defaultStopGrace
	}
	resetAfter := cfg.BackoffResetAfter
	if resetAfter == 0 {
		resetAfter = backoffResetAfter
	}
	initial := cfg.RestartBackoff
	if initial == 0 {
		initial = time.Second
	}
	return &Supervisor{
		spec:              cfg.Spec,
		runner:            cfg.Runner,
		prober:            cfg.Prober,
		mounts:            cfg.Mounts,
		events:            cfg.Events,
		log:               cfg.Log.With("service", cfg.Spec.Name),
		stopGrace:         grace,
		backoffResetAfter: resetAfter,
		restartBackoff:    initial,
		state:             StatePending,
		ready:             make(chan struct{}),
		stop:              make(chan struct{}),
	}
}

// Name returns the supervised service's name.
func (s *Supervisor) Name() string { return s.spec.Name }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause, if the service failed.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Ready returns a channel closed the first time the service becomes
// ready. Dependent services gate their start on it.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Restarts returns the restart count within the current backoff cycle.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// transition sets the state and emits an event.
func (s *Supervisor) transition(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	s.log.Info("state change", "state", string(state), "error", err)
	if s.events != nil {
		s.events <- Event{Service: s.spec.Name, State: state, Err: err}
	}
	if state == StateReady {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

// Start launches the service and blocks until it is ready or failed.
//
// # Outputs
//
//   - error: Non-nil when the service could not reach ready (launch
//     failure or probe timeout). The unit is already stopped in that
//     case.
func (s *Supervisor) Start(ctx context.Context) error {
	s.transition(StateStarting, nil)

	handle, err := s.runner.Start(ctx, s.spec, s.mounts)
	if err != nil {
		failure := fmt.Errorf("service %s failed to start: %w", s.spec.Name, err)
		s.transition(StateFailed, failure)
		return failure
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if err := s.awaitReady(ctx, handle); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace*2)
		defer cancel()
		_ = s.runner.Stop(stopCtx, handle, s.stopGrace)
		s.transition(StateFailed, err)
		return err
	}

	s.transition(StateReady, nil)

	s.monitorWG.Add(1)
	go s.monitor(handle)
	return nil
}

// awaitReady runs the probe, treating an exit during startup as failure.
func (s *Supervisor) awaitReady(ctx context.Context, handle *Handle) error {
	if !s.spec.HasProbe() {
		// No probe: existence of the process is readiness.
		if code, exited := handle.Proc.ExitCode(); exited && code != 0 {
			return fmt.Errorf("service %s exited with code %d before becoming ready",
				s.spec.Name, code)
		}
		return nil
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.Proc.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	result, err := s.prober.WaitReady(probeCtx, s.spec.Name, s.spec.Probe)
	if err != nil {
		return fmt.Errorf("service %s: %w", s.spec.Name, err)
	}
	switch result {
	case probe.ResultReady:
		return nil
	case probe.ResultTimedOut:
		return fmt.Errorf("service %s did not become ready within %s",
			s.spec.Name, s.spec.Probe.MaxWait.Std())
	default:
		if code, exited := handle.Proc.ExitCode(); exited {
			return fmt.Errorf("service %s exited with code %d before becoming ready",
				s.spec.Name, code)
		}
		return fmt.Errorf("service %s readiness wait cancelled: %w", s.spec.Name, ctx.Err())
	}
}

// monitor watches for exits and applies the restart policy.
func (s *Supervisor) monitor(handle *Handle) {
	defer s.monitorWG.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.restartBackoff
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.1
	bo.Reset()

	for {
		becameReady := time.Now()
		select {
		case <-handle.Proc.Done():
		case <-s.stop:
			return
		}

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		code, _ := handle.Proc.ExitCode()
		s.log.Warn("service exited", "code", code, "uptime", time.Since(becameReady))

		// A sustained ready period earns a fresh restart budget.
		if time.Since(becameReady) >= s.backoffResetAfter {
			bo.Reset()
			s.mu.Lock()
			s.restarts = 0
			s.mu.Unlock()
		}

		if !s.shouldRestart(code) {
			if code == 0 {
				s.transition(StateStopped, nil)
			} else {
				s.transition(StateFailed,
					fmt.Errorf("service %s exited with code %d", s.spec.Name, code))
			}
			return
		}

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()

		if s.spec.Restart == manifest.RestartOnFailure && restarts > s.spec.MaxRestarts {
			s.transition(StateFailed,
				fmt.Errorf("service %s exceeded %d restarts", s.spec.Name, s.spec.MaxRestarts))
			return
		}

		delay := bo.NextBackOff()
		s.transition(StateDegraded, nil)
		s.log.Info("restarting after backoff", "attempt", restarts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		}

		ctx := context.Background()
		newHandle, err := s.runner.Start(ctx, s.spec, s.mounts)
		if err != nil {
			s.transition(StateFailed,
				fmt.Errorf("service %s restart failed: %w", s.spec.Name, err))
			return
		}
		s.mu.Lock()
		s.handle = newHandle
		stopping = s.stopping
		s.mu.Unlock()

		// Stop may have raced the restart while Start was in flight. It
		// waits for the monitor and re-reads the handle, so the fresh
		// unit is left for Stop to terminate.
		if stopping {
			return
		}

		if err := s.awaitReady(ctx, newHandle); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace*2)
			_ = s.runner.Stop(stopCtx, newHandle, s.stopGrace)
			cancel()
			s.mu.Lock()
			stopping = s.stopping
			s.mu.Unlock()
			if stopping {
				return
			}
			s.transition(StateFailed, err)
			return
		}

		s.transition(StateReady, nil)
		handle = newHandle
	}
}

// shouldRestart applies the declared restart policy to an exit code.
func (s *Supervisor) shouldRestart(code int) bool {
	switch s.spec.Restart {
	case manifest.RestartAlways:
		return true
	case manifest.RestartOnFailure:
		return code != 0
	default:
		return false
	}
}

// Stop shuts the service down and waits for the monitor to finish.
//
// Idempotent; stopping a never-started or already-terminal supervisor is
// a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	handle := s.handle
	state := s.state
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })

	if handle == nil || state.Terminal() {
		if state != StateFailed {
			s.transition(StateStopped, nil)
		}
		return nil
	}

	err := s.runner.Stop(ctx, handle, s.stopGrace)
	s.monitorWG.Wait()

	// The monitor may have swapped in a fresh unit between the snapshot
	// above and observing the stop signal.
	s.mu.Lock()
	current := s.handle
	s.mu.Unlock()
	if current != handle {
		if _, exited := current.Proc.ExitCode(); !exited {
			if stopErr := s.runner.Stop(ctx, current, s.stopGrace); stopErr != nil && err == nil {
				err = stopErr
			}
		}
	}

	if err != nil {
		s.transition(StateFailed,
			fmt.Errorf("service %s failed to stop: %w", s.spec.Name, err))
		return err
	}
	s.transition(StateStopped, nil)
	return nil
}
