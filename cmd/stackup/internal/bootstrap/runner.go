// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// ErrTargetNotReady is returned when the task's target service did not
// become ready within the task's wait timeout.
var ErrTargetNotReady = errors.New("target service not ready")

// ErrAttemptsExhausted is returned when every retry attempt failed.
var ErrAttemptsExhausted = errors.New("task attempts exhausted")

// Outcome classifies how a task run ended.
type Outcome string

const (
	// OutcomeDone means the action ran and succeeded on this run.
	OutcomeDone Outcome = "done"

	// OutcomeSkipped means a completion marker short-circuited the run.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the action did not succeed.
	OutcomeFailed Outcome = "failed"
)

// Result describes one task run.
type Result struct {
	// Task is the task name.
	Task string

	// Outcome classifies the run.
	Outcome Outcome

	// Attempts is how many attempts were made on this run. Zero for
	// skipped tasks.
	Attempts int

	// Err carries the failure cause for OutcomeFailed.
	Err error
}

// Runner executes bootstrap tasks with idempotency and retries.
//
// # Description
//
// Run first consults the marker store: a recorded idempotency key skips
// the action entirely. Otherwise the runner waits for the target service
// to be ready (bounded by the task's wait timeout), executes the action
// with retries and exponential backoff, and records the completion
// marker only after the action has succeeded.
//
// # Thread Safety
//
// Safe for concurrent use; distinct tasks may run in parallel.
type Runner struct {
	store MarkerStore
	proc  process.Manager
	log   *logging.Logger

	// readyFor returns a channel closed when the named service is ready.
	// nil channels are treated as "already ready".
	readyFor func(service string) <-chan struct{}
}

// NewRunner creates a task runner. readyFor resolves a service name to
// its readiness channel; it may return nil for services considered
// ready.
func NewRunner(store MarkerStore, proc process.Manager, readyFor func(service string) <-chan struct{}, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	return &Runner{store: store, proc: proc, readyFor: readyFor, log: log}
}

// Run executes one task to completion.
//
// # Outputs
//
//   - Result: Always populated, including for failures
//   - error: Non-nil iff Outcome is OutcomeFailed
func (r *Runner) Run(ctx context.Context, task manifest.TaskSpec) (Result, error) {
	key := task.IdempotencyKey()
	log := r.log.With("task", task.Name, "key", key)

	done, err := r.store.Completed(key)
	if err != nil {
		failure := fmt.Errorf("task %s: marker lookup failed: %w", task.Name, err)
		return Result{Task: task.Name, Outcome: OutcomeFailed, Err: failure}, failure
	}
	if done {
		log.Info("task already completed, skipping")
		return Result{Task: task.Name, Outcome: OutcomeSkipped}, nil
	}

	if err := r.awaitTarget(ctx, task); err != nil {
		failure := fmt.Errorf("task %s: %w", task.Name, err)
		return Result{Task: task.Name, Outcome: OutcomeFailed, Err: failure}, failure
	}

	attempts, err := r.execute(ctx, task, log)
	if err != nil {
		failure := fmt.Errorf("task %s: %w", task.Name, err)
		return Result{Task: task.Name, Outcome: OutcomeFailed, Attempts: attempts, Err: failure}, failure
	}

	marker := Marker{
		Key:         key,
		Task:        task.Name,
		Service:     task.Service,
		CompletedAt: time.Now().UTC(),
		Attempts:    attempts,
	}
	if err := r.store.Record(marker); err != nil {
		// The action succeeded but the marker did not land; the task will
		// re-run next time, which idempotent actions tolerate.
		log.Warn("task succeeded but marker write failed", "error", err)
	}
	log.Info("task completed", "attempts", attempts)
	return Result{Task: task.Name, Outcome: OutcomeDone, Attempts: attempts}, nil
}

// awaitTarget waits for the target service's readiness channel.
func (r *Runner) awaitTarget(ctx context.Context, task manifest.TaskSpec) error {
	var ready <-chan struct{}
	if r.readyFor != nil {
		ready = r.readyFor(task.Service)
	}
	if ready == nil {
		return nil
	}

	timer := time.NewTimer(task.WaitTimeout.Std())
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrTargetNotReady, task.Service, task.WaitTimeout.Std())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs the action with retries. Returns the attempt count.
func (r *Runner) execute(ctx context.Context, task manifest.TaskSpec, log *logging.Logger) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = task.Retry.InitialBackoff.Std()
	bo.MaxInterval = task.Retry.MaxBackoff.Std()
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= task.Retry.MaxAttempts; attempt++ {
		out, err := r.proc.Run(ctx, task.Command[0], task.Command[1:]...)
		if err == nil {
			_ = out
			return attempt, nil
		}
		lastErr = err
		log.Warn("task attempt failed",
			"attempt", attempt, "max_attempts", task.Retry.MaxAttempts, "error", err)

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == task.Retry.MaxAttempts {
			break
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
	return task.Retry.MaxAttempts, fmt.Errorf("%w after %d attempts: %v",
		ErrAttemptsExhausted, task.Retry.MaxAttempts, lastErr)
}
