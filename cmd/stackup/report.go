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
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/bootstrap"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/supervise"
)

// RootCause names the first failure of a run.
type RootCause struct {
	// Kind is "service" or "task".
	Kind string

	// Name is the failing service or task.
	Name string

	// Err is the underlying failure.
	Err error
}

// Error implements error.
func (rc *RootCause) Error() string {
	return fmt.Sprintf("%s %s: %v", rc.Kind, rc.Name, rc.Err)
}

// Unwrap exposes the underlying failure.
func (rc *RootCause) Unwrap() error { return rc.Err }

// ServiceReport is one service's terminal record in a run report.
type ServiceReport struct {
	Name  string
	State supervise.State
	Err   error
}

// TaskReport is one task's record in a run report.
type TaskReport struct {
	Name     string
	Outcome  bootstrap.Outcome
	Attempts int
	Err      error
}

// RunReport aggregates the outcome of one up run.
//
// # Thread Safety
//
// Safe for concurrent writes during the run; Render only after the run
// finished.
type RunReport struct {
	mu       sync.Mutex
	order    []string // service declaration order for rendering
	services map[string]*ServiceReport
	tasks    []TaskReport
	cause    *RootCause
	started  time.Time
	duration time.Duration
}

// newRunReport seeds a report with every declared service in pending
// state.
func newRunReport(serviceOrder []string) *RunReport {
	r := &RunReport{
		order:    append([]string(nil), serviceOrder...),
		services: make(map[string]*ServiceReport, len(serviceOrder)),
		started:  time.Now(),
	}
	for _, name := range serviceOrder {
		r.services[name] = &ServiceReport{Name: name, State: supervise.StatePending}
	}
	return r
}

// setServiceState records a service's latest state.
func (r *RunReport) setServiceState(name string, state supervise.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.services[name]
	if !ok {
		sr = &ServiceReport{Name: name}
		r.services[name] = sr
		r.order = append(r.order, name)
	}
	sr.State = state
	if err != nil {
		sr.Err = err
	}
}

// ServiceState returns the recorded state for a service.
func (r *RunReport) ServiceState(name string) supervise.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sr, ok := r.services[name]; ok {
		return sr.State
	}
	return supervise.StatePending
}

// addTask appends a task record.
func (r *RunReport) addTask(res bootstrap.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, TaskReport{
		Name:     res.Task,
		Outcome:  res.Outcome,
		Attempts: res.Attempts,
		Err:      res.Err,
	})
}

// Tasks returns the recorded task reports in completion order.
func (r *RunReport) Tasks() []TaskReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskReport(nil), r.tasks...)
}

// setRootCause records the first failure; later calls are ignored.
func (r *RunReport) setRootCause(kind, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cause == nil {
		r.cause = &RootCause{Kind: kind, Name: name, Err: err}
	}
}

// Cause returns the first recorded failure, or nil.
func (r *RunReport) Cause() *RootCause {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

// finish stamps the run duration.
func (r *RunReport) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duration = time.Since(r.started)
}

// Render writes the human-readable report.
func (r *RunReport) Render(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "\nServices (%s):\n", r.duration.Round(time.Millisecond))
	for _, name := range r.order {
		sr := r.services[name]
		if sr.Err != nil {
			fmt.Fprintf(w, "  %-20s %-10s %v\n", sr.Name, sr.State, sr.Err)
		} else {
			fmt.Fprintf(w, "  %-20s %s\n", sr.Name, sr.State)
		}
	}

	if len(r.tasks) > 0 {
		fmt.Fprintln(w, "Tasks:")
		tasks := append([]TaskReport(nil), r.tasks...)
		sort.SliceStable(tasks, func(a, b int) bool { return tasks[a].Name < tasks[b].Name })
		for _, t := range tasks {
			switch {
			case t.Err != nil:
				fmt.Fprintf(w, "  %-20s %-10s %v\n", t.Name, t.Outcome, t.Err)
			case t.Outcome == bootstrap.OutcomeSkipped:
				fmt.Fprintf(w, "  %-20s %s (already completed)\n", t.Name, t.Outcome)
			default:
				fmt.Fprintf(w, "  %-20s %s (%d attempt(s))\n", t.Name, t.Outcome, t.Attempts)
			}
		}
	}

	if r.cause != nil {
		fmt.Fprintf(w, "First failure: %v\n", r.cause)
	}
}
