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
Package probe determines when a started service is actually ready.

A probe is a periodic predicate bounded by a deadline. Timing out is a
reported outcome, not an error: WaitReady returns ResultTimedOut so the
caller can apply its own policy (mark the service failed, propagate to
dependents) instead of untangling error causes.

Four predicates are supported, selected by the manifest:

  - tcp-open: a TCP connect to host:port succeeds
  - http-ok: an HTTP GET returns a 2xx status
  - log-pattern: the service's log file matches a regular expression
  - external-signal: a marker file exists
*/
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// ErrBadProbe is returned for malformed probe specs that slipped past
// manifest validation (e.g. an invalid log-pattern regexp).
var ErrBadProbe = errors.New("invalid probe")

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of waiting for readiness.
type Result int

const (
	// ResultReady means the predicate succeeded within the deadline.
	ResultReady Result = iota

	// ResultTimedOut means the deadline elapsed without success.
	ResultTimedOut

	// ResultCancelled means the surrounding operation was cancelled.
	ResultCancelled
)

// String returns the human-readable name of the result.
func (r Result) String() string {
	switch r {
	case ResultReady:
		return "ready"
	case ResultTimedOut:
		return "timed-out"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Prober
// =============================================================================

// HTTPClient is the subset of http.Client the HTTP probe needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober waits for a service's readiness predicate.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one orchestration run
// probes many services in parallel.
type Prober interface {
	// WaitReady polls the service's probe until it succeeds, the probe's
	// MaxWait elapses, or ctx is cancelled.
	//
	// # Inputs
	//
	//   - ctx: Cancels the wait (fail-fast propagation, shutdown)
	//   - service: Service name, used for log resolution and reporting
	//   - spec: The probe to evaluate; must have defaults applied
	//
	// # Outputs
	//
	//   - Result: Ready, TimedOut, or Cancelled
	//   - error: Only for malformed specs (ErrBadProbe); never for a
	//     probe that simply kept failing
	WaitReady(ctx context.Context, service string, spec manifest.ProbeSpec) (Result, error)
}

// DefaultProber implements Prober with real network and filesystem checks.
type DefaultProber struct {
	// HTTP is the client used for http-ok probes. Defaults to a client
	// with a per-request timeout matching the probe interval.
	HTTP HTTPClient

	// LogPathFor resolves a service name to its log file, for log-pattern
	// probes. Required when any service uses log-pattern.
	LogPathFor func(service string) string

	log *logging.Logger
}

// NewDefaultProber creates a prober. logPathFor may be nil when no
// service declares a log-pattern probe; a nil log falls back to
// logging.Default().
func NewDefaultProber(logPathFor func(service string) string, log *logging.Logger) *DefaultProber {
	if log == nil {
		log = logging.Default()
	}
	return &DefaultProber{
		HTTP:       &http.Client{Timeout: 5 * time.Second},
		LogPathFor: logPathFor,
		log:        log,
	}
}

// WaitReady polls the probe until ready, timed out, or cancelled.
func (p *DefaultProber) WaitReady(ctx context.Context, service string, spec manifest.ProbeSpec) (Result, error) {
	interval := spec.Interval.Std()
	if interval <= 0 {
		interval = manifest.DefaultProbeInterval
	}
	maxWait := spec.MaxWait.Std()
	if maxWait <= 0 {
		maxWait = manifest.DefaultProbeMaxWait
	}

	// The signal kind blocks on file creation events instead of polling.
	if spec.Kind == manifest.ProbeSignal {
		result, err := AwaitSignalFile(ctx, spec.Target, maxWait)
		if err != nil {
			p.log.Warn("signal probe degraded", "service", service, "error", err)
			return p.pollLoop(ctx, service, spec, p.fileCheck(spec.Target), interval, maxWait)
		}
		return result, nil
	}

	check, err := p.predicate(service, spec)
	if err != nil {
		return ResultTimedOut, err
	}
	return p.pollLoop(ctx, service, spec, check, interval, maxWait)
}

// pollLoop evaluates check every interval until success or the deadline.
func (p *DefaultProber) pollLoop(ctx context.Context, service string, spec manifest.ProbeSpec, check func(context.Context) bool, interval, maxWait time.Duration) (Result, error) {

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if check(ctx) {
			p.log.Debug("probe succeeded", "service", service, "kind", string(spec.Kind))
			return ResultReady, nil
		}
		if time.Now().After(deadline) {
			p.log.Warn("probe timed out",
				"service", service, "kind", string(spec.Kind), "max_wait", maxWait)
			return ResultTimedOut, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ResultCancelled, nil
		}
	}
}

// predicate builds the per-kind check function.
func (p *DefaultProber) predicate(service string, spec manifest.ProbeSpec) (func(context.Context) bool, error) {
	switch spec.Kind {
	case manifest.ProbeTCP:
		return p.tcpCheck(spec.Target), nil
	case manifest.ProbeHTTP:
		return p.httpCheck(spec.Target), nil
	case manifest.ProbeLogPattern:
		return p.logCheck(service, spec.Target)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadProbe, spec.Kind)
	}
}

// tcpCheck succeeds when a TCP connect to host:port succeeds.
func (p *DefaultProber) tcpCheck(target string) func(context.Context) bool {
	dialer := &net.Dialer{}
	return func(ctx context.Context) bool {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		conn, err := dialer.DialContext(dialCtx, "tcp", target)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// httpCheck succeeds when a GET of the target returns 2xx.
func (p *DefaultProber) httpCheck(target string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return false
		}
		resp, err := p.HTTP.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}

// logCheck succeeds when the service's log file matches the pattern.
func (p *DefaultProber) logCheck(service, pattern string) (func(context.Context) bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: log-pattern %q: %v", ErrBadProbe, pattern, err)
	}
	if p.LogPathFor == nil {
		return nil, fmt.Errorf("%w: log-pattern probe requires a log path resolver", ErrBadProbe)
	}
	path := p.LogPathFor(service)
	return func(ctx context.Context) bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		return re.Match(data)
	}, nil
}

// fileCheck succeeds when the marker file exists.
func (p *DefaultProber) fileCheck(path string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

// =============================================================================
// File Signal Watcher
// =============================================================================

// AwaitSignalFile blocks until the marker file at path exists, the
// timeout elapses, or ctx is cancelled.
//
// # Description
//
// Uses inotify on the parent directory to catch the file's creation
// without polling; a coarse fallback ticker covers files created before
// the watch was established or on filesystems without event support.
func AwaitSignalFile(ctx context.Context, path string, timeout time.Duration) (Result, error) {
	if _, err := os.Stat(path); err == nil {
		return ResultReady, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ResultTimedOut, fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ResultTimedOut, fmt.Errorf("failed to create signal directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return ResultTimedOut, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// The file may have appeared between the stat and the watch.
	if _, err := os.Stat(path); err == nil {
		return ResultReady, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == path && ev.Op.Has(fsnotify.Create) {
				return ResultReady, nil
			}
		case <-watcher.Errors:
			// Fall through to the polling ticker.
		case <-fallback.C:
			if _, err := os.Stat(path); err == nil {
				return ResultReady, nil
			}
		case <-deadline.C:
			return ResultTimedOut, nil
		case <-ctx.Done():
			return ResultCancelled, nil
		}
	}
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockProber is a test double for Prober.
type MockProber struct {
	// WaitReadyFunc overrides WaitReady. When nil, WaitReady returns
	// ResultReady immediately.
	WaitReadyFunc func(ctx context.Context, service string, spec manifest.ProbeSpec) (Result, error)

	// Calls records the probed service names in order.
	Calls []string
}

// WaitReady records the call and delegates.
func (m *MockProber) WaitReady(ctx context.Context, service string, spec manifest.ProbeSpec) (Result, error) {
	m.Calls = append(m.Calls, service)
	if m.WaitReadyFunc != nil {
		return m.WaitReadyFunc(ctx, service, spec)
	}
	return ResultReady, nil
}

// Compile-time interface compliance check.
var (
	_ Prober = (*DefaultProber)(nil)
	_ Prober = (*MockProber)(nil)
)
