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
Package provision manages the host resources services draw on before they
may start: finite device pools (e.g. a single GPU) with explicit
acquire/release, and reference-counted persistent volumes.

Device reservation is modeled as a shared counter per device class behind
one mutex, so two services competing for the same device fail predictably
with ResourceExhaustedError instead of silently both binding it.
*/
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
)

// =============================================================================
// Errors
// =============================================================================

// ErrResourceExhausted is the sentinel wrapped by ResourceExhaustedError.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrUnknownClass is returned when a reservation names an undeclared pool.
var ErrUnknownClass = errors.New("unknown device class")

// ErrMissingCapability is returned when the pool lacks a required capability.
var ErrMissingCapability = errors.New("missing device capability")

// ResourceExhaustedError reports insufficient pool capacity for a
// fail-fast reservation.
type ResourceExhaustedError struct {
	// Class is the device class that ran out.
	Class string

	// Requested is the number of devices asked for.
	Requested int

	// Available is the number of devices free at the time of the request.
	Available int

	// Total is the pool size.
	Total int
}

// Error implements error.
func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %d %s device(s) requested, %d of %d available",
		e.Requested, e.Class, e.Available, e.Total)
}

// Unwrap makes errors.Is(err, ErrResourceExhausted) true.
func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// =============================================================================
// Pool
// =============================================================================

// Reservation is a granted claim on pool capacity.
//
// Release returns the capacity; releasing twice is a no-op.
type Reservation struct {
	// ID uniquely identifies the reservation.
	ID string

	// Class is the device class reserved from.
	Class string

	// Count is the number of devices held.
	Count int

	// Owner is the service holding the reservation.
	Owner string

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Release returns the reserved capacity to the pool. Idempotent.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()
	r.pool.release(r.Count)
}

// Pool is a finite pool of identical devices of one class.
//
// # Thread Safety
//
// Safe for concurrent use. The available counter is the only shared
// mutable state and sits behind a single mutex.
type Pool struct {
	spec manifest.PoolSpec

	mu        sync.Mutex
	available int
	waiters   []chan struct{}
}

// NewPool creates a pool from its manifest declaration.
func NewPool(spec manifest.PoolSpec) *Pool {
	return &Pool{spec: spec, available: spec.Count}
}

// Class returns the pool's device class.
func (p *Pool) Class() string { return p.spec.Class }

// Available returns the currently free device count.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Reserve atomically claims capacity for the given reservation.
//
// # Description
//
// Checks capabilities, then decrements the shared counter. When capacity
// is insufficient the behavior follows the reservation's wait policy:
// with Wait set, the call blocks until capacity frees up or ctx is
// cancelled; otherwise it fails fast with *ResourceExhaustedError.
//
// # Inputs
//
//   - ctx: Cancels a blocking wait
//   - owner: Service name holding the reservation (for reporting)
//   - res: The manifest reservation to satisfy
//
// # Outputs
//
//   - *Reservation: Granted claim; caller must Release it
//   - error: *ResourceExhaustedError, capability/class errors, or ctx.Err()
//
// # Examples
//
//	grant, err := pool.Reserve(ctx, "ollama", res)
//	if errors.Is(err, provision.ErrResourceExhausted) {
//	    // another service holds the device
//	}
//	defer grant.Release()
func (p *Pool) Reserve(ctx context.Context, owner string, res manifest.Reservation) (*Reservation, error) {
	if res.Class != p.spec.Class {
		return nil, fmt.Errorf("%w: pool is %q, reservation wants %q",
			ErrUnknownClass, p.spec.Class, res.Class)
	}
	if missing := missingCapability(p.spec.Capabilities, res.Capabilities); missing != "" {
		return nil, fmt.Errorf("%w: pool %q lacks %q",
			ErrMissingCapability, p.spec.Class, missing)
	}
	if res.Count > p.spec.Count {
		// Can never be satisfied; fail fast even for waiting callers.
		return nil, &ResourceExhaustedError{
			Class: p.spec.Class, Requested: res.Count,
			Available: p.Available(), Total: p.spec.Count,
		}
	}

	for {
		p.mu.Lock()
		if p.available >= res.Count {
			p.available -= res.Count
			p.mu.Unlock()
			return &Reservation{
				ID:    uuid.NewString(),
				Class: p.spec.Class,
				Count: res.Count,
				Owner: owner,
				pool:  p,
			}, nil
		}

		if !res.Wait {
			exhausted := &ResourceExhaustedError{
				Class: p.spec.Class, Requested: res.Count,
				Available: p.available, Total: p.spec.Count,
			}
			p.mu.Unlock()
			return nil, exhausted
		}

		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-wake:
			// Capacity changed; re-check under the lock.
		case <-ctx.Done():
			p.dropWaiter(wake)
			return nil, ctx.Err()
		}
	}
}

// release returns capacity and wakes all waiters to re-check.
func (p *Pool) release(count int) {
	p.mu.Lock()
	p.available += count
	if p.available > p.spec.Count {
		p.available = p.spec.Count
	}
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// dropWaiter removes a cancelled waiter's channel.
func (p *Pool) dropWaiter(wake chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// missingCapability returns the first capability in want that have lacks.
func missingCapability(have, want []string) string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return c
		}
	}
	return ""
}
