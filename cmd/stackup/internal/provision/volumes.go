// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
)

// ErrVolumeKindMismatch is returned when an existing volume is re-ensured
// with a different kind.
var ErrVolumeKindMismatch = errors.New("volume kind mismatch")

// VolumeHandle is a granted attachment to a provisioned volume.
type VolumeHandle struct {
	// ID uniquely identifies this attachment.
	ID string

	// Name is the volume name.
	Name string

	// Kind is the volume kind that was provisioned.
	Kind manifest.VolumeKind

	// HostRef is what the runner mounts: the absolute host path for bind
	// mounts, the store name for named volumes.
	HostRef string
}

// VolumeManager provisions and tracks persistent volumes.
//
// # Description
//
// Ensure is idempotent: the backing store is created on first use and
// verified (kind compatibility) afterwards. Handles are reference
// counted so a shared volume (e.g. one model cache used by two
// services) is created once and its lifecycle is explicit: the store is
// considered detached when the last user releases it, but a named
// volume's backing store is never destroyed by release (it outlives
// service lifecycles by invariant).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type VolumeManager interface {
	// Ensure provisions the volume if absent and returns an attachment
	// handle. Fails with ErrVolumeKindMismatch if the volume exists with
	// a different kind.
	Ensure(ctx context.Context, spec manifest.VolumeSpec) (*VolumeHandle, error)

	// Release detaches a handle. The last release of a volume marks the
	// store detached without destroying it. Idempotent per handle.
	Release(handle *VolumeHandle)

	// RefCount reports the live attachment count for a volume.
	RefCount(name string) int
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultVolumeManager implements VolumeManager.
//
// Named persistent volumes are created through the container runtime
// ("podman volume create", idempotent by inspect-first). Bind mounts are
// host directories created with MkdirAll.
type DefaultVolumeManager struct {
	proc    process.Manager
	runtime string // container runtime binary, default "podman"

	mu    sync.Mutex
	kinds map[string]manifest.VolumeKind
	refs  map[string]int
}

// NewDefaultVolumeManager creates a volume manager backed by the given
// process manager. runtimeBin is the container runtime binary; empty
// means "podman".
func NewDefaultVolumeManager(proc process.Manager, runtimeBin string) *DefaultVolumeManager {
	if runtimeBin == "" {
		runtimeBin = "podman"
	}
	return &DefaultVolumeManager{
		proc:    proc,
		runtime: runtimeBin,
		kinds:   make(map[string]manifest.VolumeKind),
		refs:    make(map[string]int),
	}
}

// Ensure provisions the volume if absent and returns a handle.
func (vm *DefaultVolumeManager) Ensure(ctx context.Context, spec manifest.VolumeSpec) (*VolumeHandle, error) {
	// Claim the kind while still holding the lock that checked it, so two
	// concurrent Ensure calls with conflicting kinds cannot both pass.
	vm.mu.Lock()
	kind, seen := vm.kinds[spec.Name]
	if seen && kind != spec.Kind {
		vm.mu.Unlock()
		return nil, fmt.Errorf("%w: volume %q exists as %s, requested %s",
			ErrVolumeKindMismatch, spec.Name, kind, spec.Kind)
	}
	if !seen {
		vm.kinds[spec.Name] = spec.Kind
	}
	vm.mu.Unlock()

	releaseClaim := func() {
		vm.mu.Lock()
		if !seen && vm.refs[spec.Name] == 0 {
			delete(vm.kinds, spec.Name)
		}
		vm.mu.Unlock()
	}

	var hostRef string
	switch spec.Kind {
	case manifest.VolumeBind:
		abs, err := filepath.Abs(spec.Source)
		if err != nil {
			releaseClaim()
			return nil, fmt.Errorf("failed to resolve bind source %q: %w", spec.Source, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			releaseClaim()
			return nil, fmt.Errorf("failed to create bind source %q: %w", abs, err)
		}
		hostRef = abs

	case manifest.VolumeNamed:
		store := spec.Store
		if store == "" {
			store = spec.Name
		}
		if err := vm.ensureNamedVolume(ctx, store); err != nil {
			releaseClaim()
			return nil, err
		}
		hostRef = store

	default:
		releaseClaim()
		return nil, fmt.Errorf("unknown volume kind %q", spec.Kind)
	}

	vm.mu.Lock()
	vm.refs[spec.Name]++
	vm.mu.Unlock()

	return &VolumeHandle{
		ID:      uuid.NewString(),
		Name:    spec.Name,
		Kind:    spec.Kind,
		HostRef: hostRef,
	}, nil
}

// ensureNamedVolume creates the backing store if it does not exist.
func (vm *DefaultVolumeManager) ensureNamedVolume(ctx context.Context, store string) error {
	if _, err := vm.proc.Run(ctx, vm.runtime, "volume", "inspect", store); err == nil {
		return nil
	}
	out, err := vm.proc.Run(ctx, vm.runtime, "volume", "create", store)
	if err != nil {
		// A concurrent create can race inspect; treat "already exists"
		// as success.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create volume %q: %w", store, err)
	}
	_ = out
	return nil
}

// Release detaches a handle.
func (vm *DefaultVolumeManager) Release(handle *VolumeHandle) {
	if handle == nil {
		return
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.refs[handle.Name] > 0 {
		vm.refs[handle.Name]--
	}
}

// RefCount reports the live attachment count for a volume.
func (vm *DefaultVolumeManager) RefCount(name string) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.refs[name]
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockVolumeManager is a test double for VolumeManager.
type MockVolumeManager struct {
	// EnsureFunc overrides Ensure. When nil, Ensure succeeds with a
	// synthetic handle.
	EnsureFunc func(ctx context.Context, spec manifest.VolumeSpec) (*VolumeHandle, error)

	// EnsureCalls records the specs passed to Ensure.
	EnsureCalls []manifest.VolumeSpec

	// ReleaseCalls records released handle names.
	ReleaseCalls []string

	mu   sync.Mutex
	refs map[string]int
}

// Ensure records the call and delegates or fabricates a handle.
func (m *MockVolumeManager) Ensure(ctx context.Context, spec manifest.VolumeSpec) (*VolumeHandle, error) {
	m.mu.Lock()
	m.EnsureCalls = append(m.EnsureCalls, spec)
	if m.refs == nil {
		m.refs = make(map[string]int)
	}
	m.mu.Unlock()

	if m.EnsureFunc != nil {
		h, err := m.EnsureFunc(ctx, spec)
		if err == nil {
			m.mu.Lock()
			m.refs[spec.Name]++
			m.mu.Unlock()
		}
		return h, err
	}

	m.mu.Lock()
	m.refs[spec.Name]++
	m.mu.Unlock()
	return &VolumeHandle{
		ID:      uuid.NewString(),
		Name:    spec.Name,
		Kind:    spec.Kind,
		HostRef: "/mock/" + spec.Name,
	}, nil
}

// Release records the call and decrements the refcount.
func (m *MockVolumeManager) Release(handle *VolumeHandle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseCalls = append(m.ReleaseCalls, handle.Name)
	if m.refs[handle.Name] > 0 {
		m.refs[handle.Name]--
	}
}

// RefCount reports the mock refcount.
func (m *MockVolumeManager) RefCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[name]
}

// Compile-time interface compliance check.
var (
	_ VolumeManager = (*DefaultVolumeManager)(nil)
	_ VolumeManager = (*MockVolumeManager)(nil)
)
