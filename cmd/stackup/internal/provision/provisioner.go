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
	"fmt"
	"sync"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// Grant bundles everything provisioned for one service: its device
// reservations and its volume attachments. ReleaseDevices and
// ReleaseVolumes are split because shutdown returns devices after the
// process stops but named volume stores persist.
type Grant struct {
	// Service is the owning service name.
	Service string

	// Reservations holds the granted device claims.
	Reservations []*Reservation

	// Volumes holds the granted volume attachments, in mount order.
	Volumes []*VolumeHandle
}

// Provisioner satisfies a service's declared resource needs before start.
//
// # Description
//
// One Provisioner is built per run from the manifest's pool and volume
// declarations. Provision is all-or-nothing: if any reservation or
// volume fails, everything already granted for the service is rolled
// back before the error is returned.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent Provision calls for different
// services contend only on the shared pool counters.
type Provisioner struct {
	pools   map[string]*Pool
	volumes VolumeManager
	log     *logging.Logger

	mu     sync.Mutex
	grants map[string]*Grant
}

// NewProvisioner builds a provisioner from manifest pool declarations and
// a volume manager.
func NewProvisioner(pools []manifest.PoolSpec, volumes VolumeManager, log *logging.Logger) *Provisioner {
	if log == nil {
		log = logging.Default()
	}
	byClass := make(map[string]*Pool, len(pools))
	for _, spec := range pools {
		byClass[spec.Class] = NewPool(spec)
	}
	return &Provisioner{
		pools:   byClass,
		volumes: volumes,
		log:     log,
		grants:  make(map[string]*Grant),
	}
}

// Pool returns the pool for a device class, or nil if undeclared.
func (p *Provisioner) Pool(class string) *Pool {
	return p.pools[class]
}

// Provision reserves devices and ensures volumes for the service.
//
// # Inputs
//
//   - ctx: Cancels blocking reservations
//   - svc: The service whose reservations and mounts to satisfy
//   - vols: The declared volumes referenced by the service's mounts
//
// # Outputs
//
//   - *Grant: All granted resources; release through the provisioner
//   - error: First failure, with prior grants already rolled back
func (p *Provisioner) Provision(ctx context.Context, svc *manifest.ServiceSpec, vols []manifest.VolumeSpec) (*Grant, error) {
	grant := &Grant{Service: svc.Name}

	rollback := func() {
		for _, r := range grant.Reservations {
			r.Release()
		}
		for _, h := range grant.Volumes {
			p.volumes.Release(h)
		}
	}

	for _, res := range svc.Reservations {
		pool, ok := p.pools[res.Class]
		if !ok {
			rollback()
			return nil, fmt.Errorf("%w: %q", ErrUnknownClass, res.Class)
		}
		granted, err := pool.Reserve(ctx, svc.Name, res)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		p.log.Debug("reserved devices",
			"service", svc.Name, "class", res.Class, "count", res.Count)
		grant.Reservations = append(grant.Reservations, granted)
	}

	for _, vol := range vols {
		handle, err := p.volumes.Ensure(ctx, vol)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		p.log.Debug("ensured volume",
			"service", svc.Name, "volume", vol.Name, "kind", string(vol.Kind))
		grant.Volumes = append(grant.Volumes, handle)
	}

	p.mu.Lock()
	p.grants[svc.Name] = grant
	p.mu.Unlock()
	return grant, nil
}

// Release returns all resources held by the named service. Safe to call
// for services that were never provisioned.
func (p *Provisioner) Release(service string) {
	p.mu.Lock()
	grant := p.grants[service]
	delete(p.grants, service)
	p.mu.Unlock()

	if grant == nil {
		return
	}
	for _, r := range grant.Reservations {
		r.Release()
	}
	for _, h := range grant.Volumes {
		p.volumes.Release(h)
	}
	p.log.Debug("released resources", "service", service)
}
