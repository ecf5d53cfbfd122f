// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

const (
	// DefaultProbeInterval is applied when a probe omits interval.
	DefaultProbeInterval = 2 * time.Second

	// DefaultProbeMaxWait is applied when a probe omits max_wait.
	DefaultProbeMaxWait = 60 * time.Second

	// DefaultMaxRestarts caps on-failure restarts when unset.
	DefaultMaxRestarts = 3

	// DefaultTaskAttempts is the default retry budget for tasks.
	DefaultTaskAttempts = 3

	// DefaultTaskBackoff is the default initial retry delay for tasks.
	DefaultTaskBackoff = 2 * time.Second

	// DefaultTaskMaxBackoff caps the growing task retry delay.
	DefaultTaskMaxBackoff = 30 * time.Second

	// DefaultTaskWait bounds the wait for a task's target readiness.
	DefaultTaskWait = 2 * time.Minute
)

// structValidator checks declarative field constraints (required, oneof,
// ranges). Reference integrity is checked separately in validate().
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load reads and parses the manifest at path.
//
// # Description
//
// Reads the file, parses it as YAML, applies defaults, and validates.
// The returned manifest is ready for the graph builder; no services are
// started and no storage is touched.
//
// # Inputs
//
//   - path: Manifest file location
//
// # Outputs
//
//   - *Manifest: Parsed and validated manifest
//   - error: *ValidationError for bad content, wrapped I/O error otherwise
//
// # Examples
//
//	m, err := manifest.Load("stack.yaml")
//	if errors.Is(err, manifest.ErrValidation) {
//	    // bad manifest, nothing was started
//	}
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates raw manifest bytes.
//
// # Description
//
// Pure counterpart of Load. Fails with *ValidationError on duplicate
// service names, dangling dependency references, malformed resource
// reservations, undeclared volume references, dangling task targets,
// duplicate idempotency keys, or malformed probes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, validationErrorf("manifest", "not valid YAML: %v", err)
	}

	m.applyDefaults()

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// applyDefaults fills unset optional fields in place.
func (m *Manifest) applyDefaults() {
	for i := range m.Services {
		svc := &m.Services[i]
		if svc.Restart == "" {
			svc.Restart = RestartNever
		}
		if svc.MaxRestarts == 0 {
			svc.MaxRestarts = DefaultMaxRestarts
		}
		if svc.HasProbe() {
			if svc.Probe.Interval == 0 {
				svc.Probe.Interval = Duration(DefaultProbeInterval)
			}
			if svc.Probe.MaxWait == 0 {
				svc.Probe.MaxWait = Duration(DefaultProbeMaxWait)
			}
		}
		for j := range svc.Reservations {
			if svc.Reservations[j].Count == 0 {
				svc.Reservations[j].Count = 1
			}
		}
	}
	for i := range m.Tasks {
		task := &m.Tasks[i]
		if task.Retry.MaxAttempts == 0 {
			task.Retry.MaxAttempts = DefaultTaskAttempts
		}
		if task.Retry.InitialBackoff == 0 {
			task.Retry.InitialBackoff = Duration(DefaultTaskBackoff)
		}
		if task.Retry.MaxBackoff == 0 {
			task.Retry.MaxBackoff = Duration(DefaultTaskMaxBackoff)
		}
		if task.WaitTimeout == 0 {
			task.WaitTimeout = Duration(DefaultTaskWait)
		}
	}
}

// validate performs structural and referential checks.
func (m *Manifest) validate() error {
	if err := structValidator.Struct(m); err != nil {
		var invalid validator.ValidationErrors
		if ok := asValidationErrors(err, &invalid); ok && len(invalid) > 0 {
			fe := invalid[0]
			return validationErrorf(fe.Namespace(), "failed %q constraint", fe.Tag())
		}
		return validationErrorf("manifest", "%v", err)
	}

	pools := make(map[string]PoolSpec, len(m.Pools))
	for _, p := range m.Pools {
		if _, dup := pools[p.Class]; dup {
			return validationErrorf("pools", "duplicate device class %q", p.Class)
		}
		pools[p.Class] = p
	}

	volumes := make(map[string]VolumeSpec, len(m.Volumes))
	for _, v := range m.Volumes {
		if _, dup := volumes[v.Name]; dup {
			return validationErrorf("volumes", "duplicate volume %q", v.Name)
		}
		if v.Kind == VolumeBind && v.Source == "" {
			return validationErrorf(
				fmt.Sprintf("volumes[%s]", v.Name), "bind-mount requires a source path")
		}
		volumes[v.Name] = v
	}

	services := make(map[string]bool, len(m.Services))
	for _, s := range m.Services {
		if services[s.Name] {
			return validationErrorf("services", "duplicate service name %q", s.Name)
		}
		services[s.Name] = true
	}

	for _, s := range m.Services {
		field := fmt.Sprintf("services[%s]", s.Name)

		hasImage := s.Runtime.Image != ""
		hasCommand := len(s.Runtime.Command) > 0
		if hasImage == hasCommand {
			return validationErrorf(field+".runtime",
				"exactly one of image or command must be set")
		}

		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return validationErrorf(field+".depends_on", "service depends on itself")
			}
			if !services[dep] {
				return validationErrorf(field+".depends_on",
					"unknown service %q", dep)
			}
		}

		for _, r := range s.Reservations {
			pool, ok := pools[r.Class]
			if !ok {
				return validationErrorf(field+".reservations",
					"no pool declared for device class %q", r.Class)
			}
			if r.Count < 1 {
				return validationErrorf(field+".reservations",
					"reservation count must be >= 1, got %d", r.Count)
			}
			if r.Count > pool.Count {
				return validationErrorf(field+".reservations",
					"requests %d %s device(s) but the pool only has %d",
					r.Count, r.Class, pool.Count)
			}
			if missing := missingCapabilities(pool.Capabilities, r.Capabilities); missing != "" {
				return validationErrorf(field+".reservations",
					"pool %q lacks capability %q", r.Class, missing)
			}
		}

		for _, mnt := range s.Mounts {
			if _, ok := volumes[mnt.Volume]; !ok {
				return validationErrorf(field+".mounts",
					"volume %q is not declared", mnt.Volume)
			}
		}

		if s.HasProbe() {
			if s.Probe.Target == "" {
				return validationErrorf(field+".probe", "probe requires a target")
			}
			if s.Probe.Interval.Std() <= 0 {
				return validationErrorf(field+".probe", "interval must be positive")
			}
			if s.Probe.MaxWait.Std() <= s.Probe.Interval.Std() {
				return validationErrorf(field+".probe",
					"max_wait must exceed interval")
			}
		}
	}

	keys := make(map[string]string, len(m.Tasks))
	for _, t := range m.Tasks {
		field := fmt.Sprintf("tasks[%s]", t.Name)
		if !services[t.Service] {
			return validationErrorf(field, "unknown target service %q", t.Service)
		}
		key := t.IdempotencyKey()
		if other, dup := keys[key]; dup {
			return validationErrorf(field,
				"idempotency key %q already used by task %q", key, other)
		}
		keys[key] = t.Name
		if t.Retry.MaxAttempts < 1 {
			return validationErrorf(field, "max_attempts must be >= 1")
		}
	}

	return nil
}

// missingCapabilities returns the first required capability the pool does
// not offer, or "" when all are present.
func missingCapabilities(have, want []string) string {
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

// asValidationErrors is a small wrapper so the errors.As target stays
// readable at the call site.
func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
