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
Package manifest defines the declarative stack manifest and its validation.

A manifest enumerates the services that make up a local stack (an inference
runtime, a vector database, a plugin host, a front-end), the persistent
volumes and device pools they draw on, and the one-shot bootstrap tasks to
run once services are ready. Parsing and validation are pure: no file other
than the manifest itself is touched, and no side effects occur.

# Example Manifest

	pools:
	  - class: gpu
	    count: 1
	    capabilities: [compute]

	volumes:
	  - name: model-cache
	    kind: named-persistent
	  - name: pipelines
	    kind: bind-mount
	    source: ./pipelines

	services:
	  - name: ollama
	    runtime:
	      image: docker.io/ollama/ollama:latest
	    restart: on-failure
	    reservations:
	      - class: gpu
	        count: 1
	        capabilities: [compute]
	    mounts:
	      - volume: model-cache
	        path: /root/.ollama
	    probe:
	      kind: http-ok
	      target: http://localhost:11434/api/tags
	      interval: 2s
	      max_wait: 60s

	tasks:
	  - name: pull-model
	    service: ollama
	    key: "pull-model:llama3.2"
	    command: ["ollama", "pull", "llama3.2"]
	    retry:
	      max_attempts: 3
	      initial_backoff: 2s
*/
package manifest

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Enumerations
// =============================================================================

// RestartPolicy controls how a supervisor reacts to a service exit.
type RestartPolicy string

const (
	// RestartNever moves the service to failed (or stopped, on clean exit)
	// without restarting.
	RestartNever RestartPolicy = "never"

	// RestartOnFailure restarts only on non-zero exit, capped by
	// ServiceSpec.MaxRestarts.
	RestartOnFailure RestartPolicy = "on-failure"

	// RestartAlways restarts unconditionally after a backoff delay.
	RestartAlways RestartPolicy = "always"
)

// VolumeKind distinguishes the two supported volume backings.
type VolumeKind string

const (
	// VolumeNamed is a named persistent volume whose backing store
	// outlives any single service lifecycle.
	VolumeNamed VolumeKind = "named-persistent"

	// VolumeBind is a host directory bind mount.
	VolumeBind VolumeKind = "bind-mount"
)

// ProbeKind selects the readiness predicate for a service.
type ProbeKind string

const (
	// ProbeTCP succeeds when a TCP connect to the target succeeds.
	ProbeTCP ProbeKind = "tcp-open"

	// ProbeHTTP succeeds when an HTTP GET of the target returns 2xx.
	ProbeHTTP ProbeKind = "http-ok"

	// ProbeLogPattern succeeds when the service log matches the target
	// regular expression.
	ProbeLogPattern ProbeKind = "log-pattern"

	// ProbeSignal succeeds when the target file exists.
	ProbeSignal ProbeKind = "external-signal"
)

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML strings like "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// =============================================================================
// Specs
// =============================================================================

// PoolSpec declares a finite host device pool (e.g. one GPU).
type PoolSpec struct {
	// Class is the device class name, e.g. "gpu".
	Class string `yaml:"class" validate:"required"`

	// Count is the number of devices in the pool.
	Count int `yaml:"count" validate:"gte=1"`

	// Capabilities the pool's devices provide, e.g. "compute".
	Capabilities []string `yaml:"capabilities"`
}

// VolumeSpec declares a persistent volume.
type VolumeSpec struct {
	// Name is the volume's unique name.
	Name string `yaml:"name" validate:"required"`

	// Kind is named-persistent or bind-mount.
	Kind VolumeKind `yaml:"kind" validate:"required,oneof=named-persistent bind-mount"`

	// Source is the host path for bind mounts. Ignored for named volumes.
	Source string `yaml:"source,omitempty"`

	// Store is an opaque backing-store identifier for named volumes.
	// Empty means the volume name itself.
	Store string `yaml:"store,omitempty"`
}

// RuntimeSpec identifies the runnable unit behind a service: either a
// container image or an invocation command. Exactly one must be set.
type RuntimeSpec struct {
	// Image is a container image reference.
	Image string `yaml:"image,omitempty"`

	// Command is an executable invocation (argv form).
	Command []string `yaml:"command,omitempty"`

	// Env is additional environment in KEY=VALUE form.
	Env []string `yaml:"env,omitempty"`

	// Ports are port publications ("host:container") for container units.
	Ports []string `yaml:"ports,omitempty"`
}

// Reservation requests devices from a pool before the service starts.
type Reservation struct {
	// Class names the device pool to draw from.
	Class string `yaml:"class" validate:"required"`

	// Count is how many devices to reserve.
	Count int `yaml:"count"`

	// Capabilities the reserved devices must provide.
	Capabilities []string `yaml:"capabilities"`

	// Wait blocks the reservation until capacity frees up instead of
	// failing fast with a resource-exhausted error.
	Wait bool `yaml:"wait"`
}

// MountSpec attaches a declared volume to a service path.
type MountSpec struct {
	// Volume names a declared VolumeSpec.
	Volume string `yaml:"volume" validate:"required"`

	// Path is the mount point inside the service.
	Path string `yaml:"path" validate:"required"`
}

// ProbeSpec describes how readiness of a started service is determined.
type ProbeSpec struct {
	// Kind selects the probe predicate.
	Kind ProbeKind `yaml:"kind" validate:"omitempty,oneof=tcp-open http-ok log-pattern external-signal"`

	// Target is kind-specific: "host:port" for tcp-open, a URL for
	// http-ok, a regular expression for log-pattern, a file path for
	// external-signal.
	Target string `yaml:"target,omitempty"`

	// Interval between probe attempts.
	Interval Duration `yaml:"interval,omitempty"`

	// MaxWait bounds the whole probe; elapsing it yields TimedOut.
	MaxWait Duration `yaml:"max_wait,omitempty"`
}

// ServiceSpec declares one service of the stack.
type ServiceSpec struct {
	// Name uniquely identifies the service.
	Name string `yaml:"name" validate:"required"`

	// Runtime is the runnable unit the service wraps.
	Runtime RuntimeSpec `yaml:"runtime"`

	// DependsOn names services that must be ready before this one starts.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Restart is the restart policy. Default: never.
	Restart RestartPolicy `yaml:"restart,omitempty" validate:"omitempty,oneof=never on-failure always"`

	// MaxRestarts caps on-failure restarts before the service is marked
	// failed. Default: 3.
	MaxRestarts int `yaml:"max_restarts,omitempty"`

	// Reservations are device reservations required before start.
	Reservations []Reservation `yaml:"reservations,omitempty"`

	// Mounts attach declared volumes.
	Mounts []MountSpec `yaml:"mounts,omitempty"`

	// Probe determines readiness. Default: tcp probe disabled; a service
	// without a probe is considered ready as soon as its process exists.
	Probe ProbeSpec `yaml:"probe,omitempty"`
}

// RetrySpec is a bootstrap task's retry policy.
type RetrySpec struct {
	// MaxAttempts is the total number of attempts. Default: 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialBackoff is the delay after the first failure. Default: 2s.
	InitialBackoff Duration `yaml:"initial_backoff,omitempty"`

	// MaxBackoff caps the growing delay. Default: 30s.
	MaxBackoff Duration `yaml:"max_backoff,omitempty"`
}

// TaskSpec declares a one-shot idempotent bootstrap task.
type TaskSpec struct {
	// Name identifies the task in reports.
	Name string `yaml:"name" validate:"required"`

	// Service names the target service the task runs against.
	Service string `yaml:"service" validate:"required"`

	// Key is the idempotency key. Empty derives "name:service".
	Key string `yaml:"key,omitempty"`

	// Command is the opaque action to execute (argv form).
	Command []string `yaml:"command" validate:"required,min=1"`

	// Retry is the retry policy for transient failures.
	Retry RetrySpec `yaml:"retry,omitempty"`

	// WaitTimeout bounds the wait for the target service to become
	// ready. Default: 2m.
	WaitTimeout Duration `yaml:"wait_timeout,omitempty"`
}

// Manifest is the parsed, validated root document.
type Manifest struct {
	// Pools declares host device pools.
	Pools []PoolSpec `yaml:"pools,omitempty"`

	// Volumes declares persistent volumes.
	Volumes []VolumeSpec `yaml:"volumes,omitempty"`

	// Services declares the stack's services in declaration order.
	Services []ServiceSpec `yaml:"services" validate:"required,min=1"`

	// Tasks declares one-shot bootstrap tasks.
	Tasks []TaskSpec `yaml:"tasks,omitempty"`
}

// Service returns the named ServiceSpec, or nil if absent.
func (m *Manifest) Service(name string) *ServiceSpec {
	for i := range m.Services {
		if m.Services[i].Name == name {
			return &m.Services[i]
		}
	}
	return nil
}

// Volume returns the named VolumeSpec, or nil if absent.
func (m *Manifest) Volume(name string) *VolumeSpec {
	for i := range m.Volumes {
		if m.Volumes[i].Name == name {
			return &m.Volumes[i]
		}
	}
	return nil
}

// TasksFor returns the tasks targeting the named service, in declaration
// order.
func (m *Manifest) TasksFor(service string) []TaskSpec {
	var out []TaskSpec
	for _, t := range m.Tasks {
		if t.Service == service {
			out = append(out, t)
		}
	}
	return out
}

// IdempotencyKey returns the task's explicit key, or the derived
// "name:service" form when none is declared.
func (t *TaskSpec) IdempotencyKey() string {
	if t.Key != "" {
		return t.Key
	}
	return fmt.Sprintf("%s:%s", t.Name, t.Service)
}

// HasProbe reports whether the service declares a readiness probe.
func (s *ServiceSpec) HasProbe() bool {
	return s.Probe.Kind != ""
}

// IsContainer reports whether the runnable unit is a container image.
func (s *ServiceSpec) IsContainer() bool {
	return s.Runtime.Image != ""
}
