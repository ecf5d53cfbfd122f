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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/supervise"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// stackMetrics instruments a run with Prometheus collectors.
type stackMetrics struct {
	registry *prometheus.Registry

	serviceState *prometheus.GaugeVec
	restarts     *prometheus.CounterVec
	taskOutcomes *prometheus.CounterVec
	upDuration   prometheus.Gauge
}

// stateValue encodes lifecycle states as gauge values for dashboards.
func stateValue(state supervise.State) float64 {
	switch state {
	case supervise.StatePending:
		return 0
	case supervise.StateStarting:
		return 1
	case supervise.StateReady:
		return 2
	case supervise.StateDegraded:
		return 3
	case supervise.StateStopped:
		return 4
	case supervise.StateFailed:
		return 5
	default:
		return -1
	}
}

// newStackMetrics creates and registers the run's collectors.
func newStackMetrics() *stackMetrics {
	m := &stackMetrics{
		registry: prometheus.NewRegistry(),
		serviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackup_service_state",
			Help: "Current service lifecycle state (0=pending 1=starting 2=ready 3=degraded 4=stopped 5=failed).",
		}, []string{"service"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackup_service_restarts_total",
			Help: "Service restarts applied by the supervisor.",
		}, []string{"service"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackup_tasks_total",
			Help: "Bootstrap task runs by outcome.",
		}, []string{"task", "outcome"}),
		upDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackup_up_duration_seconds",
			Help: "Wall time of the last up run.",
		}),
	}
	m.registry.MustRegister(m.serviceState, m.restarts, m.taskOutcomes, m.upDuration)
	return m
}

// observeEvent updates collectors from a supervisor event.
func (m *stackMetrics) observeEvent(ev supervise.Event) {
	m.serviceState.WithLabelValues(ev.Service).Set(stateValue(ev.State))
	if ev.State == supervise.StateDegraded {
		m.restarts.WithLabelValues(ev.Service).Inc()
	}
}

// observeTask counts one task outcome.
func (m *stackMetrics) observeTask(task, outcome string) {
	m.taskOutcomes.WithLabelValues(task, outcome).Inc()
}

// serve exposes /metrics on addr until ctx is cancelled.
func (m *stackMetrics) serve(ctx context.Context, addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", "error", err)
	}
}
