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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/bootstrap"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/depgraph"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/probe"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/provision"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/supervise"
	"github.com/AleutianAI/stackup/pkg/logging"
)

// stackupHome returns the state directory, honoring STACKUP_HOME.
func stackupHome() string {
	if home := os.Getenv("STACKUP_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".stackup"
	}
	return filepath.Join(userHome, ".stackup")
}

// resolveManifestPath applies the STACKUP_MANIFEST override when the
// flag was left at its default.
func resolveManifestPath(flagValue string, changed bool) string {
	if !changed {
		if env := os.Getenv("STACKUP_MANIFEST"); env != "" {
			return env
		}
	}
	return flagValue
}

// loadStack parses the manifest and builds the dependency graph.
func loadStack(path string) (*manifest.Manifest, *depgraph.Graph, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := depgraph.Build(m.Services)
	if err != nil {
		return nil, nil, err
	}
	return m, g, nil
}

// newUpCmd builds the up command: full bootstrap, then foreground
// supervision until interrupted.
func newUpCmd(opts *globalOpts) *cobra.Command {
	var timeout time.Duration
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bootstrap the stack and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := stackupHome()
			log := logging.New(logging.Config{
				Level:   logging.ParseLevel(opts.logLevel),
				LogDir:  filepath.Join(home, "logs"),
				Service: "orchestrator",
				Quiet:   opts.quiet,
			})
			defer log.Close()

			path := resolveManifestPath(opts.file, cmd.Flags().Changed("file"))
			m, graph, err := loadStack(path)
			if err != nil {
				return err
			}

			store, err := bootstrap.NewBadgerStore(filepath.Join(home, "markers"))
			if err != nil {
				return err
			}
			defer store.Close()

			procMgr := process.NewDefaultManager()
			runner := supervise.NewDefaultRunner(procMgr, "", filepath.Join(home, "logs", "services"))
			volumes := provision.NewDefaultVolumeManager(procMgr, "")
			prov := provision.NewProvisioner(m.Pools, volumes, log)
			prober := probe.NewDefaultProber(runner.LogPath, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var metrics *stackMetrics
			if metricsAddr != "" {
				metrics = newStackMetrics()
				go metrics.serve(ctx, metricsAddr, log)
			}

			orch := NewOrchestrator(OrchestratorConfig{
				Manifest:    m,
				Graph:       graph,
				Provisioner: prov,
				Runner:      runner,
				Prober:      prober,
				Markers:     store,
				Processes:   procMgr,
				Metrics:     metrics,
				Log:         log,
			})

			upCtx, cancel := context.WithTimeout(ctx, timeout)
			report, upErr := orch.Up(upCtx)
			cancel()
			if metrics != nil {
				metrics.upDuration.Set(time.Since(report.started).Seconds())
			}
			report.Render(cmd.OutOrStdout())
			if upErr != nil {
				return fmt.Errorf("bootstrap failed: %w", upErr)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "stack is up; press Ctrl-C to shut down")
			<-ctx.Done()

			downCtx, cancelDown := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancelDown()
			orch.Down(downCtx)
			fmt.Fprintln(cmd.OutOrStdout(), "stack stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute,
		"overall bootstrap deadline")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// newDownCmd builds the down command: reverse-order shutdown of a stack
// started by a previous up invocation.
func newDownCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the stack's services in reverse dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{
				Level: logging.ParseLevel(opts.logLevel),
				Quiet: opts.quiet,
			})
			path := resolveManifestPath(opts.file, cmd.Flags().Changed("file"))
			m, graph, err := loadStack(path)
			if err != nil {
				return err
			}

			procMgr := process.NewDefaultManager()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, name := range graph.ReverseOrder() {
				svc := m.Service(name)
				if err := stopExternal(ctx, procMgr, svc, log); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s stopped\n", name)
			}
			return nil
		},
	}
}

// stopExternal stops a service started by another stackup process.
func stopExternal(ctx context.Context, procMgr process.Manager, svc *manifest.ServiceSpec, log *logging.Logger) error {
	if svc.IsContainer() {
		name := "stackup-" + svc.Name
		if _, err := procMgr.Run(ctx, "podman", "stop", "-t", "10", name); err != nil {
			if strings.Contains(err.Error(), "no such container") {
				return nil
			}
			return fmt.Errorf("failed to stop container: %w", err)
		}
		return nil
	}

	pattern := strings.Join(svc.Runtime.Command, " ")
	running, pid, err := procMgr.IsRunning(ctx, pattern)
	if err != nil {
		return err
	}
	if !running || pid == 0 {
		return nil
	}
	log.Debug("terminating process", "service", svc.Name, "pid", pid)
	if _, err := procMgr.Run(ctx, "kill", "-TERM", fmt.Sprintf("%d", pid)); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

// newStatusCmd builds the status command: live service states plus the
// recorded bootstrap markers.
func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report service states and completed bootstrap tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveManifestPath(opts.file, cmd.Flags().Changed("file"))
			m, graph, err := loadStack(path)
			if err != nil {
				return err
			}

			procMgr := process.NewDefaultManager()
			ctx := cmd.Context()

			fmt.Fprintln(cmd.OutOrStdout(), "Services:")
			for _, name := range graph.Order() {
				state := externalState(ctx, procMgr, m.Service(name))
				fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s\n", name, state)
			}

			store, err := bootstrap.NewBadgerStore(filepath.Join(stackupHome(), "markers"))
			if err != nil {
				// The store may be locked by a running up; states above
				// are still useful.
				fmt.Fprintf(cmd.OutOrStdout(), "Tasks: marker store unavailable: %v\n", err)
				return nil
			}
			defer store.Close()

			if len(m.Tasks) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Tasks:")
				for _, task := range m.Tasks {
					marker, err := store.Get(task.IdempotencyKey())
					switch {
					case err != nil:
						fmt.Fprintf(cmd.OutOrStdout(), "  %-20s error: %v\n", task.Name, err)
					case marker == nil:
						fmt.Fprintf(cmd.OutOrStdout(), "  %-20s pending\n", task.Name)
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "  %-20s completed %s\n",
							task.Name, marker.CompletedAt.Format(time.RFC3339))
					}
				}
			}
			return nil
		},
	}
}

// externalState reports a coarse running/stopped state for a service
// owned by another process.
func externalState(ctx context.Context, procMgr process.Manager, svc *manifest.ServiceSpec) string {
	if svc.IsContainer() {
		out, err := procMgr.Run(ctx, "podman", "inspect",
			"--format", "{{.State.Status}}", "stackup-"+svc.Name)
		if err != nil {
			return "stopped"
		}
		return strings.TrimSpace(string(out))
	}
	running, _, err := procMgr.IsRunning(ctx, strings.Join(svc.Runtime.Command, " "))
	if err != nil || !running {
		return "stopped"
	}
	return "running"
}
