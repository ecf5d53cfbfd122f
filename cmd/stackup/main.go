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
Stackup brings a declared multi-service stack to a ready state with one
command.

A YAML manifest declares services (container images or plain commands),
their dependency edges, persistent volumes, finite device pools, and
one-shot bootstrap tasks. "stackup up" validates the manifest, starts
independent services in parallel while honoring dependency order, waits
for each service's readiness probe, runs idempotent bootstrap tasks, and
supervises the stack until interrupted. "stackup down" tears it back
down in reverse order; "stackup status" reports what is running.

Usage:

	stackup up -f stack.yaml
	stackup status
	stackup down
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// globalOpts carries flags shared by every subcommand.
type globalOpts struct {
	file     string
	logLevel string
	quiet    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	root := &cobra.Command{
		Use:           "stackup",
		Short:         "Declarative bootstrap for local AI service stacks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&opts.file, "file", "f", "stack.yaml",
		"manifest file (or set STACKUP_MANIFEST)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info",
		"log level: debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false,
		"suppress log output on stderr")

	root.AddCommand(newUpCmd(opts))
	root.AddCommand(newDownCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
