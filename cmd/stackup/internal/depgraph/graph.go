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
Package depgraph builds the service dependency graph and its start order.

The graph is built once from a validated manifest, before any service is
started. The topological order is deterministic: ties are broken by
declaration order so repeated runs of the same manifest always start
services in the same sequence.
*/
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
)

// ErrCycle is the sentinel wrapped by CyclicDependencyError.
var ErrCycle = errors.New("cyclic dependency")

// CyclicDependencyError reports a dependency cycle.
//
// Members lists services participating in a cycle, in declaration order.
type CyclicDependencyError struct {
	Members []string
}

// Error implements error.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency involving: %s", strings.Join(e.Members, ", "))
}

// Unwrap makes errors.Is(err, ErrCycle) true.
func (e *CyclicDependencyError) Unwrap() error {
	return ErrCycle
}

// Graph is an immutable service dependency graph.
//
// # Thread Safety
//
// Safe for concurrent reads after Build returns.
type Graph struct {
	order      []string
	deps       map[string][]string // service -> direct dependencies
	dependents map[string][]string // service -> direct dependents
	index      map[string]int      // declaration order
}

// Build converts the manifest's depends_on relations into a DAG.
//
// # Description
//
// Runs Kahn's algorithm over the declared services. Each ready set is
// drained in declaration order, producing a deterministic topological
// order. If any services remain when the ready set empties, those
// remaining services form (or feed) a cycle and Build fails with
// *CyclicDependencyError naming them.
//
// # Inputs
//
//   - services: Validated ServiceSpecs (references already resolved)
//
// # Outputs
//
//   - *Graph: Immutable graph with deterministic Order
//   - error: *CyclicDependencyError when a cycle exists
//
// # Examples
//
//	g, err := depgraph.Build(m.Services)
//	if err != nil {
//	    var cyc *depgraph.CyclicDependencyError
//	    if errors.As(err, &cyc) {
//	        fmt.Println("cycle:", cyc.Members)
//	    }
//	}
func Build(services []manifest.ServiceSpec) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(services)),
		dependents: make(map[string][]string, len(services)),
		index:      make(map[string]int, len(services)),
	}

	for i, svc := range services {
		g.index[svc.Name] = i
		g.deps[svc.Name] = append([]string(nil), svc.DependsOn...)
		for _, dep := range svc.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], svc.Name)
		}
	}

	indegree := make(map[string]int, len(services))
	for name, deps := range g.deps {
		indegree[name] = len(deps)
	}

	ready := make([]string, 0, len(services))
	for _, svc := range services {
		if indegree[svc.Name] == 0 {
			ready = append(ready, svc.Name)
		}
	}

	order := make([]string, 0, len(services))
	for len(ready) > 0 {
		// Declaration order keeps runs reproducible.
		sort.Slice(ready, func(a, b int) bool {
			return g.index[ready[a]] < g.index[ready[b]]
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range g.dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(services) {
		var members []string
		for _, svc := range services {
			if indegree[svc.Name] > 0 {
				members = append(members, svc.Name)
			}
		}
		return nil, &CyclicDependencyError{Members: members}
	}

	g.order = order
	return g, nil
}

// Order returns the deterministic topological start order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// ReverseOrder returns the shutdown order: dependents before the services
// they depend on.
func (g *Graph) ReverseOrder() []string {
	out := make([]string, len(g.order))
	for i, name := range g.order {
		out[len(g.order)-1-i] = name
	}
	return out
}

// Dependencies returns the direct dependencies of the named service.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns all transitive dependents of the named service, the
// set affected by fail-fast propagation. Results are in declaration
// order.
func (g *Graph) Dependents(name string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				visit(d)
			}
		}
	}
	visit(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return g.index[out[a]] < g.index[out[b]] })
	return out
}

// Contains reports whether the named service is part of the graph.
func (g *Graph) Contains(name string) bool {
	_, ok := g.index[name]
	return ok
}
