// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package depgraph

import (
	"errors"
	"testing"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
)

func specs(entries ...[2]interface{}) []manifest.ServiceSpec {
	out := make([]manifest.ServiceSpec, 0, len(entries))
	for _, e := range entries {
		out = append(out, manifest.ServiceSpec{
			Name:      e[0].(string),
			DependsOn: e[1].([]string),
		})
	}
	return out
}

func TestBuildProducesTopologicalOrder(t *testing.T) {
	g, err := Build(specs(
		[2]interface{}{"frontend", []string{"orchestrator"}},
		[2]interface{}{"ollama", []string(nil)},
		[2]interface{}{"weaviate", []string(nil)},
		[2]interface{}{"orchestrator", []string{"ollama", "weaviate"}},
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	order := g.Order()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}

	// Every depends_on edge must be respected.
	if pos["orchestrator"] < pos["ollama"] || pos["orchestrator"] < pos["weaviate"] {
		t.Errorf("orchestrator ordered before its dependencies: %v", order)
	}
	if pos["frontend"] < pos["orchestrator"] {
		t.Errorf("frontend ordered before orchestrator: %v", order)
	}
}

func TestBuildBreaksTiesByDeclarationOrder(t *testing.T) {
	g, err := Build(specs(
		[2]interface{}{"b", []string(nil)},
		[2]interface{}{"a", []string(nil)},
		[2]interface{}{"c", []string{"a", "b"}},
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"b", "a", "c"}
	got := g.Order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected deterministic order %v, got %v", want, got)
		}
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	_, err := Build(specs(
		[2]interface{}{"a", []string{"c"}},
		[2]interface{}{"b", []string{"a"}},
		[2]interface{}{"c", []string{"b"}},
	))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
	if len(cyc.Members) == 0 {
		t.Error("cycle error should name at least one member")
	}
	found := false
	for _, m := range cyc.Members {
		if m == "a" || m == "b" || m == "c" {
			found = true
		}
	}
	if !found {
		t.Errorf("cycle members should include cycle participants, got %v", cyc.Members)
	}
}

func TestBuildDetectsPartialCycle(t *testing.T) {
	// "standalone" is fine; a<->b cycle must still be reported.
	_, err := Build(specs(
		[2]interface{}{"standalone", []string(nil)},
		[2]interface{}{"a", []string{"b"}},
		[2]interface{}{"b", []string{"a"}},
	))
	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	for _, m := range cyc.Members {
		if m == "standalone" {
			t.Errorf("standalone service wrongly reported as cycle member: %v", cyc.Members)
		}
	}
}

func TestDependentsIsTransitive(t *testing.T) {
	g, err := Build(specs(
		[2]interface{}{"a", []string(nil)},
		[2]interface{}{"b", []string{"a"}},
		[2]interface{}{"c", []string{"b"}},
		[2]interface{}{"d", []string(nil)},
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	deps := g.Dependents("a")
	if len(deps) != 2 || deps[0] != "b" || deps[1] != "c" {
		t.Errorf("expected transitive dependents [b c], got %v", deps)
	}
	if len(g.Dependents("d")) != 0 {
		t.Errorf("expected no dependents for d")
	}
}

func TestReverseOrderInvertsStartOrder(t *testing.T) {
	g, err := Build(specs(
		[2]interface{}{"a", []string(nil)},
		[2]interface{}{"b", []string{"a"}},
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	rev := g.ReverseOrder()
	if rev[0] != "b" || rev[1] != "a" {
		t.Errorf("expected [b a], got %v", rev)
	}
}
