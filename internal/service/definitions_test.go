package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/service"
)

const reviewYAML = `
name: review
description: write then review
policy:
  max_rework_cycles: 2
steps:
  - id: write
    agent_role: coder
    type: task.result.v1
    next:
      approved: check
  - id: check
    agent_role: reviewer
    next:
      approved: done
      rejected: write
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParseDefinition(t *testing.T) {
	def, err := service.ParseDefinition([]byte(reviewYAML))
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "review" || def.Version != 1 || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.Policy.MaxReworkCycles != 2 || def.Steps[1].Next.Rejected != "write" {
		t.Errorf("policy or next not decoded: %+v", def)
	}
	if _, err := service.ParseDefinition([]byte("steps: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "review.yaml", reviewYAML)
	writeFile(t, dir, "review-v2.yml", strings.Replace(reviewYAML, "name: review", "name: review\nversion: 2", 1))
	writeFile(t, dir, "notes.txt", "not a workflow")

	f := newFixture(t)
	n, err := f.engine.LoadDefinitions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 definitions, got %d", n)
	}
	def, err := f.engine.Definition("review")
	if err != nil || def.Version != 2 {
		t.Errorf("expected latest version 2, got %d (%v)", def.Version, err)
	}

	// Reloading skips versions already registered.
	if n, err := f.engine.LoadDefinitions(dir); err != nil || n != 0 {
		t.Errorf("reload: expected 0 new definitions, got %d (%v)", n, err)
	}
}

func TestLoadDefinitionsReportsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", reviewYAML)
	writeFile(t, dir, "broken.yaml", "name: [")
	writeFile(t, dir, "dangling.yaml", `
name: dangling
steps:
  - id: a
    agent_role: coder
    next:
      approved: nowhere
`)

	f := newFixture(t)
	n, err := f.engine.LoadDefinitions(dir)
	if n != 1 {
		t.Errorf("valid file should still load, got %d", n)
	}
	if err == nil || !strings.Contains(err.Error(), "broken.yaml") || !strings.Contains(err.Error(), "dangling.yaml") {
		t.Errorf("expected both invalid files reported, got %v", err)
	}
	if f.engine.HasDefinition("dangling", 1) {
		t.Error("invalid definition must not be registered")
	}
}

func TestLoadDefinitionsMissingDir(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.LoadDefinitions(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWatchDefinitionsHotAdd(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.WatchDefinitions(ctx, dir) }()

	// The watcher may not be registered yet; keep rewriting until it notices.
	deadline := time.Now().Add(3 * time.Second)
	for !f.engine.HasDefinition("review", 1) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("definition was not hot-added")
		}
		writeFile(t, dir, "review.yaml", reviewYAML)
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestBundledDefinitionsLoad(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "workflows", "code-review.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def, err := service.ParseDefinition(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Validate(); err != nil {
		t.Fatal(err)
	}
	// Escalation is only evaluated once the rework cap is reached.
	if p := def.Policy; p.EscalateAfter < p.MaxReworkCycles {
		t.Errorf("escalate_after %d below max_rework_cycles %d never fires on its own", p.EscalateAfter, p.MaxReworkCycles)
	}
}
