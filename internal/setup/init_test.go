package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/project"
	"go.uber.org/zap"
)

func TestRun_CreatesProject(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "myproject")

	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(projectDir, stateDirName)); err != nil {
		t.Errorf("state dir missing: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, configFileName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg model.SystemConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Repository.Kind != "memory" {
		t.Errorf("repository kind: got %q", cfg.Repository.Kind)
	}
	if cfg.Daemon.SocketPath == "" {
		t.Error("socket path not set")
	}

	if _, err := os.Stat(filepath.Join(projectDir, "example.yml")); err != nil {
		t.Errorf("example workflow missing: %v", err)
	}
}

func TestRun_ExampleWorkflowLoads(t *testing.T) {
	projectDir := filepath.Join(t.TempDir(), "proj")
	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	store := project.NewStore(projectDir, zap.NewNop())
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	defs := store.List()
	// chidori.yml is configuration, not a workflow.
	if len(defs) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(defs))
	}
	if defs[0].Name != "example" {
		t.Errorf("workflow name: got %q", defs[0].Name)
	}
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(projectDir); err == nil {
		t.Fatal("expected error for existing config")
	}
}

func TestRun_KeepsExistingWorkflows(t *testing.T) {
	projectDir := t.TempDir()
	existing := filepath.Join(projectDir, "mine.yml")
	if err := os.WriteFile(existing, []byte("mine:\n  +a:\n    echo>: hi\n"), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	if err := Run(projectDir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(projectDir, "example.yml")); !os.IsNotExist(err) {
		t.Error("example workflow should not be written next to existing workflows")
	}
}
