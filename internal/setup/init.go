// Package setup scaffolds a new chidori project directory.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/utsubo/chidori/internal/model"
	atomicyaml "github.com/utsubo/chidori/internal/yaml"
)

const (
	configFileName = "chidori.yml"
	stateDirName   = ".chidori"
)

const exampleWorkflow = `example:
  +setup:
    echo>: setting up

  +load:
    _parallel: true
    +one:
      echo>: loading part one
    +two:
      echo>: loading part two

  +teardown:
    echo>: done
`

// Run initializes projectDir with a configuration file, a state directory,
// and an example workflow. It refuses to touch a directory that already has
// a configuration.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	configPath := filepath.Join(absDir, configFileName)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	if err := os.MkdirAll(filepath.Join(absDir, stateDirName), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	cfg := model.DefaultSystemConfig()
	cfg.Project.Dir = absDir
	cfg.Daemon.SocketPath = filepath.Join(absDir, stateDirName, "daemon.sock")
	if err := atomicyaml.AtomicWrite(configPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if !hasWorkflowFiles(absDir) {
		examplePath := filepath.Join(absDir, "example.yml")
		if err := atomicyaml.AtomicWriteRaw(examplePath, []byte(exampleWorkflow)); err != nil {
			return fmt.Errorf("write example workflow: %w", err)
		}
	}
	return nil
}

func hasWorkflowFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if (ext == ".yml" || ext == ".yaml") && entry.Name() != configFileName {
			return true
		}
	}
	return false
}
