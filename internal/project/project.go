// Package project loads workflow definitions from a project directory and
// keeps them current while the daemon runs.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
)

// Definition is one loadable workflow. Attempts hold on to the Config they
// were submitted with, so a reload never changes running work.
type Definition struct {
	Name     string
	Revision int
	Config   *config.Config
}

// Store holds the current revision of all definitions in a directory.
type Store struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	revision int
	defs     map[string]Definition
}

func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]Definition),
	}
}

// Load scans the project directory and replaces the current revision. Each
// *.yml or *.yaml file defines one workflow; the single root key names it.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read project dir %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	revision := s.revision + 1
	defs := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		name, cfg, err := loadDefinition(path)
		if err != nil {
			return err
		}
		if _, ok := defs[name]; ok {
			return fmt.Errorf("workflow %q defined twice in %s", name, s.dir)
		}
		defs[name] = Definition{Name: name, Revision: revision, Config: cfg}
	}
	s.revision = revision
	s.defs = defs
	s.logger.Info("project loaded",
		zap.String("dir", s.dir),
		zap.Int("revision", revision),
		zap.Int("workflows", len(defs)))
	return nil
}

// Get returns the named workflow's current definition.
func (s *Store) Get(name string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (s *Store) List() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Revision returns the current revision id.
func (s *Store) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Watch reloads the store on file changes until ctx is done. A failed
// reload keeps the previous revision.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isWorkflowFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if err := s.Load(); err != nil {
					s.logger.Error("project reload failed", zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("project watcher error", zap.Error(err))
		}
	}
}

func isWorkflowFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	// The system configuration lives next to the workflow files.
	if name == "chidori.yml" {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func loadDefinition(path string) (string, *config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := config.ParseYAML(data)
	if err != nil {
		return "", nil, fmt.Errorf("parse %s: %w", path, err)
	}
	keys := cfg.Keys()
	if len(keys) != 1 {
		return "", nil, fmt.Errorf("%s must define exactly one workflow, found %d root keys", path, len(keys))
	}
	name := keys[0]
	body, ok := cfg.Nested(name)
	if !ok {
		return "", nil, fmt.Errorf("%s: workflow %q must be a mapping", path, name)
	}
	return name, body, nil
}
