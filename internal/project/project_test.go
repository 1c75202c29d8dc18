package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const dailyWf = `
daily_load:
  +extract:
    echo>: extracting
  +load:
    echo>: loading
`

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "daily_load.yml", dailyWf)
	writeFile(t, dir, "hourly.yaml", "hourly:\n  +tick:\n    echo>: tick\n")
	writeFile(t, dir, "notes.txt", "not a workflow")

	s := NewStore(dir, zap.NewNop())
	require.NoError(t, s.Load())

	assert.Equal(t, 1, s.Revision())
	def, ok := s.Get("daily_load")
	require.True(t, ok)
	assert.Equal(t, 1, def.Revision)
	assert.True(t, def.Config.Has("+extract"))

	_, ok = s.Get("notes")
	assert.False(t, ok)
	assert.Len(t, s.List(), 2)
}

func TestReloadBumpsRevision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wf.yml", "wf:\n  +a:\n    echo>: one\n")

	s := NewStore(dir, zap.NewNop())
	require.NoError(t, s.Load())

	writeFile(t, dir, "wf.yml", "wf:\n  +a:\n    echo>: changed\n")
	require.NoError(t, s.Load())

	assert.Equal(t, 2, s.Revision())
	def, ok := s.Get("wf")
	require.True(t, ok)
	assert.Equal(t, 2, def.Revision)
}

func TestLoadRejectsMultipleRootKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "two.yml", "one:\n  +a:\n    echo>: x\ntwo:\n  +b:\n    echo>: y\n")

	s := NewStore(dir, zap.NewNop())
	assert.Error(t, s.Load())
}

func TestLoadRejectsDuplicateWorkflowNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yml", "wf:\n  +a:\n    echo>: x\n")
	writeFile(t, dir, "b.yml", "wf:\n  +b:\n    echo>: y\n")

	s := NewStore(dir, zap.NewNop())
	assert.Error(t, s.Load())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wf.yml", "wf:\n  +a:\n    echo>: one\n")

	s := NewStore(dir, zap.NewNop())
	require.NoError(t, s.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()

	// give the watcher time to register before writing
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "extra.yml", "extra:\n  +b:\n    echo>: two\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("extra"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher did not pick up the new workflow file")
}
