package model

import (
	"testing"

	"github.com/utsubo/chidori/internal/config"
)

func TestNewTaskConfigSplitsExport(t *testing.T) {
	cfg := config.New()
	cfg.Set("echo>", "hello")
	exp := config.New()
	exp.Set("region", "us-east-1")
	cfg.Set("_export", exp)

	tc := NewTaskConfig(cfg)
	if tc.Local.Has("_export") {
		t.Error("_export should be removed from local config")
	}
	if got := tc.Export.GetStringOr("region", ""); got != "us-east-1" {
		t.Errorf("export region = %q", got)
	}
	if !cfg.Has("_export") {
		t.Error("input config must not be mutated")
	}
}

func TestTaskConfigMergedLocalWins(t *testing.T) {
	cfg := config.New()
	cfg.Set("key", "local")
	exp := config.New()
	exp.Set("key", "export")
	exp.Set("other", "export-only")
	cfg.Set("_export", exp)

	tc := NewTaskConfig(cfg)
	merged := tc.Merged()
	if got := merged.GetStringOr("key", ""); got != "local" {
		t.Errorf("merged key = %q, want local", got)
	}
	if got := merged.GetStringOr("other", ""); got != "export-only" {
		t.Errorf("merged other = %q", got)
	}
}

func TestTaskConfigErrorAndCheck(t *testing.T) {
	cfg := config.New()
	errCfg := config.New()
	errCfg.Set("echo>", "failed")
	cfg.Set("_error", errCfg)

	tc := NewTaskConfig(cfg)
	if tc.ErrorConfig().IsEmpty() {
		t.Error("expected non-empty _error config")
	}
	if !tc.CheckConfig().IsEmpty() {
		t.Error("expected empty _check config")
	}
}

func TestTaskRelationCopiesUpstreams(t *testing.T) {
	parent := int64(1)
	task := Task{ID: 3, ParentID: &parent, Upstreams: []int64{2}}
	rel := task.Relation()
	rel.Upstreams[0] = 99
	if task.Upstreams[0] != 2 {
		t.Error("Relation must not alias the task's upstream slice")
	}
}

func TestResumingTaskFromCopiesConfigs(t *testing.T) {
	local := config.New()
	local.Set("echo>", "done")
	task := Task{
		ID:       7,
		FullName: "+wf+step",
		Config:   TaskConfig{Local: local, Export: config.New()},
		ExportParams: func() *config.Config {
			c := config.New()
			c.Set("out", int64(1))
			return c
		}(),
		StoreParams: config.New(),
		Report:      config.New(),
		Error:       config.New(),
	}
	rt := ResumingTaskFrom(task)
	rt.ExportParams.Set("out", int64(2))
	if got := task.ExportParams.GetIntOr("out", 0); got != 1 {
		t.Error("ResumingTaskFrom must deep-copy params")
	}
	if rt.FullName != "+wf+step" {
		t.Errorf("full name = %q", rt.FullName)
	}
}
