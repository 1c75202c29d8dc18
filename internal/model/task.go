package model

import (
	"time"

	"github.com/utsubo/chidori/internal/config"
)

// TaskType distinguishes leaf actions from pure grouping containers. A task
// is exactly one of the two; a node that tries to be both is a compile error.
type TaskType string

const (
	TaskTypeAction   TaskType = "action"
	TaskTypeGrouping TaskType = "grouping"
)

// TaskSpec is the compiler's output for a single task, before persistence.
// Index 0 is always the workflow root. ParentIndex and UpstreamIndexes refer
// to earlier entries of the same compiled list.
type TaskSpec struct {
	Index           int
	Name            string
	FullName        string
	ParentIndex     *int
	UpstreamIndexes []int
	Type            TaskType
	Config          *config.Config
}

// TaskConfig is a task's own configuration split into the local part and the
// exported (`_export`) part. The exported part becomes visible to descendant
// tasks when effective parameters are collected.
type TaskConfig struct {
	Local  *config.Config
	Export *config.Config
}

// NewTaskConfig splits cfg into local and export parts. The input is not
// mutated.
func NewTaskConfig(cfg *config.Config) TaskConfig {
	local := cfg.DeepCopy()
	export := local.NestedOrEmpty("_export")
	local.Remove("_export")
	return TaskConfig{Local: local, Export: export}
}

// Merged returns export and local merged, local values winning.
func (tc TaskConfig) Merged() *config.Config {
	out := tc.Export.DeepCopy()
	out.Merge(tc.Local)
	return out
}

// ErrorConfig returns the `_error` subtree of the local config, or an empty
// Config.
func (tc TaskConfig) ErrorConfig() *config.Config {
	return tc.Local.NestedOrEmpty("_error")
}

// CheckConfig returns the `_check` subtree of the local config, or an empty
// Config.
func (tc TaskConfig) CheckConfig() *config.Config {
	return tc.Local.NestedOrEmpty("_check")
}

// TaskFlags are sticky markers on a task. They are set at most once and never
// cleared within an attempt.
type TaskFlags struct {
	// InitialTask marks tasks created at attempt submission, as opposed to
	// generated subtasks. Group retry re-inserts only initial tasks.
	InitialTask bool
	// CancelRequested asks the task to stop as soon as the state machine
	// allows.
	CancelRequested bool
	// DelayedError defers an action error until the task's generated
	// `_error` children have finished.
	DelayedError bool
	// DelayedGroupError defers a group error until the group's `_error`
	// children have finished.
	DelayedGroupError bool
}

// Task is a persisted runtime node of an attempt's task graph.
type Task struct {
	ID        int64
	AttemptID int64
	// ParentID is nil only for the attempt's root task.
	ParentID *int64
	// Upstreams are same-parent sibling tasks that must succeed before this
	// task may leave blocked.
	Upstreams []int64
	FullName  string
	Type      TaskType
	State     TaskState
	Flags     TaskFlags
	Config    TaskConfig
	// StateParams is opaque operator state carried across polling retries.
	StateParams *config.Config
	// ExportParams / StoreParams / Report are outputs applied when the task
	// finishes.
	ExportParams     *config.Config
	StoreParams      *config.Config
	ResetStoreParams []string
	Report           *config.Config
	Error            *config.Config
	RetryAt          *time.Time
	RetryCount       int
	StartedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Relation projects the task down to the fields the dependency tree index
// needs. The projection is deliberately tiny so the index can be rebuilt per
// reconciliation pass without loading config blobs.
func (t *Task) Relation() TaskRelation {
	return TaskRelation{ID: t.ID, ParentID: t.ParentID, Upstreams: append([]int64(nil), t.Upstreams...)}
}

// Clone returns a copy that shares nothing with the receiver.
func (t Task) Clone() Task {
	out := t
	if t.ParentID != nil {
		v := *t.ParentID
		out.ParentID = &v
	}
	out.Upstreams = append([]int64(nil), t.Upstreams...)
	out.Config = TaskConfig{Local: t.Config.Local.DeepCopy(), Export: t.Config.Export.DeepCopy()}
	out.StateParams = t.StateParams.DeepCopy()
	out.ExportParams = t.ExportParams.DeepCopy()
	out.StoreParams = t.StoreParams.DeepCopy()
	out.ResetStoreParams = append([]string(nil), t.ResetStoreParams...)
	out.Report = t.Report.DeepCopy()
	out.Error = t.Error.DeepCopy()
	if t.RetryAt != nil {
		v := *t.RetryAt
		out.RetryAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	return out
}

// TaskRelation is the (id, parent, upstreams) triple the dependency tree
// index is built from.
type TaskRelation struct {
	ID        int64
	ParentID  *int64
	Upstreams []int64
}

// ResumingTask is a snapshot of a previously successful task's outputs,
// re-attached to a new attempt instead of re-executing the task.
type ResumingTask struct {
	SourceTaskID     int64
	FullName         string
	Config           TaskConfig
	SubtaskConfig    *config.Config
	ExportParams     *config.Config
	StoreParams      *config.Config
	ResetStoreParams []string
	Report           *config.Config
	Error            *config.Config
	UpdatedAt        time.Time
}

// ResumingTaskFrom builds a ResumingTask from a finished task row.
func ResumingTaskFrom(t Task) ResumingTask {
	return ResumingTask{
		SourceTaskID:     t.ID,
		FullName:         t.FullName,
		Config:           TaskConfig{Local: t.Config.Local.DeepCopy(), Export: t.Config.Export.DeepCopy()},
		SubtaskConfig:    config.New(),
		ExportParams:     t.ExportParams.DeepCopy(),
		StoreParams:      t.StoreParams.DeepCopy(),
		ResetStoreParams: append([]string(nil), t.ResetStoreParams...),
		Report:           t.Report.DeepCopy(),
		Error:            t.Error.DeepCopy(),
		UpdatedAt:        t.UpdatedAt,
	}
}

// TaskResult is what an operator (or the agent on its behalf) reports for a
// succeeded task.
type TaskResult struct {
	ExportParams     *config.Config
	StoreParams      *config.Config
	ResetStoreParams []string
	// SubtaskConfig, when non-empty, is compiled and inserted as generated
	// children of the reporting task.
	SubtaskConfig *config.Config
	Report        *config.Config
}

// EmptyTaskResult returns a result with all parts empty.
func EmptyTaskResult() TaskResult {
	return TaskResult{
		ExportParams:  config.New(),
		StoreParams:   config.New(),
		SubtaskConfig: config.New(),
		Report:        config.New(),
	}
}
