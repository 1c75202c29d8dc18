package control

import (
	"fmt"

	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

// StoreInitialTasks seeds an attempt's task graph from compiled specs.
// Specs whose full name matches a resuming task are inserted directly as
// Success, carrying the previous attempt's outputs instead of re-running.
// Returns the root task id.
func (c *TaskControl) StoreInitialTasks(attemptID int64, specs []model.TaskSpec, resuming []model.ResumingTask) (int64, error) {
	count, err := c.tx.CountTasks(attemptID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, fmt.Errorf("attempt %d already has tasks: %w", attemptID, repo.ErrConflict)
	}
	if len(specs) == 0 {
		return 0, fmt.Errorf("empty task list")
	}

	// first entry per full name wins
	resumingByName := make(map[string]model.ResumingTask, len(resuming))
	for _, rt := range resuming {
		if _, ok := resumingByName[rt.FullName]; !ok {
			resumingByName[rt.FullName] = rt
		}
	}
	if _, ok := resumingByName[specs[0].FullName]; ok {
		return 0, fmt.Errorf("%q: %w", specs[0].FullName, ErrResumingRoot)
	}

	idByIndex := make(map[int]int64, len(specs))
	var rootID int64
	for _, spec := range specs {
		task := taskFromSpec(attemptID, spec, idByIndex)
		task.Flags.InitialTask = true
		if spec.ParentIndex == nil {
			if spec.Type == model.TaskTypeGrouping {
				task.State = model.TaskPlanned
			} else {
				task.State = model.TaskReady
			}
		} else if rt, ok := resumingByName[spec.FullName]; ok {
			task.State = model.TaskSuccess
			task.Config = model.TaskConfig{Local: rt.Config.Local.DeepCopy(), Export: rt.Config.Export.DeepCopy()}
			task.ExportParams = rt.ExportParams.DeepCopy()
			task.StoreParams = rt.StoreParams.DeepCopy()
			task.ResetStoreParams = append([]string(nil), rt.ResetStoreParams...)
			task.Report = rt.Report.DeepCopy()
			task.Error = rt.Error.DeepCopy()
		} else {
			task.State = model.TaskBlocked
		}
		inserted, err := c.tx.InsertTask(task)
		if err != nil {
			return 0, err
		}
		idByIndex[spec.Index] = inserted.ID
		if spec.ParentIndex == nil {
			rootID = inserted.ID
		}
	}
	return rootID, nil
}

// AddGeneratedSubtasks inserts a compiled subtree under parent, for dynamic
// subtasks, _error tasks, and _check tasks. The subtree root's upstreams are
// rootUpstreamIDs. The task count limit is checked before anything is
// inserted, so a refused subtree inserts no tasks at all.
func (c *TaskControl) AddGeneratedSubtasks(parent model.Task, specs []model.TaskSpec, rootUpstreamIDs []int64, maxTasks int) (int64, error) {
	count, err := c.tx.CountTasks(parent.AttemptID)
	if err != nil {
		return 0, err
	}
	if maxTasks > 0 && count+len(specs) > maxTasks {
		return 0, fmt.Errorf("attempt %d: %w", parent.AttemptID, ErrTaskLimitExceeded)
	}

	idByIndex := make(map[int]int64, len(specs))
	var subRootID int64
	for _, spec := range specs {
		task := taskFromSpec(parent.AttemptID, spec, idByIndex)
		task.State = model.TaskBlocked
		task.Flags.CancelRequested = parent.Flags.CancelRequested
		if spec.ParentIndex == nil {
			task.ParentID = &parent.ID
			task.Upstreams = append([]int64(nil), rootUpstreamIDs...)
		}
		inserted, err := c.tx.InsertTask(task)
		if err != nil {
			return 0, err
		}
		idByIndex[spec.Index] = inserted.ID
		if spec.ParentIndex == nil {
			subRootID = inserted.ID
		}
	}
	return subRootID, nil
}

// CopyInitialTasksForRetry re-inserts fresh blocked copies of a group's
// initial descendant tasks, translating parent and upstream references
// through an old-to-new id mapping. The group task itself is not copied.
func (c *TaskControl) CopyInitialTasksForRetry(group model.Task, descendantIDs []int64) error {
	inSubtree := make(map[int64]bool, len(descendantIDs))
	for _, id := range descendantIDs {
		inSubtree[id] = true
	}

	idMap := make(map[int64]int64)
	for _, oldID := range descendantIDs { // ascending id order
		old, err := c.tx.GetTask(oldID)
		if err != nil {
			return err
		}
		if !old.Flags.InitialTask {
			continue
		}
		task := model.Task{
			AttemptID:   old.AttemptID,
			FullName:    old.FullName,
			Type:        old.Type,
			State:       model.TaskBlocked,
			Flags:       model.TaskFlags{InitialTask: true},
			Config:      model.TaskConfig{Local: old.Config.Local.DeepCopy(), Export: old.Config.Export.DeepCopy()},
			StateParams: old.StateParams.DeepCopy(),
		}
		if old.ParentID != nil {
			parentID := *old.ParentID
			if newID, ok := idMap[parentID]; ok {
				parentID = newID
			}
			task.ParentID = &parentID
		}
		for _, up := range old.Upstreams {
			if newID, ok := idMap[up]; ok {
				up = newID
			}
			task.Upstreams = append(task.Upstreams, up)
		}
		inserted, err := c.tx.InsertTask(task)
		if err != nil {
			return err
		}
		idMap[oldID] = inserted.ID
	}
	return nil
}

func taskFromSpec(attemptID int64, spec model.TaskSpec, idByIndex map[int]int64) model.Task {
	task := model.Task{
		AttemptID: attemptID,
		FullName:  spec.FullName,
		Type:      spec.Type,
		Config:    model.NewTaskConfig(spec.Config),
	}
	if spec.ParentIndex != nil {
		if id, ok := idByIndex[*spec.ParentIndex]; ok {
			task.ParentID = &id
		}
	}
	for _, upIdx := range spec.UpstreamIndexes {
		if id, ok := idByIndex[upIdx]; ok {
			task.Upstreams = append(task.Upstreams, id)
		}
	}
	return task
}
