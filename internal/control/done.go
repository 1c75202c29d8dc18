package control

import (
	"errors"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/workflow"
)

// AnyProgressibleChild reports whether any child of the planned group can
// still make progress: either the child is in a progressing state, or it is
// blocked with every upstream successful. A blocked child behind a failed
// upstream can never run and does not keep the group open.
func (c *TaskControl) AnyProgressibleChild(task model.Task) (bool, error) {
	children, err := c.tx.ListChildren(task.ID)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.State.Progressing() {
			return true, nil
		}
		if child.State != model.TaskBlocked {
			continue
		}
		runnable, err := c.allUpstreamsSuccessful(child)
		if err != nil {
			return false, err
		}
		if runnable {
			return true, nil
		}
	}
	return false, nil
}

func (c *TaskControl) allUpstreamsSuccessful(task model.Task) (bool, error) {
	for _, upID := range task.Upstreams {
		up, err := c.tx.GetTask(upID)
		if err != nil {
			return false, err
		}
		if up.State != model.TaskSuccess {
			return false, nil
		}
	}
	return true, nil
}

// latestChildren keeps only the newest task per full name. A group retry
// inserts fresh copies with the same full names; only the newest copy
// decides the group's fate.
func latestChildren(children []model.Task) []model.Task {
	latest := make(map[string]model.Task, len(children))
	for _, child := range children {
		if cur, ok := latest[child.FullName]; !ok || child.ID > cur.ID {
			latest[child.FullName] = child
		}
	}
	out := children[:0]
	for _, child := range children {
		if latest[child.FullName].ID == child.ID {
			out = append(out, child)
		}
	}
	return out
}

func (c *TaskControl) errorChildren(task model.Task) ([]model.Task, error) {
	children, err := c.tx.ListChildren(task.ID)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for _, child := range latestChildren(children) {
		if child.State == model.TaskError || child.State == model.TaskGroupError {
			out = append(out, child)
		}
	}
	return out, nil
}

// SetDoneFromDoneChildren finishes a planned group once none of its
// children can progress. The outcome, in precedence order: Canceled when
// cancel was requested; Error/GroupError when a deferred failure is
// flagged; a group retry when children failed and _retry allows another
// round; otherwise GroupError, with the group's _error subtree and the
// root's failure alert run first when they fit under the task count limit;
// Success when all children succeeded.
// Returns true when the task changed state or grew _error children.
func (c *TaskControl) SetDoneFromDoneChildren(task model.Task, maxTasks int) (bool, error) {
	if task.State != model.TaskPlanned {
		return false, nil
	}
	if task.Flags.CancelRequested {
		return c.SetToCanceled(task.ID, model.TaskPlanned)
	}
	if task.Flags.DelayedError {
		return c.SetPlannedToError(task.ID)
	}
	if task.Flags.DelayedGroupError {
		return c.SetPlannedToGroupError(task.ID)
	}

	errChildren, err := c.errorChildren(task)
	if err != nil {
		return false, err
	}
	if len(errChildren) == 0 {
		return c.SetPlannedToSuccess(task.ID)
	}

	if rc, ok := ParseRetry(task.Config.Local); ok {
		if interval, allowed := rc.Evaluate(task.RetryCount); allowed {
			return c.SetPlannedToGroupRetryWaiting(task.ID, interval)
		}
	}

	errorParams := collectChildErrors(errChildren)
	added, err := c.AddErrorTasks(task, errorParams, maxTasks)
	if err == nil && task.ParentID == nil {
		// the root alerts on failure alongside any _error tasks
		if err = c.AddFailureAlertTask(task, maxTasks); err == nil {
			added = true
		}
	}
	if err != nil {
		var cfgErr *workflow.ConfigError
		if !errors.Is(err, ErrTaskLimitExceeded) && !errors.As(err, &cfgErr) {
			return false, err
		}
		// no room for the recovery tasks (or they do not compile), fail
		// the group directly
		return c.SetPlannedToGroupError(task.ID)
	}
	if added {
		return c.SetPlannedToPlannedWithDelayedGroupError(task.ID)
	}
	return c.SetPlannedToGroupError(task.ID)
}

// AddErrorTasks compiles and inserts the task's _error subtree. The failure
// details are exposed to the error tasks as the "error" export parameter.
// Returns false when the task has no _error configuration.
func (c *TaskControl) AddErrorTasks(task model.Task, errorParams *config.Config, maxTasks int) (bool, error) {
	errCfg := task.Config.ErrorConfig()
	if errCfg.IsEmpty() {
		return false, nil
	}
	errCfg = errCfg.DeepCopy()
	export := errCfg.NestedOrEmpty("_export").DeepCopy()
	export.Set("error", errorParams.DeepCopy())
	errCfg.Set("_export", export)

	specs, err := workflow.CompileTasks(task.FullName, "^error", errCfg)
	if err != nil {
		return false, err
	}
	if len(specs) == 0 {
		return false, nil
	}
	if _, err := c.AddGeneratedSubtasks(task, specs, nil, maxTasks); err != nil {
		return false, err
	}
	return true, nil
}

// AddFailureAlertTask appends the notification task the root group runs
// before finishing as GroupError.
func (c *TaskControl) AddFailureAlertTask(task model.Task, maxTasks int) error {
	cfg := config.New()
	cfg.Set("notify>", "Workflow session attempt failed")
	specs, err := workflow.CompileTasks(task.FullName, "^failure-alert", cfg)
	if err != nil {
		return err
	}
	_, err = c.AddGeneratedSubtasks(task, specs, nil, maxTasks)
	return err
}

// collectChildErrors picks the first failed child's error details for the
// "error" export parameter of the group's _error tasks.
func collectChildErrors(errChildren []model.Task) *config.Config {
	for _, child := range errChildren {
		if !child.Error.IsEmpty() {
			out := child.Error.DeepCopy()
			out.Set("task", child.FullName)
			return out
		}
	}
	out := config.New()
	if len(errChildren) > 0 {
		out.Set("task", errChildren[0].FullName)
	}
	return out
}
