// Package control implements the attempt-scoped task mutations. Every
// operation runs inside one repository transaction and moves tasks through
// the state machine with optimistic compare-and-set updates, so concurrent
// executors and duplicate worker reports degrade to harmless no-ops.
package control

import (
	"errors"
	"time"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

var (
	// ErrTaskLimitExceeded aborts a generated-subtask insert that would push
	// the attempt over its configured task count limit.
	ErrTaskLimitExceeded = errors.New("too many tasks in attempt")
	// ErrResumingRoot rejects a resume set that names the root task.
	ErrResumingRoot = errors.New("root task cannot be a resuming task")
)

// TaskControl mutates tasks within one open transaction.
type TaskControl struct {
	tx repo.Tx
}

func New(tx repo.Tx) *TaskControl {
	return &TaskControl{tx: tx}
}

func (c *TaskControl) Tx() repo.Tx {
	return c.tx
}

// SetBlockedToReady promotes a blocked task whose parent and upstreams
// allow it to run.
func (c *TaskControl) SetBlockedToReady(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskBlocked, model.TaskReady, nil)
}

// SetBlockedToPlanned short-circuits a grouping-only task past ready.
func (c *TaskControl) SetBlockedToPlanned(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskBlocked, model.TaskPlanned, nil)
}

// PromoteBlockedIfRunnable applies the blocked-to-ready rule: the parent
// must have started (Planned) or finished successfully, and every upstream
// must be Success. Grouping-only tasks skip Ready and go straight to
// Planned; a cancel-requested task goes to Canceled instead of running.
// Re-applying to an already promoted task is a no-op.
func (c *TaskControl) PromoteBlockedIfRunnable(task model.Task) (bool, error) {
	if task.State != model.TaskBlocked {
		return false, nil
	}
	if task.ParentID != nil {
		parent, err := c.tx.GetTask(*task.ParentID)
		if err != nil {
			return false, err
		}
		if parent.State != model.TaskPlanned && parent.State != model.TaskSuccess {
			return false, nil
		}
	}
	runnable, err := c.allUpstreamsSuccessful(task)
	if err != nil || !runnable {
		return false, err
	}
	if task.Flags.CancelRequested {
		return c.SetToCanceled(task.ID, model.TaskBlocked)
	}
	if task.Type == model.TaskTypeGrouping {
		return c.SetBlockedToPlanned(task.ID)
	}
	return c.SetBlockedToReady(task.ID)
}

func (c *TaskControl) SetReadyToRunning(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskReady, model.TaskRunning, func(t *model.Task) {
		now := time.Now().UTC()
		t.StartedAt = &now
	})
}

// SetRunningToPlannedSuccessful records a successful action whose follow-up
// children (generated subtasks, _check tasks) still have to run.
func (c *TaskControl) SetRunningToPlannedSuccessful(id int64, result model.TaskResult) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRunning, model.TaskPlanned, func(t *model.Task) {
		applyResult(t, result)
	})
}

// SetRunningToShortCircuitSuccess finishes an action that generated no
// children.
func (c *TaskControl) SetRunningToShortCircuitSuccess(id int64, result model.TaskResult) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRunning, model.TaskSuccess, func(t *model.Task) {
		applyResult(t, result)
	})
}

// SetRunningToPlannedWithDelayedError defers the failure until the task's
// _error children have run.
func (c *TaskControl) SetRunningToPlannedWithDelayedError(id int64, errCfg *config.Config) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRunning, model.TaskPlanned, func(t *model.Task) {
		t.Flags.DelayedError = true
		t.Error = errCfg.DeepCopy()
	})
}

// SetRunningToShortCircuitError fails an action with no _error children.
func (c *TaskControl) SetRunningToShortCircuitError(id int64, errCfg *config.Config) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRunning, model.TaskError, func(t *model.Task) {
		t.Error = errCfg.DeepCopy()
	})
}

// SetRunningToRetryWaiting schedules another run of the same task after
// interval. Operator state survives in StateParams.
func (c *TaskControl) SetRunningToRetryWaiting(id int64, stateParams *config.Config, interval time.Duration, errCfg *config.Config) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRunning, model.TaskRetryWaiting, func(t *model.Task) {
		retryAt := time.Now().Add(interval).UTC()
		t.RetryAt = &retryAt
		t.RetryCount++
		if stateParams != nil {
			t.StateParams = stateParams.DeepCopy()
		}
		if errCfg != nil {
			t.Error = errCfg.DeepCopy()
		}
	})
}

// SetRetryWaitingToReady re-runs a task whose retry delay elapsed.
func (c *TaskControl) SetRetryWaitingToReady(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskRetryWaiting, model.TaskReady, func(t *model.Task) {
		t.RetryAt = nil
	})
}

// SetGroupRetryWaitingToReady re-runs a group whose retry delay elapsed.
func (c *TaskControl) SetGroupRetryWaitingToReady(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskGroupRetryWaiting, model.TaskReady, func(t *model.Task) {
		t.RetryAt = nil
	})
}

// SetGroupRetryReadyToPlanned moves a retried group back to waiting for its
// re-inserted children.
func (c *TaskControl) SetGroupRetryReadyToPlanned(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskReady, model.TaskPlanned, nil)
}

func (c *TaskControl) SetPlannedToSuccess(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskPlanned, model.TaskSuccess, nil)
}

func (c *TaskControl) SetPlannedToError(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskPlanned, model.TaskError, nil)
}

func (c *TaskControl) SetPlannedToGroupError(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskPlanned, model.TaskGroupError, nil)
}

// SetPlannedToPlannedWithDelayedGroupError keeps the group planned while
// its _error children run, marking it to finish as GroupError afterwards.
func (c *TaskControl) SetPlannedToPlannedWithDelayedGroupError(id int64) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskPlanned, model.TaskPlanned, func(t *model.Task) {
		t.Flags.DelayedGroupError = true
	})
}

// SetPlannedToGroupRetryWaiting schedules a whole-group retry.
func (c *TaskControl) SetPlannedToGroupRetryWaiting(id int64, interval time.Duration) (bool, error) {
	return c.tx.TransitionTaskState(id, model.TaskPlanned, model.TaskGroupRetryWaiting, func(t *model.Task) {
		retryAt := time.Now().Add(interval).UTC()
		t.RetryAt = &retryAt
		t.RetryCount++
	})
}

// SetToCanceled moves a task from the given non-terminal state to Canceled.
func (c *TaskControl) SetToCanceled(id int64, from model.TaskState) (bool, error) {
	return c.tx.TransitionTaskState(id, from, model.TaskCanceled, nil)
}

// RequestCancel sets the cancel-requested flag without changing state.
func (c *TaskControl) RequestCancel(id int64) error {
	t, err := c.tx.GetTask(id)
	if err != nil {
		return err
	}
	if t.State.Terminal() || t.Flags.CancelRequested {
		return nil
	}
	t.Flags.CancelRequested = true
	return c.tx.UpdateTask(t)
}

func applyResult(t *model.Task, result model.TaskResult) {
	t.ExportParams = result.ExportParams.DeepCopy()
	t.StoreParams = result.StoreParams.DeepCopy()
	t.ResetStoreParams = append([]string(nil), result.ResetStoreParams...)
	t.Report = result.Report.DeepCopy()
}
