package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/control"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
	"github.com/utsubo/chidori/internal/workflow"
)

// ErrTaskNotRunnable is returned by StartTask when the task is no longer
// ready, typically after a competing delivery.
var ErrTaskNotRunnable = errors.New("task is not ready to run")

// StartTask moves the task to running and returns its snapshot together
// with the attempt it belongs to.
func (e *Executor) StartTask(ctx context.Context, taskID int64) (model.Task, model.Attempt, error) {
	var task model.Task
	var attempt model.Attempt
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		changed, err := control.New(tx).SetReadyToRunning(taskID)
		if err != nil {
			return err
		}
		if !changed {
			return ErrTaskNotRunnable
		}
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		attempt, err = tx.GetAttempt(task.AttemptID)
		return err
	})
	return task, attempt, err
}

// TaskSucceeded commits the operator result. A result carrying generated
// subtasks, or a task configured with _check, goes to planned and waits for
// the subtree; otherwise the task is terminal immediately. The queue lease
// is released after the commit.
func (e *Executor) TaskSucceeded(ctx context.Context, taskID int64, lockID, agentID string, result model.TaskResult) error {
	var finishedAttempt int64
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		c := control.New(tx)
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.State != model.TaskRunning {
			return nil
		}
		subtrees, err := generatedSpecs(task, result)
		if err != nil {
			return err
		}
		if len(subtrees) > 0 {
			for _, specs := range subtrees {
				if _, err := c.AddGeneratedSubtasks(task, specs, nil, e.cfg.MaxWorkflowTasks); err != nil {
					return err
				}
			}
			_, err = c.SetRunningToPlannedSuccessful(taskID, result)
			return err
		}
		_, err = c.SetRunningToShortCircuitSuccess(taskID, result)
		if err == nil {
			finishedAttempt = task.AttemptID
		}
		return err
	})
	if err != nil {
		var cfgErr *workflow.ConfigError
		if errors.Is(err, control.ErrTaskLimitExceeded) || errors.As(err, &cfgErr) {
			// a bad generated subtree fails the generating task
			return e.TaskFailed(ctx, taskID, lockID, agentID, errorConfig(err))
		}
		return err
	}
	if finishedAttempt != 0 {
		e.publishTaskFinished(taskID, finishedAttempt, model.TaskSuccess)
	}
	e.releaseLease(ctx, lockID, agentID)
	e.Notice()
	return nil
}

// TaskFailed records the operator error. The task's own _retry gets a
// chance first; otherwise an _error subtree runs before the task group
// fails, marked by the delayed-error flag.
func (e *Executor) TaskFailed(ctx context.Context, taskID int64, lockID, agentID string, errCfg *config.Config) error {
	if errCfg == nil {
		errCfg = config.New()
	}
	var finishedAttempt int64
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		c := control.New(tx)
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.State != model.TaskRunning {
			return nil
		}

		// definition errors never resolve by rerunning
		if !errCfg.GetBoolOr("config_error", false) {
			if rc, ok := control.ParseRetry(task.Config.Local); ok {
				if interval, allowed := rc.Evaluate(task.RetryCount); allowed {
					_, err := c.SetRunningToRetryWaiting(taskID, task.StateParams, interval, errCfg)
					return err
				}
			}
		}

		added, err := c.AddErrorTasks(task, errCfg, e.cfg.MaxWorkflowTasks)
		if err != nil {
			return err
		}
		if added {
			_, err := c.SetRunningToPlannedWithDelayedError(taskID, errCfg)
			return err
		}
		_, err = c.SetRunningToShortCircuitError(taskID, errCfg)
		if err == nil {
			finishedAttempt = task.AttemptID
		}
		return err
	})
	var cfgErr *workflow.ConfigError
	if errors.Is(err, control.ErrTaskLimitExceeded) || errors.As(err, &cfgErr) {
		// no room for the _error subtree (or it does not compile), fail the
		// task directly
		err = e.store.Transaction(ctx, func(tx repo.Tx) error {
			_, err := control.New(tx).SetRunningToShortCircuitError(taskID, errCfg)
			return err
		})
	}
	if err != nil {
		return err
	}
	if finishedAttempt != 0 {
		e.publishTaskFinished(taskID, finishedAttempt, model.TaskError)
	}
	e.releaseLease(ctx, lockID, agentID)
	e.Notice()
	return nil
}

// RetryTask defers the task without counting it as failed, as requested by
// a polling operator.
func (e *Executor) RetryTask(ctx context.Context, taskID int64, lockID, agentID string, interval time.Duration, stateParams *config.Config) error {
	if stateParams == nil {
		stateParams = config.New()
	}
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		_, err := control.New(tx).SetRunningToRetryWaiting(taskID, stateParams, interval, config.New())
		return err
	})
	if err != nil {
		return err
	}
	e.releaseLease(ctx, lockID, agentID)
	e.Notice()
	return nil
}

func (e *Executor) releaseLease(ctx context.Context, lockID, agentID string) {
	if lockID == "" {
		return
	}
	err := e.queue.Delete(ctx, lockID, agentID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		e.logger.Warn("queue lease release failed", zap.String("lock", lockID), zap.Error(err))
	}
}

// generatedSpecs compiles the result's subtask block and the task's _check
// block, one spec list per subtree root.
func generatedSpecs(task model.Task, result model.TaskResult) ([][]model.TaskSpec, error) {
	var subtrees [][]model.TaskSpec
	if result.SubtaskConfig != nil && !result.SubtaskConfig.IsEmpty() {
		sub, err := workflow.CompileTasks(task.FullName, "^sub", result.SubtaskConfig)
		if err != nil {
			return nil, err
		}
		subtrees = append(subtrees, sub)
	}
	if check := task.Config.CheckConfig(); !check.IsEmpty() {
		sub, err := workflow.CompileTasks(task.FullName, "^check", check)
		if err != nil {
			return nil, err
		}
		subtrees = append(subtrees, sub)
	}
	return subtrees, nil
}

func errorConfig(err error) *config.Config {
	out := config.New()
	out.Set("message", err.Error())
	var cfgErr *workflow.ConfigError
	if errors.Is(err, control.ErrTaskLimitExceeded) || errors.As(err, &cfgErr) {
		out.Set("config_error", true)
	}
	return out
}
