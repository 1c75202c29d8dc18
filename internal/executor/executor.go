// Package executor drives task state from submission to archival. A single
// reconciliation loop owns every transition the agents don't: unblocking,
// retry scheduling, dispatch, group completion, and archival.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/control"
	"github.com/utsubo/chidori/internal/events"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Executor runs the reconciliation loop over the task store.
type Executor struct {
	store  repo.Store
	queue  queue.Queue
	bus    *events.Bus
	logger *zap.Logger
	cfg    model.ExecutorConfig

	notice chan struct{}
	now    func() time.Time
}

func New(store repo.Store, q queue.Queue, bus *events.Bus, logger *zap.Logger, cfg model.ExecutorConfig) *Executor {
	if cfg.EnqueueBatch <= 0 {
		cfg.EnqueueBatch = 100
	}
	if cfg.TickIntervalSec <= 0 {
		cfg.TickIntervalSec = 5
	}
	return &Executor{
		store:  store,
		queue:  q,
		bus:    bus,
		logger: logger,
		cfg:    cfg,
		notice: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Notice shortcuts the loop's sleep. Safe to call from any goroutine.
func (e *Executor) Notice() {
	select {
	case e.notice <- struct{}{}:
	default:
	}
}

// Run reconciles until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	tick := time.Duration(e.cfg.TickIntervalSec) * time.Second
	backoff := minBackoff
	for {
		if e.Pass(ctx) {
			backoff = minBackoff
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		sleep := backoff
		if sleep > tick {
			sleep = tick
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.notice:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Pass runs one reconciliation round, reporting whether anything changed.
func (e *Executor) Pass(ctx context.Context) bool {
	progressed := false
	progressed = e.catching(ctx, "propagate_blocked", e.propagateBlockedToReady) || progressed
	progressed = e.catching(ctx, "retry_waiting", e.retryRetryWaitingTasks) || progressed
	progressed = e.catching(ctx, "enqueue_ready", e.enqueueReadyTasks) || progressed
	progressed = e.catching(ctx, "propagate_done", e.propagatePlannedToDone) || progressed
	progressed = e.catching(ctx, "archive", e.archiveCompletedAttempts) || progressed
	return progressed
}

// catching isolates one step: a panic or error is logged and published but
// never stops the loop.
func (e *Executor) catching(ctx context.Context, name string, step func(context.Context) (bool, error)) (progressed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor step panicked", zap.String("step", name), zap.Any("panic", r))
			e.bus.Publish(events.EventExecutorRecovered, map[string]interface{}{
				"step":  name,
				"panic": fmt.Sprint(r),
			})
			progressed = false
		}
	}()
	progressed, err := step(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("executor step failed", zap.String("step", name), zap.Error(err))
	}
	return progressed
}

func (e *Executor) propagateBlockedToReady(ctx context.Context) (bool, error) {
	progressed := false
	err := e.forEachTaskInState(ctx, model.TaskBlocked, func(task model.Task) error {
		return e.store.Transaction(ctx, func(tx repo.Tx) error {
			changed, err := control.New(tx).PromoteBlockedIfRunnable(task)
			if changed {
				progressed = true
			}
			return err
		})
	})
	return progressed, err
}

func (e *Executor) retryRetryWaitingTasks(ctx context.Context) (bool, error) {
	now := e.now()
	progressed := false
	due := func(task model.Task) bool {
		return task.RetryAt != nil && !task.RetryAt.After(now)
	}
	// Cancellation does not wait out the retry delay.
	cancelWaiting := func(task model.Task, from model.TaskState) error {
		return e.store.Transaction(ctx, func(tx repo.Tx) error {
			changed, err := control.New(tx).SetToCanceled(task.ID, from)
			if changed {
				progressed = true
				e.publishTaskFinished(task.ID, task.AttemptID, model.TaskCanceled)
			}
			return err
		})
	}
	err := e.forEachTaskInState(ctx, model.TaskRetryWaiting, func(task model.Task) error {
		if task.Flags.CancelRequested {
			return cancelWaiting(task, model.TaskRetryWaiting)
		}
		if !due(task) {
			return nil
		}
		return e.store.Transaction(ctx, func(tx repo.Tx) error {
			changed, err := control.New(tx).SetRetryWaitingToReady(task.ID)
			if changed {
				progressed = true
			}
			return err
		})
	})
	if err != nil {
		return progressed, err
	}
	err = e.forEachTaskInState(ctx, model.TaskGroupRetryWaiting, func(task model.Task) error {
		if task.Flags.CancelRequested {
			return cancelWaiting(task, model.TaskGroupRetryWaiting)
		}
		if !due(task) {
			return nil
		}
		return e.store.Transaction(ctx, func(tx repo.Tx) error {
			changed, err := control.New(tx).SetGroupRetryWaitingToReady(task.ID)
			if changed {
				progressed = true
			}
			return err
		})
	})
	return progressed, err
}

func (e *Executor) enqueueReadyTasks(ctx context.Context) (bool, error) {
	progressed := false
	err := e.forEachTaskInState(ctx, model.TaskReady, func(task model.Task) error {
		if task.Flags.CancelRequested {
			return e.store.Transaction(ctx, func(tx repo.Tx) error {
				changed, err := control.New(tx).SetToCanceled(task.ID, model.TaskReady)
				if changed {
					progressed = true
					e.publishTaskFinished(task.ID, task.AttemptID, model.TaskCanceled)
				}
				return err
			})
		}
		if task.Type == model.TaskTypeGrouping {
			// only group retries pass through ready as a grouping task
			changed, err := e.replanRetriedGroup(ctx, task)
			if changed {
				progressed = true
			}
			return err
		}
		err := e.queue.Enqueue(ctx, queue.Request{
			UniqueName: model.QueueUniqueName(task.ID, task.RetryCount),
			TaskID:     task.ID,
			AttemptID:  task.AttemptID,
		})
		switch {
		case errors.Is(err, queue.ErrTaskConflict):
			return nil
		case err != nil:
			return err
		}
		progressed = true
		return nil
	})
	return progressed, err
}

// replanRetriedGroup re-inserts the group's initial subtree and moves the
// group back to planned.
func (e *Executor) replanRetriedGroup(ctx context.Context, group model.Task) (bool, error) {
	changed := false
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		c := control.New(tx)
		current, err := tx.GetTask(group.ID)
		if err != nil {
			return err
		}
		if current.State != model.TaskReady {
			return nil
		}
		descendants, err := descendantIDs(tx, current)
		if err != nil {
			return err
		}
		if err := c.CopyInitialTasksForRetry(current, descendants); err != nil {
			return err
		}
		changed, err = c.SetGroupRetryReadyToPlanned(group.ID)
		return err
	})
	return changed, err
}

func (e *Executor) propagatePlannedToDone(ctx context.Context) (bool, error) {
	progressed := false
	err := e.forEachTaskInState(ctx, model.TaskPlanned, func(task model.Task) error {
		return e.store.Transaction(ctx, func(tx repo.Tx) error {
			c := control.New(tx)
			current, err := tx.GetTask(task.ID)
			if err != nil {
				return err
			}
			if current.State != model.TaskPlanned {
				return nil
			}
			progressible, err := c.AnyProgressibleChild(current)
			if err != nil || progressible {
				return err
			}
			changed, err := c.SetDoneFromDoneChildren(current, e.cfg.MaxWorkflowTasks)
			if err != nil {
				return err
			}
			if changed {
				progressed = true
				after, err := tx.GetTask(task.ID)
				if err == nil && after.State.Terminal() {
					e.publishTaskFinished(after.ID, after.AttemptID, after.State)
				}
			}
			return nil
		})
	})
	return progressed, err
}

func (e *Executor) archiveCompletedAttempts(ctx context.Context) (bool, error) {
	progressed := false
	lastID := int64(0)
	for {
		attempts, err := e.store.ListActiveAttempts(ctx, lastID, e.cfg.EnqueueBatch)
		if err != nil {
			return progressed, err
		}
		if len(attempts) == 0 {
			return progressed, nil
		}
		for _, attempt := range attempts {
			lastID = attempt.ID
			archived, success, err := e.archiveIfDone(ctx, attempt)
			if err != nil {
				return progressed, err
			}
			if archived {
				progressed = true
				e.logger.Info("attempt finished",
					zap.Int64("attempt", attempt.ID),
					zap.String("workflow", attempt.Workflow),
					zap.Bool("success", success))
				e.bus.Publish(events.EventAttemptFinished, map[string]interface{}{
					"attempt_id": attempt.ID,
					"workflow":   attempt.Workflow,
					"success":    success,
				})
			}
		}
	}
}

func (e *Executor) archiveIfDone(ctx context.Context, attempt model.Attempt) (bool, bool, error) {
	archived := false
	success := false
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		tasks, err := tx.ListTasksOfAttempt(attempt.ID)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		// blocked tasks behind a failed upstream never turn terminal, so
		// the gate is: root settled and nothing can still move
		var root *model.Task
		for i := range tasks {
			if tasks[i].State.Progressing() {
				return nil
			}
			if tasks[i].ParentID == nil {
				root = &tasks[i]
			}
		}
		if root == nil || !root.State.Terminal() {
			return nil
		}
		success = root.State == model.TaskSuccess
		if err := tx.ArchiveAttempt(attempt.ID, success, e.now()); err != nil {
			return err
		}
		archived = true
		return nil
	})
	return archived, success, err
}

// KillAttempt requests cancellation of the attempt and all its live tasks.
// Running tasks finish their current operator run; everything else is
// canceled by the loop.
func (e *Executor) KillAttempt(ctx context.Context, attemptID int64) error {
	err := e.store.Transaction(ctx, func(tx repo.Tx) error {
		attempt, err := tx.GetAttempt(attemptID)
		if err != nil {
			return err
		}
		if attempt.Flags.Done {
			return nil
		}
		attempt.Flags.CancelRequested = true
		if err := tx.UpdateAttemptFlags(attempt.ID, attempt.Flags, attempt.FinishedAt); err != nil {
			return err
		}
		c := control.New(tx)
		tasks, err := tx.ListTasksOfAttempt(attemptID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.State.Terminal() {
				continue
			}
			if err := c.RequestCancel(task.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("cancel requested", zap.Int64("attempt", attemptID))
	e.Notice()
	return nil
}

// RunUntilDone reconciles until the attempt is archived. Intended for tests
// and `submit --wait`; agents must be reporting for tasks to finish.
func (e *Executor) RunUntilDone(ctx context.Context, attemptID int64) (model.Attempt, error) {
	for {
		e.Pass(ctx)
		attempt, err := e.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return model.Attempt{}, err
		}
		if attempt.Done() {
			return attempt, nil
		}
		timer := time.NewTimer(minBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-e.notice:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// forEachTaskInState pages through all live tasks in state.
func (e *Executor) forEachTaskInState(ctx context.Context, state model.TaskState, fn func(model.Task) error) error {
	lastID := int64(0)
	for {
		tasks, err := e.store.ListTasksByState(ctx, state, lastID, e.cfg.EnqueueBatch)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		for _, task := range tasks {
			lastID = task.ID
			if err := fn(task); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) publishTaskFinished(taskID, attemptID int64, state model.TaskState) {
	e.bus.Publish(events.EventTaskFinished, map[string]interface{}{
		"task_id":    taskID,
		"attempt_id": attemptID,
		"state":      string(state),
	})
}

func descendantIDs(tx repo.Tx, group model.Task) ([]int64, error) {
	rels, err := tx.TaskRelations(group.AttemptID)
	if err != nil {
		return nil, err
	}
	children := make(map[int64][]int64)
	for _, rel := range rels {
		if rel.ParentID != nil {
			children[*rel.ParentID] = append(children[*rel.ParentID], rel.ID)
		}
	}
	var out []int64
	var walk func(id int64)
	walk = func(id int64) {
		for _, child := range children[id] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(group.ID)
	return out, nil
}
