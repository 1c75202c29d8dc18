package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/model"
)

// RunReapers cancels attempts that exceed their TTL and attempts whose
// running tasks exceed the task TTL. Reapers only request cancellation;
// the loop performs the actual transitions.
func (e *Executor) RunReapers(ctx context.Context) error {
	interval := time.Duration(e.cfg.ReapIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.reapAttempts(ctx); err != nil {
				e.logger.Error("attempt reaper failed", zap.Error(err))
			}
			if err := e.reapTasks(ctx); err != nil {
				e.logger.Error("task reaper failed", zap.Error(err))
			}
		}
	}
}

func (e *Executor) reapAttempts(ctx context.Context) error {
	ttl := time.Duration(e.cfg.AttemptTTLMin) * time.Minute
	if ttl <= 0 {
		return nil
	}
	deadline := e.now().Add(-ttl)
	lastID := int64(0)
	for {
		attempts, err := e.store.ListActiveAttempts(ctx, lastID, e.cfg.EnqueueBatch)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			return nil
		}
		for _, attempt := range attempts {
			lastID = attempt.ID
			if attempt.Flags.CancelRequested || attempt.CreatedAt.After(deadline) {
				continue
			}
			e.logger.Warn("attempt exceeded ttl, canceling",
				zap.Int64("attempt", attempt.ID),
				zap.Time("created_at", attempt.CreatedAt))
			if err := e.KillAttempt(ctx, attempt.ID); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) reapTasks(ctx context.Context) error {
	ttl := time.Duration(e.cfg.TaskTTLMin) * time.Minute
	if ttl <= 0 {
		return nil
	}
	deadline := e.now().Add(-ttl)
	canceled := make(map[int64]bool)
	return e.forEachTaskInState(ctx, model.TaskRunning, func(task model.Task) error {
		if canceled[task.AttemptID] || task.Flags.CancelRequested {
			return nil
		}
		if task.StartedAt == nil || task.StartedAt.After(deadline) {
			return nil
		}
		e.logger.Warn("task exceeded ttl, canceling attempt",
			zap.Int64("task", task.ID),
			zap.Int64("attempt", task.AttemptID),
			zap.String("name", task.FullName))
		canceled[task.AttemptID] = true
		return e.KillAttempt(ctx, task.AttemptID)
	})
}
