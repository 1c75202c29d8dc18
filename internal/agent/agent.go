// Package agent runs queued tasks. An agent locks tasks from the queue,
// executes their operators with bounded parallelism, keeps the leases alive
// while running, and reports results back through the executor callbacks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/control"
	"github.com/utsubo/chidori/internal/executor"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/operator"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
	"github.com/utsubo/chidori/internal/workflow"
)

// Agent polls the task queue and runs operators.
type Agent struct {
	id        string
	store     repo.Store
	queue     queue.Queue
	exec      *executor.Executor
	registry  *operator.Registry
	logger    *zap.Logger
	cfg       model.AgentConfig
	workspace string

	wg  sync.WaitGroup
	sem chan struct{}
}

// New creates an agent with a host-unique id. workspace is the directory
// operators run in.
func New(store repo.Store, q queue.Queue, exec *executor.Executor, registry *operator.Registry, logger *zap.Logger, cfg model.AgentConfig, workspace string) *Agent {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 1
	}
	if cfg.LeaseSec <= 0 {
		cfg.LeaseSec = 300
	}
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	return &Agent{
		id:        id,
		store:     store,
		queue:     q,
		exec:      exec,
		registry:  registry,
		logger:    logger.With(zap.String("agent", id)),
		cfg:       cfg,
		workspace: workspace,
		sem:       make(chan struct{}, cfg.MaxParallel),
	}
}

// ID returns the agent's queue identity.
func (a *Agent) ID() string {
	return a.id
}

// Run polls until ctx is done, then waits for in-flight tasks.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(a.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()
	a.logger.Info("agent started", zap.String("id", a.id), zap.Int("max_parallel", a.cfg.MaxParallel))
	for {
		a.poll(ctx)
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) poll(ctx context.Context) {
	free := cap(a.sem) - len(a.sem)
	if free == 0 {
		return
	}
	locked, err := a.queue.Lock(ctx, free, a.id, a.cfg.LeaseSec)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("queue lock failed", zap.Error(err))
		}
		return
	}
	for _, lock := range locked {
		a.sem <- struct{}{}
		a.wg.Add(1)
		go func(lock queue.Locked) {
			defer a.wg.Done()
			defer func() { <-a.sem }()
			a.runLocked(ctx, lock)
		}(lock)
	}
}

// runLocked executes one locked task end to end.
func (a *Agent) runLocked(ctx context.Context, lock queue.Locked) {
	task, attempt, err := a.exec.StartTask(ctx, lock.TaskID)
	if errors.Is(err, executor.ErrTaskNotRunnable) {
		// duplicate delivery or a canceled task, drop the lease
		if derr := a.queue.Delete(ctx, lock.LockID, a.id); derr != nil && !errors.Is(derr, queue.ErrNotFound) {
			a.logger.Warn("stale lease release failed", zap.String("lock", lock.LockID), zap.Error(derr))
		}
		return
	}
	if err != nil {
		a.logger.Error("task start failed", zap.Int64("task", lock.TaskID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := a.keepAlive(runCtx, lock, cancel)
	defer stopHeartbeat()

	result, runErr := a.runOperator(runCtx, task, attempt)

	if runCtx.Err() != nil && ctx.Err() == nil {
		// lease lost mid-run: another agent may own the task now, so no
		// report
		a.logger.Warn("abandoning task after lost lease",
			zap.Int64("task", task.ID), zap.String("name", task.FullName))
		return
	}
	a.report(ctx, task, lock, result, runErr)
}

// keepAlive heartbeats the lease until stopped. Losing the lease cancels
// the task's context.
func (a *Agent) keepAlive(ctx context.Context, lock queue.Locked, onLost context.CancelFunc) func() {
	interval := time.Duration(a.cfg.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(a.cfg.LeaseSec) * time.Second / 3
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := a.queue.Heartbeat(ctx, []string{lock.LockID}, a.id, a.cfg.LeaseSec)
				if errors.Is(err, queue.ErrLeaseLost) {
					onLost()
					return
				}
				if err != nil {
					a.logger.Warn("heartbeat failed", zap.String("lock", lock.LockID), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (a *Agent) runOperator(ctx context.Context, task model.Task, attempt model.Attempt) (model.TaskResult, error) {
	params, err := control.CollectParams(ctx, a.store, task, attempt)
	if err != nil {
		return model.TaskResult{}, err
	}
	typ, cfg, err := operator.Normalize(task.Config.Local)
	if err != nil {
		return model.TaskResult{}, err
	}
	op, ok := a.registry.Get(typ)
	if !ok {
		return model.TaskResult{}, workflow.NewConfigError(fmt.Sprintf("unknown operator type %q", typ))
	}

	a.logger.Info("task running",
		zap.Int64("task", task.ID),
		zap.String("name", task.FullName),
		zap.String("type", typ))
	return op.Run(ctx, operator.Request{
		TaskID:      task.ID,
		AttemptID:   task.AttemptID,
		TaskName:    task.FullName,
		Type:        typ,
		Config:      cfg,
		Params:      params,
		StateParams: task.StateParams,
		Workspace:   a.workspace,
		Logger:      a.logger,
	})
}

// report delivers exactly one of succeeded, failed, or retry-later.
func (a *Agent) report(ctx context.Context, task model.Task, lock queue.Locked, result model.TaskResult, runErr error) {
	var err error
	switch {
	case runErr == nil:
		err = a.exec.TaskSucceeded(ctx, task.ID, lock.LockID, a.id, result)
	default:
		var retry *operator.RetryLaterError
		if errors.As(runErr, &retry) {
			err = a.exec.RetryTask(ctx, task.ID, lock.LockID, a.id, retry.Interval, retry.StateParams)
		} else {
			a.logger.Warn("task failed",
				zap.Int64("task", task.ID),
				zap.String("name", task.FullName),
				zap.Error(runErr))
			err = a.exec.TaskFailed(ctx, task.ID, lock.LockID, a.id, errorParams(runErr))
		}
	}
	if err != nil {
		a.logger.Error("task report failed", zap.Int64("task", task.ID), zap.Error(err))
	}
}

func errorParams(err error) *config.Config {
	out := config.New()
	out.Set("message", err.Error())
	var cfgErr *workflow.ConfigError
	if errors.As(err, &cfgErr) {
		out.Set("config_error", true)
	}
	return out
}
