package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/control"
	"github.com/utsubo/chidori/internal/events"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
	"github.com/utsubo/chidori/internal/workflow"
)

var (
	// ErrSessionAttemptConflict is returned when the session already has an
	// attempt with the same retry name.
	ErrSessionAttemptConflict = errors.New("session attempt already exists")
	// ErrNoPreviousAttempt is returned when a resume is requested but the
	// session has no archived attempt to resume from.
	ErrNoPreviousAttempt = errors.New("no previous attempt to resume from")
)

// ResumeMode selects which finished tasks of the previous attempt are
// reused instead of rerun.
type ResumeMode int

const (
	// ResumeNone reruns everything.
	ResumeNone ResumeMode = iota
	// ResumeFailed reuses every successful task of the previous attempt.
	ResumeFailed
	// ResumeFrom reruns the named task and everything stored after it,
	// reusing earlier successful tasks.
	ResumeFrom
)

// SubmitRequest describes one workflow session attempt.
type SubmitRequest struct {
	Project     string
	Workflow    string
	Definition  *config.Config
	SessionTime time.Time
	Params      *config.Config
	// RetryName distinguishes repeated attempts of the same session.
	RetryName  *string
	Resume     ResumeMode
	ResumeFrom string
}

// Submit compiles the workflow and stores the session, attempt, and initial
// task set in one transaction.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (model.Attempt, error) {
	if req.Params == nil {
		req.Params = config.New()
	}
	wf, err := workflow.Compile(req.Workflow, req.Definition)
	if err != nil {
		return model.Attempt{}, err
	}
	if limit := e.cfg.MaxWorkflowTasks; limit > 0 && len(wf.Tasks) > limit {
		return model.Attempt{}, control.ErrTaskLimitExceeded
	}

	resuming, err := e.resumingTasks(ctx, req)
	if err != nil {
		return model.Attempt{}, err
	}

	var attempt model.Attempt
	err = e.store.Transaction(ctx, func(tx repo.Tx) error {
		session, err := tx.UpsertSession(model.Session{
			UUID:        uuid.NewString(),
			Project:     req.Project,
			Workflow:    req.Workflow,
			SessionTime: req.SessionTime,
			Params:      req.Params,
		})
		if err != nil {
			return err
		}
		attempts, err := tx.ListAttemptsOfSession(session.ID)
		if err != nil {
			return err
		}
		attempt, err = tx.InsertAttempt(model.Attempt{
			SessionID: session.ID,
			Index:     len(attempts) + 1,
			RetryName: req.RetryName,
			Workflow:  req.Workflow,
			Params:    req.Params,
		})
		if errors.Is(err, repo.ErrConflict) {
			return ErrSessionAttemptConflict
		}
		if err != nil {
			return err
		}
		_, err = control.New(tx).StoreInitialTasks(attempt.ID, wf.Tasks, resuming)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}

	e.logger.Info("attempt submitted",
		zap.Int64("attempt", attempt.ID),
		zap.String("workflow", req.Workflow),
		zap.Time("session_time", req.SessionTime))
	e.bus.Publish(events.EventAttemptStarted, map[string]interface{}{
		"attempt_id": attempt.ID,
		"workflow":   req.Workflow,
	})
	e.Notice()
	return attempt, nil
}

// resumingTasks loads the previous attempt's archive and picks the
// successful action tasks the new attempt keeps.
func (e *Executor) resumingTasks(ctx context.Context, req SubmitRequest) ([]model.ResumingTask, error) {
	if req.Resume == ResumeNone {
		return nil, nil
	}
	session, err := e.store.FindSession(ctx, req.Project, req.Workflow, req.SessionTime)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNoPreviousAttempt
	}
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttemptsOfSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	var last *model.Attempt
	for i := range attempts {
		if attempts[i].Flags.Done {
			last = &attempts[i]
		}
	}
	if last == nil {
		return nil, ErrNoPreviousAttempt
	}
	archived, err := e.store.ListArchivedTasks(ctx, last.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(archived, func(i, j int) bool { return archived[i].ID < archived[j].ID })

	boundary := int64(-1)
	if req.Resume == ResumeFrom {
		for _, task := range archived {
			if task.FullName == req.ResumeFrom {
				boundary = task.ID
				break
			}
		}
		if boundary < 0 {
			return nil, fmt.Errorf("resume task %s not found in attempt %d", req.ResumeFrom, last.ID)
		}
	}

	var out []model.ResumingTask
	for _, task := range archived {
		if task.Type != model.TaskTypeAction || task.State != model.TaskSuccess {
			continue
		}
		if req.Resume == ResumeFrom && task.ID >= boundary {
			continue
		}
		out = append(out, model.ResumingTaskFrom(task))
	}
	return out, nil
}
