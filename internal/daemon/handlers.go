package daemon

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/control"
	"github.com/utsubo/chidori/internal/executor"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
	"github.com/utsubo/chidori/internal/uds"
	"github.com/utsubo/chidori/internal/workflow"
)

// SubmitParams starts a new session attempt of a workflow from the loaded
// project.
type SubmitParams struct {
	Workflow    string         `json:"workflow"`
	SessionTime string         `json:"session_time,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	RetryName   string         `json:"retry_name,omitempty"`
	Resume      string         `json:"resume,omitempty"`
	ResumeFrom  string         `json:"resume_from,omitempty"`
	// Wait blocks the request until the attempt finishes.
	Wait bool `json:"wait,omitempty"`
}

type SubmitResult struct {
	AttemptID int64  `json:"attempt_id"`
	SessionID int64  `json:"session_id"`
	Index     int    `json:"index"`
	Workflow  string `json:"workflow"`
	Done      bool   `json:"done"`
	Success   bool   `json:"success"`
}

type KillParams struct {
	AttemptID int64 `json:"attempt_id"`
}

type AttemptParams struct {
	AttemptID int64 `json:"attempt_id"`
}

type TaskStatus struct {
	ID         int64      `json:"id"`
	FullName   string     `json:"full_name"`
	Type       string     `json:"type"`
	State      string     `json:"state"`
	RetryCount int        `json:"retry_count,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type AttemptStatus struct {
	ID              int64        `json:"id"`
	SessionID       int64        `json:"session_id"`
	Index           int          `json:"index"`
	Workflow        string       `json:"workflow"`
	Done            bool         `json:"done"`
	Success         bool         `json:"success"`
	CancelRequested bool         `json:"cancel_requested"`
	CreatedAt       time.Time    `json:"created_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	Tasks           []TaskStatus `json:"tasks"`
}

type WorkflowInfo struct {
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("submit", d.handleSubmit)
	d.server.Handle("kill", d.handleKill)
	d.server.Handle("attempt", d.handleAttempt)
	d.server.Handle("workflows", d.handleWorkflows)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.logger.Info("shutdown requested over socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var params SubmitParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Workflow == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "workflow is required")
	}

	def, ok := d.projects.Get(params.Workflow)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound,
			fmt.Sprintf("workflow %q not found in project", params.Workflow))
	}

	sessionTime := time.Now().UTC().Truncate(time.Second)
	if params.SessionTime != "" {
		t, err := parseSessionTime(params.SessionTime)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		sessionTime = t
	}

	resume, err := parseResumeMode(params.Resume)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	overrides := config.New()
	for k, v := range params.Params {
		overrides.Set(k, v)
	}

	var retryName *string
	if params.RetryName != "" {
		retryName = &params.RetryName
	}

	attempt, err := d.exec.Submit(d.ctx, executor.SubmitRequest{
		Project:     d.projectName(),
		Workflow:    params.Workflow,
		Definition:  def.Config,
		SessionTime: sessionTime,
		Params:      overrides,
		RetryName:   retryName,
		Resume:      resume,
		ResumeFrom:  params.ResumeFrom,
	})
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrSessionAttemptConflict):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	case errors.Is(err, executor.ErrNoPreviousAttempt):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, control.ErrTaskLimitExceeded):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	default:
		var cfgErr *workflow.ConfigError
		if errors.As(err, &cfgErr) {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		d.logger.Error("submit failed", zap.String("workflow", params.Workflow), zap.Error(err))
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	if params.Wait {
		finished, err := d.exec.RunUntilDone(d.ctx, attempt.ID)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		attempt = finished
	}

	return uds.SuccessResponse(SubmitResult{
		AttemptID: attempt.ID,
		SessionID: attempt.SessionID,
		Index:     attempt.Index,
		Workflow:  attempt.Workflow,
		Done:      attempt.Flags.Done,
		Success:   attempt.Flags.Success,
	})
}

func (d *Daemon) handleKill(req *uds.Request) *uds.Response {
	var params KillParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.AttemptID <= 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "attempt_id is required")
	}
	if err := d.exec.KillAttempt(d.ctx, params.AttemptID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"attempt_id": params.AttemptID, "status": "cancel_requested"})
}

func (d *Daemon) handleAttempt(req *uds.Request) *uds.Response {
	var params AttemptParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.AttemptID <= 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "attempt_id is required")
	}

	attempt, err := d.store.GetAttempt(d.ctx, params.AttemptID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	var tasks []model.Task
	if attempt.Done() {
		tasks, err = d.store.ListArchivedTasks(d.ctx, attempt.ID)
	} else {
		tasks, err = d.store.ListTasksOfAttempt(d.ctx, attempt.ID)
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	status := AttemptStatus{
		ID:              attempt.ID,
		SessionID:       attempt.SessionID,
		Index:           attempt.Index,
		Workflow:        attempt.Workflow,
		Done:            attempt.Flags.Done,
		Success:         attempt.Flags.Success,
		CancelRequested: attempt.Flags.CancelRequested,
		CreatedAt:       attempt.CreatedAt,
		FinishedAt:      attempt.FinishedAt,
		Tasks:           make([]TaskStatus, 0, len(tasks)),
	}
	for _, t := range tasks {
		ts := TaskStatus{
			ID:         t.ID,
			FullName:   t.FullName,
			Type:       string(t.Type),
			State:      string(t.State),
			RetryCount: t.RetryCount,
			StartedAt:  t.StartedAt,
			UpdatedAt:  t.UpdatedAt,
		}
		if msg, ok := t.Error.GetString("message"); ok {
			ts.Error = msg
		}
		status.Tasks = append(status.Tasks, ts)
	}
	return uds.SuccessResponse(status)
}

func (d *Daemon) handleWorkflows(req *uds.Request) *uds.Response {
	defs := d.projects.List()
	out := make([]WorkflowInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, WorkflowInfo{Name: def.Name, Revision: def.Revision})
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) projectName() string {
	abs, err := filepath.Abs(d.cfg.Project.Dir)
	if err != nil {
		return d.cfg.Project.Dir
	}
	return filepath.Base(abs)
}

func parseSessionTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse session time %q", s)
}

func parseResumeMode(s string) (executor.ResumeMode, error) {
	switch s {
	case "":
		return executor.ResumeNone, nil
	case "failed":
		return executor.ResumeFailed, nil
	case "from":
		return executor.ResumeFrom, nil
	}
	return executor.ResumeNone, fmt.Errorf("unknown resume mode %q", s)
}
