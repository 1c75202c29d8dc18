// Package repo defines the transactional storage interfaces for sessions,
// attempts, and tasks, plus the in-memory implementation. The SQL-backed
// implementation lives in repo/dbstore.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a uniqueness violation, such as inserting a second
	// attempt with the same retry name or seeding tasks twice.
	ErrConflict = errors.New("record conflict")
)

// Store is the read surface plus the transaction entry point. Reads outside
// a transaction see committed state only.
type Store interface {
	// Transaction runs fn with exclusive write access. If fn returns an
	// error every write made through the Tx is rolled back.
	Transaction(ctx context.Context, fn func(Tx) error) error

	GetSession(ctx context.Context, id int64) (model.Session, error)
	FindSession(ctx context.Context, project, workflow string, sessionTime time.Time) (model.Session, error)
	GetAttempt(ctx context.Context, id int64) (model.Attempt, error)
	// ListActiveAttempts pages through attempts with Done unset, ordered by
	// id, starting after lastID.
	ListActiveAttempts(ctx context.Context, lastID int64, limit int) ([]model.Attempt, error)
	ListAttemptsOfSession(ctx context.Context, sessionID int64) ([]model.Attempt, error)

	GetTask(ctx context.Context, id int64) (model.Task, error)
	// ListTasksByState pages through live tasks in the given state, ordered
	// by id, starting after lastID.
	ListTasksByState(ctx context.Context, state model.TaskState, lastID int64, limit int) ([]model.Task, error)
	ListTasksOfAttempt(ctx context.Context, attemptID int64) ([]model.Task, error)
	TaskRelations(ctx context.Context, attemptID int64) ([]model.TaskRelation, error)
	// ListArchivedTasks returns the frozen task rows of an archived attempt.
	ListArchivedTasks(ctx context.Context, attemptID int64) ([]model.Task, error)
}

// Tx is the write surface inside one transaction. Implementations assign
// ids from a monotonically increasing sequence, so id order is insertion
// order.
type Tx interface {
	// UpsertSession returns the existing session for the same (project,
	// workflow, session time) or inserts a new one.
	UpsertSession(s model.Session) (model.Session, error)
	UpdateSessionParams(sessionID int64, params *config.Config) error

	// InsertAttempt fails with ErrConflict when the session already has an
	// attempt with the same retry name.
	InsertAttempt(a model.Attempt) (model.Attempt, error)
	GetAttempt(id int64) (model.Attempt, error)
	UpdateAttemptFlags(id int64, flags model.AttemptFlags, finishedAt *time.Time) error
	ListAttemptsOfSession(sessionID int64) ([]model.Attempt, error)

	InsertTask(t model.Task) (model.Task, error)
	GetTask(id int64) (model.Task, error)
	// UpdateTask replaces the stored row. The task must exist.
	UpdateTask(t model.Task) error
	// TransitionTaskState compares the task's current state with from and,
	// only when equal, applies mutate and stores the task with state to.
	// Returns false without error when the current state differs. The
	// transition must be allowed by the task state machine.
	TransitionTaskState(id int64, from, to model.TaskState, mutate func(*model.Task)) (bool, error)

	CountTasks(attemptID int64) (int, error)
	ListTasksOfAttempt(attemptID int64) ([]model.Task, error)
	ListChildren(parentID int64) ([]model.Task, error)
	TaskRelations(attemptID int64) ([]model.TaskRelation, error)

	// ArchiveAttempt freezes the attempt's tasks into the archive, removes
	// them from the live table, and marks the attempt done.
	ArchiveAttempt(attemptID int64, success bool, finishedAt time.Time) error
}
