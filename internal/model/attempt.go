package model

import (
	"time"

	"github.com/utsubo/chidori/internal/config"
)

// Session identifies one logical run of a workflow: the same (project,
// workflow, session time) triple always maps to the same session, no matter
// how many attempts it takes.
type Session struct {
	ID          int64
	UUID        string
	Project     string
	Workflow    string
	SessionTime time.Time
	// Params persists `store` outputs across attempts of this session.
	Params    *config.Config
	CreatedAt time.Time
}

// AttemptFlags mirror the attempt's lifecycle bits. Done and Success are set
// exactly once, at archival.
type AttemptFlags struct {
	Done            bool
	Success         bool
	CancelRequested bool
}

// Attempt is one execution of a session's workflow. Retrying a session
// creates a new attempt with a fresh task graph.
type Attempt struct {
	ID        int64
	SessionID int64
	// Index is 1 for the first attempt of a session and increments per
	// retry.
	Index int
	// RetryName names a manual retry, nil for the first attempt.
	RetryName *string
	Workflow  string
	Params    *config.Config
	Flags     AttemptFlags
	CreatedAt time.Time
	// FinishedAt is set when the attempt is archived.
	FinishedAt *time.Time
}

// Done reports whether the attempt has been archived.
func (a *Attempt) Done() bool {
	return a.Flags.Done
}
