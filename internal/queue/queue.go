// Package queue is the lease-based task queue between the executor and the
// worker agents. Enqueue is idempotent per unique name; a locked entry is
// invisible to other agents until its lease expires; results may only be
// reported while the lease is held.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTaskConflict reports an enqueue of an already queued unique name.
	// Callers treat it as success: the entry is there.
	ErrTaskConflict = errors.New("task is already queued")
	// ErrLeaseLost reports a heartbeat or delete with a lease that expired
	// or belongs to someone else.
	ErrLeaseLost = errors.New("lease is expired or owned by another agent")
	ErrNotFound  = errors.New("queue entry not found")
)

// Request enqueues one runnable task.
type Request struct {
	// UniqueName deduplicates: taskID, or taskID.rN after retries.
	UniqueName string
	TaskID     int64
	AttemptID  int64
	// Higher priority is delivered first.
	Priority int
}

// Locked is a queue entry held under a lease.
type Locked struct {
	UniqueName string
	TaskID     int64
	AttemptID  int64
	LockID     string
	ExpiresAt  time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	// Lock claims up to limit unleased entries for agentID and returns
	// them with fresh leases of leaseSeconds.
	Lock(ctx context.Context, limit int, agentID string, leaseSeconds int) ([]Locked, error)
	// Heartbeat extends the given leases. Any lease that is expired or not
	// owned by agentID fails the call with ErrLeaseLost.
	Heartbeat(ctx context.Context, lockIDs []string, agentID string, leaseSeconds int) error
	// Delete removes an entry once its result has been durably reported.
	Delete(ctx context.Context, lockID, agentID string) error
}
