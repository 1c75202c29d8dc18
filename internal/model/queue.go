package model

import (
	"strconv"
	"time"
)

// QueuedTask is an entry on the task queue. The queue stores only enough to
// hand the task to an agent; the task row itself stays in the repository.
type QueuedTask struct {
	// UniqueName deduplicates enqueues. It is the task id, suffixed with
	// ".r<N>" when the task has been retried so re-enqueues of a newer
	// incarnation are not dropped as duplicates.
	UniqueName string
	TaskID     int64
	AttemptID  int64
	EnqueuedAt time.Time
}

// QueueLease is a held lock on a queued task. Holding a valid lease is the
// only permission to run the task or report its result.
type QueueLease struct {
	UniqueName string
	TaskID     int64
	AttemptID  int64
	// LockID identifies this holder. A heartbeat or delete with a different
	// LockID than the current one fails with ErrLeaseLost.
	LockID    string
	ExpiresAt time.Time
}

// QueueUniqueName builds the dedup key for a task at a given retry count.
func QueueUniqueName(taskID int64, retryCount int) string {
	if retryCount == 0 {
		return strconv.FormatInt(taskID, 10)
	}
	return strconv.FormatInt(taskID, 10) + ".r" + strconv.Itoa(retryCount)
}
