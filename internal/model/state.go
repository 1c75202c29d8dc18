package model

import "fmt"

// TaskState is the state machine position of a single task.
type TaskState string

const (
	// TaskBlocked waits for the parent group to start and for every upstream
	// sibling to succeed.
	TaskBlocked TaskState = "blocked"
	// TaskReady is runnable and waiting to be enqueued or picked up.
	TaskReady TaskState = "ready"
	// TaskRetryWaiting waits out an action retry delay before going back to
	// ready.
	TaskRetryWaiting TaskState = "retry_waiting"
	// TaskGroupRetryWaiting waits out a group retry delay; its children have
	// already been re-inserted as blocked copies.
	TaskGroupRetryWaiting TaskState = "group_retry_waiting"
	// TaskRunning is leased by an agent.
	TaskRunning TaskState = "running"
	// TaskPlanned has finished its own work and waits for children.
	TaskPlanned TaskState = "planned"

	TaskSuccess    TaskState = "success"
	TaskError      TaskState = "error"
	TaskGroupError TaskState = "group_error"
	TaskCanceled   TaskState = "canceled"
)

// Terminal reports whether the state can never change again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskError, TaskGroupError, TaskCanceled:
		return true
	}
	return false
}

// Progressing reports whether the task can still make progress on its own.
// Blocked is deliberately excluded: a blocked task only progresses if its
// upstreams allow it, which the caller must check separately.
func (s TaskState) Progressing() bool {
	switch s {
	case TaskReady, TaskRetryWaiting, TaskGroupRetryWaiting, TaskRunning, TaskPlanned:
		return true
	}
	return false
}

var taskStateTransitions = map[TaskState]map[TaskState]bool{
	TaskBlocked: {
		TaskReady:    true,
		TaskPlanned:  true, // grouping-only tasks skip ready
		TaskCanceled: true,
	},
	TaskReady: {
		TaskRunning:  true,
		TaskPlanned:  true, // resuming groups short-circuit
		TaskSuccess:  true, // resuming actions short-circuit
		TaskCanceled: true,
	},
	TaskRunning: {
		TaskPlanned:      true,
		TaskRetryWaiting: true,
		TaskSuccess:      true,
		TaskError:        true,
		TaskCanceled:     true,
	},
	TaskRetryWaiting: {
		TaskReady:    true,
		TaskCanceled: true,
	},
	TaskGroupRetryWaiting: {
		TaskReady:    true,
		TaskCanceled: true,
	},
	TaskPlanned: {
		TaskSuccess:           true,
		TaskError:             true,
		TaskGroupError:        true,
		TaskGroupRetryWaiting: true,
		TaskPlanned:           true, // flag-only updates keep the state
		TaskCanceled:          true,
	},
}

// ValidateTaskTransition rejects state changes the task state machine does
// not allow. Terminal states have no outgoing edges.
func ValidateTaskTransition(from, to TaskState) error {
	if taskStateTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid task state transition %q -> %q", from, to)
}
