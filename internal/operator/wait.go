package operator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/utsubo/chidori/internal/model"
)

const maxWaitPoll = 30 * time.Second

// WaitOperator delays the workflow for the configured duration. By default
// it yields the agent slot between polls; `blocking: true` sleeps inside
// the operator instead.
//
//	+cooldown:
//	  wait>: 30s
type WaitOperator struct {
	// now is replaceable in tests.
	now func() time.Time
}

func (o *WaitOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	now := time.Now
	if o.now != nil {
		now = o.now
	}

	duration, err := parseDuration(req.Command())
	if err != nil {
		return model.TaskResult{}, err
	}

	if req.Config.GetBoolOr("blocking", false) {
		select {
		case <-ctx.Done():
			return model.TaskResult{}, ctx.Err()
		case <-time.After(duration):
			return model.EmptyTaskResult(), nil
		}
	}

	startedAt := now()
	if unix, ok := req.StateParams.Get("wait_started_at").(int64); ok {
		startedAt = time.Unix(unix, 0)
	}
	remaining := duration - now().Sub(startedAt)
	if remaining <= 0 {
		return model.EmptyTaskResult(), nil
	}

	state := req.StateParams.DeepCopy()
	state.Set("wait_started_at", startedAt.Unix())
	poll := remaining
	if poll > maxWaitPoll {
		poll = maxWaitPoll
	}
	return model.TaskResult{}, RetryLater(poll, state)
}

// parseDuration accepts Go duration strings and bare second counts.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q", s)
	}
	return d, nil
}
