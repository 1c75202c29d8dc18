package control

import (
	"time"

	"github.com/utsubo/chidori/internal/config"
)

const maxRetryInterval = 24 * time.Hour

// RetryControl evaluates a task's _retry configuration. The setting is a
// bare number (`_retry: 3`) or a block:
//
//	_retry:
//	  limit: 3
//	  interval: 10
//	  interval_type: exponential
type RetryControl struct {
	limit       int
	interval    time.Duration
	exponential bool
}

// ParseRetry returns the retry control of cfg's _retry key, reporting false
// when retries are not configured.
func ParseRetry(cfg *config.Config) (RetryControl, bool) {
	if !cfg.Has("_retry") {
		return RetryControl{}, false
	}
	switch v := cfg.Get("_retry").(type) {
	case int64:
		return RetryControl{limit: int(v)}, true
	case *config.Config:
		rc := RetryControl{
			limit:       v.GetIntOr("limit", 0),
			interval:    time.Duration(v.GetIntOr("interval", 0)) * time.Second,
			exponential: v.GetStringOr("interval_type", "constant") == "exponential",
		}
		return rc, true
	default:
		return RetryControl{}, false
	}
}

// Evaluate returns the delay before the next run and whether retryCount
// leaves room for one.
func (rc RetryControl) Evaluate(retryCount int) (time.Duration, bool) {
	if retryCount >= rc.limit {
		return 0, false
	}
	interval := rc.interval
	if rc.exponential {
		for i := 0; i < retryCount && interval < maxRetryInterval; i++ {
			interval *= 2
		}
	}
	if interval > maxRetryInterval {
		interval = maxRetryInterval
	}
	return interval, true
}
